package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/iron-cage/budget-gate/internal/domain"
	"github.com/iron-cage/budget-gate/internal/infra/cryptobox"
)

func newService(t *testing.T) *TokenService {
	t.Helper()
	s, err := NewTokenService([]byte("process-secret"), "budget-gate")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	s := newService(t)

	token, err := s.Issue("agent_42", "42", []string{"budget.handshake"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := s.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.AgentID != "agent_42" {
		t.Errorf("agent_id = %q", claims.AgentID)
	}
	if claims.BudgetID != "42" {
		t.Errorf("budget_id = %q", claims.BudgetID)
	}
	if claims.Issuer != "budget-gate" {
		t.Errorf("issuer = %q", claims.Issuer)
	}
}

func TestVerifyBearerPrefix(t *testing.T) {
	s := newService(t)

	token, err := s.Issue("agent_1", "1", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Verify("Bearer " + token); err != nil {
		t.Errorf("bearer-prefixed token rejected: %v", err)
	}
}

func TestVerifyEmptyPermissionsAllowed(t *testing.T) {
	// Пустой набор permissions — валидный токен; обязательны только
	// agent_id и issuer.
	s := newService(t)

	token, err := s.Issue("agent_1", "1", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Verify(token); err != nil {
		t.Errorf("token without permissions rejected: %v", err)
	}
}

func TestVerifyRejections(t *testing.T) {
	s := newService(t)

	other, err := NewTokenService([]byte("other-secret"), "budget-gate")
	if err != nil {
		t.Fatal(err)
	}
	foreign, err := other.Issue("agent_1", "1", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	wrongIssuer, err := NewTokenService([]byte("process-secret"), "someone-else")
	if err != nil {
		t.Fatal(err)
	}
	misissued, err := wrongIssuer.Issue("agent_1", "1", nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	expired, err := s.Issue("agent_1", "1", nil, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]string{
		"garbage":       "not-a-token",
		"empty":         "",
		"wrong secret":  foreign,
		"wrong issuer":  misissued,
		"expired":       expired,
	}
	for name, token := range cases {
		if _, err := s.Verify(token); !errors.Is(err, domain.ErrInvalidToken) {
			t.Errorf("%s: Verify = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestVerifyNoExpiryAccepted(t *testing.T) {
	// expires_at опционален: бессрочный токен валиден.
	s := newService(t)

	token, err := s.Issue("agent_1", "1", nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Verify(token); err != nil {
		t.Errorf("token without expiry rejected: %v", err)
	}
}

func TestEphemeralEncoderRoundTrip(t *testing.T) {
	box, err := cryptobox.New([]byte("transport-secret"), "ic-transport")
	if err != nil {
		t.Fatal(err)
	}
	enc := NewEphemeralEncoder(box)

	ipToken, err := enc.Encode([]byte("sk-proj-plaintext"))
	if err != nil {
		t.Fatal(err)
	}
	got, err := enc.Decode(ipToken)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "sk-proj-plaintext" {
		t.Errorf("got %q", got)
	}

	if _, err := enc.Decode("AES256:bad"); !errors.Is(err, cryptobox.ErrFormat) {
		t.Errorf("malformed envelope = %v, want ErrFormat", err)
	}
}
