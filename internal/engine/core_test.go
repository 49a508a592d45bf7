package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/iron-cage/budget-gate/internal/audit"
	"github.com/iron-cage/budget-gate/internal/domain"
	"github.com/iron-cage/budget-gate/internal/vault"
)

// --- фейки зависимостей оркестратора ---

type fakeVerifier struct {
	claims map[string]*domain.CapabilityClaims
}

func (v *fakeVerifier) Verify(tokenStr string) (*domain.CapabilityClaims, error) {
	if c, ok := v.claims[tokenStr]; ok {
		return c, nil
	}
	return nil, domain.ErrInvalidToken
}

type fakeEncoder struct{ fail bool }

func (e *fakeEncoder) Encode(credential []byte) (string, error) {
	if e.fail {
		return "", domain.ErrCrypto
	}
	return "AES256:" + string(credential) + ":n:t", nil
}

type fakeCredSource struct {
	plaintext []byte
	err       error
}

func (s *fakeCredSource) Open(_ context.Context, provider domain.Provider, keyID string) (*vault.OpenedCredential, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &vault.OpenedCredential{
		KeyID:     "key-1",
		Provider:  provider,
		Plaintext: s.plaintext,
	}, nil
}

type memLeaseStore struct {
	mu     sync.Mutex
	leases map[string]*domain.BudgetLease

	createErr    error
	superseded   []string
	supersedeErr error
	afterGet     func() // срабатывает между чтением lease и списанием
}

func newMemLeaseStore() *memLeaseStore {
	return &memLeaseStore{leases: make(map[string]*domain.BudgetLease)}
}

func (s *memLeaseStore) CreateLease(_ context.Context, lease *domain.BudgetLease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	cp := *lease
	s.leases[lease.LeaseID] = &cp
	return nil
}

func (s *memLeaseStore) GetLease(_ context.Context, leaseID string) (*domain.BudgetLease, error) {
	s.mu.Lock()
	l, ok := s.leases[leaseID]
	var cp *domain.BudgetLease
	if ok {
		c := *l
		cp = &c
	}
	s.mu.Unlock()

	if s.afterGet != nil {
		s.afterGet()
	}
	return cp, nil
}

func (s *memLeaseStore) RecordLeaseUsage(_ context.Context, leaseID string, cost int64) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[leaseID]
	// Контракт хранилища: статус и срок проверяются в том же условном
	// UPDATE, что и само списание
	if !ok || l.Status != domain.LeaseActive || l.Expired(time.Now()) {
		return 0, 0, domain.ErrLeaseNotFound
	}
	accepted := cost
	if room := l.BudgetGranted - l.BudgetSpent; accepted > room {
		accepted = room
	}
	l.BudgetSpent += accepted
	return accepted, l.BudgetGranted - l.BudgetSpent, nil
}

func (s *memLeaseStore) SupersedeLease(_ context.Context, leaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.supersedeErr != nil {
		return s.supersedeErr
	}
	l, ok := s.leases[leaseID]
	if !ok || l.Status != domain.LeaseActive {
		return domain.ErrLeaseNotFound
	}
	l.Status = domain.LeaseSuperseded
	s.superseded = append(s.superseded, leaseID)
	return nil
}

type fakeDirectory struct {
	mu      sync.Mutex
	owners  map[int64]string
	banks   map[string]int64
	debits  []int64
	credits []int64

	debitErr error
}

func (d *fakeDirectory) GetAgentOwner(_ context.Context, agentID int64) (string, error) {
	return d.owners[agentID], nil
}

func (d *fakeDirectory) DebitOwnerBank(_ context.Context, owner string, amount int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.debitErr != nil {
		return d.debitErr
	}
	d.banks[owner] -= amount
	d.debits = append(d.debits, amount)
	return nil
}

func (d *fakeDirectory) CreditOwnerBank(_ context.Context, owner string, amount int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.banks[owner] += amount
	d.credits = append(d.credits, amount)
	return nil
}

type fakeRevoker struct{ revoked map[int64]bool }

func (r *fakeRevoker) IsRevoked(agentID int64) bool { return r.revoked[agentID] }

type captureTrail struct {
	mu     sync.Mutex
	events []audit.ProtocolEvent
}

func (c *captureTrail) Record(event audit.ProtocolEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureTrail) last() audit.ProtocolEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return audit.ProtocolEvent{}
	}
	return c.events[len(c.events)-1]
}

// --- сборка тестового движка ---

type engineFixture struct {
	engine  *Engine
	store   *memBudgetStore
	leases  *memLeaseStore
	dir     *fakeDirectory
	source  *fakeCredSource
	encoder *fakeEncoder
	trail   *captureTrail
}

const (
	testAgentID = int64(42)
	goodToken   = "good-token"
)

func newFixture(allocated int64) *engineFixture {
	store := newMemBudgetStore(testAgentID, allocated)
	leases := newMemLeaseStore()
	dir := &fakeDirectory{
		owners: map[int64]string{testAgentID: "owner-1"},
		banks:  map[string]int64{"owner-1": allocated},
	}
	source := &fakeCredSource{plaintext: []byte("sk-secret-key")}
	encoder := &fakeEncoder{}
	trail := &captureTrail{}

	verifier := &fakeVerifier{claims: map[string]*domain.CapabilityClaims{
		goodToken:       {AgentID: "agent_42", BudgetID: "42"},
		"bad-id-token":  {AgentID: "agent_INVALID"},
		"zero-id-token": {AgentID: "agent_0"},
	}}

	eng := NewEngine(
		verifier,
		encoder,
		source,
		testGuard(store, isContention),
		leases,
		dir,
		&fakeRevoker{revoked: map[int64]bool{}},
		trail,
		NewMetrics(nil),
		zap.NewNop(),
		Config{
			MaxHandshakeBudget:     100_000_000,
			DefaultHandshakeBudget: 10_000_000,
			LeaseTTL:               time.Hour,
		},
	)
	return &engineFixture{
		engine:  eng,
		store:   store,
		leases:  leases,
		dir:     dir,
		source:  source,
		encoder: encoder,
		trail:   trail,
	}
}

func handshakeReq(requested int64) *domain.HandshakeRequest {
	return &domain.HandshakeRequest{
		ICToken:         goodToken,
		Provider:        "openai",
		RequestedBudget: requested,
	}
}

// --- handshake ---

func TestHandshakeGrantsLeaseAndEnvelope(t *testing.T) {
	fx := newFixture(50_000_000)

	resp, err := fx.engine.Handshake(context.Background(), handshakeReq(5_000_000))
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}

	if resp.BudgetGranted != 5_000_000 {
		t.Errorf("granted = %d, want 5000000", resp.BudgetGranted)
	}
	if resp.BudgetRemaining != 45_000_000 {
		t.Errorf("remaining = %d, want 45000000", resp.BudgetRemaining)
	}
	if !strings.Contains(resp.IPToken, "sk-secret-key") {
		t.Error("IP token does not carry the opened credential")
	}
	if resp.ExpiresAt == nil {
		t.Fatal("lease must carry an expiry")
	}

	lease, _ := fx.leases.GetLease(context.Background(), resp.LeaseID)
	if lease == nil {
		t.Fatal("lease was not persisted")
	}
	if lease.AgentID != testAgentID || lease.BudgetGranted != 5_000_000 || lease.Status != domain.LeaseActive {
		t.Errorf("unexpected lease: %+v", lease)
	}

	if fx.dir.banks["owner-1"] != 45_000_000 {
		t.Errorf("owner bank = %d, want 45000000", fx.dir.banks["owner-1"])
	}
	if !fx.store.invariantHolds() {
		t.Error("budget invariant violated after handshake")
	}

	ev := fx.trail.last()
	if ev.Operation != audit.OpHandshake || ev.Status != audit.StatusGranted || ev.AgentID != testAgentID {
		t.Errorf("unexpected trail event: %+v", ev)
	}
}

func TestHandshakePartialGrantWhenBudgetLow(t *testing.T) {
	fx := newFixture(3_000_000)

	resp, err := fx.engine.Handshake(context.Background(), handshakeReq(5_000_000))
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if resp.BudgetGranted != 3_000_000 {
		t.Errorf("granted = %d, want all remaining 3000000", resp.BudgetGranted)
	}
	if resp.BudgetRemaining != 0 {
		t.Errorf("remaining = %d, want 0", resp.BudgetRemaining)
	}
}

func TestHandshakeDeniedWhenExhausted(t *testing.T) {
	fx := newFixture(0)

	_, err := fx.engine.Handshake(context.Background(), handshakeReq(1_000_000))
	var denied *domain.BudgetDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected BudgetDeniedError, got %v", err)
	}
	if !errors.Is(err, domain.ErrBudgetExhausted) {
		t.Error("denial must unwrap to ErrBudgetExhausted")
	}
	if denied.Status == nil || denied.Status.BudgetRemaining != 0 {
		t.Errorf("denial must carry a budget snapshot, got %+v", denied.Status)
	}
	if ev := fx.trail.last(); ev.Status != audit.StatusDenied {
		t.Errorf("trail status = %q, want denied", ev.Status)
	}
}

func TestHandshakeRejectsMalformedAgentID(t *testing.T) {
	fx := newFixture(50_000_000)

	for _, token := range []string{"bad-id-token", "zero-id-token"} {
		req := handshakeReq(1_000_000)
		req.ICToken = token

		_, err := fx.engine.Handshake(context.Background(), req)
		var vErr *domain.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("token %q: expected ValidationError, got %v", token, err)
		}
		if vErr.Field != "agent_id" {
			t.Errorf("token %q: field = %q, want agent_id", token, vErr.Field)
		}
	}

	// Ни резерва, ни lease для отклоненных запросов
	status, _ := fx.store.GetBudget(context.Background(), testAgentID)
	if status.TotalSpent != 0 {
		t.Errorf("rejected requests must not touch the ledger, spent = %d", status.TotalSpent)
	}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	fx := newFixture(50_000_000)
	req := handshakeReq(1_000_000)
	req.ICToken = "forged"

	_, err := fx.engine.Handshake(context.Background(), req)
	if !errors.Is(err, domain.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestHandshakeRejectsRevokedAgent(t *testing.T) {
	fx := newFixture(50_000_000)
	fx.engine.revocation = &fakeRevoker{revoked: map[int64]bool{testAgentID: true}}

	_, err := fx.engine.Handshake(context.Background(), handshakeReq(1_000_000))
	if !errors.Is(err, domain.ErrAgentRevoked) {
		t.Fatalf("expected ErrAgentRevoked, got %v", err)
	}
}

func TestHandshakeUnknownAgentIsOpaque(t *testing.T) {
	fx := newFixture(50_000_000)
	fx.dir.owners = map[int64]string{} // агента нет в каталоге

	_, err := fx.engine.Handshake(context.Background(), handshakeReq(1_000_000))
	if !errors.Is(err, domain.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestHandshakeValidationTable(t *testing.T) {
	fx := newFixture(50_000_000)

	cases := []struct {
		name  string
		req   *domain.HandshakeRequest
		field string
	}{
		{"empty token", &domain.HandshakeRequest{Provider: "openai"}, "ic_token"},
		{"oversized token", &domain.HandshakeRequest{ICToken: strings.Repeat("a", domain.MaxTokenLength+1), Provider: "openai"}, "ic_token"},
		{"empty provider", &domain.HandshakeRequest{ICToken: goodToken}, "provider"},
		{"unknown provider", &domain.HandshakeRequest{ICToken: goodToken, Provider: "aws"}, "provider"},
		{"negative budget", &domain.HandshakeRequest{ICToken: goodToken, Provider: "openai", RequestedBudget: -1}, "requested_budget"},
		{"budget over max", &domain.HandshakeRequest{ICToken: goodToken, Provider: "openai", RequestedBudget: 200_000_000}, "requested_budget"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.engine.Handshake(context.Background(), tc.req)
			var vErr *domain.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if vErr.Field != tc.field {
				t.Errorf("field = %q, want %q", vErr.Field, tc.field)
			}
		})
	}
}

func TestHandshakeZeroBudgetUsesDefault(t *testing.T) {
	fx := newFixture(50_000_000)

	resp, err := fx.engine.Handshake(context.Background(), handshakeReq(0))
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if resp.BudgetGranted != 10_000_000 {
		t.Errorf("granted = %d, want server default 10000000", resp.BudgetGranted)
	}
}

func TestHandshakeCompensatesOnVaultFailure(t *testing.T) {
	fx := newFixture(50_000_000)
	fx.source.err = domain.ErrKeyNotFound

	_, err := fx.engine.Handshake(context.Background(), handshakeReq(5_000_000))
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	status, _ := fx.store.GetBudget(context.Background(), testAgentID)
	if status.TotalSpent != 0 || status.BudgetRemaining != 50_000_000 {
		t.Errorf("reservation not compensated: spent=%d remaining=%d",
			status.TotalSpent, status.BudgetRemaining)
	}
}

func TestHandshakeCompensatesOnLeaseFailure(t *testing.T) {
	fx := newFixture(50_000_000)
	fx.leases.createErr = errors.New("disk full")

	_, err := fx.engine.Handshake(context.Background(), handshakeReq(5_000_000))
	if !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}

	status, _ := fx.store.GetBudget(context.Background(), testAgentID)
	if status.TotalSpent != 0 {
		t.Errorf("reservation not compensated, spent = %d", status.TotalSpent)
	}
	// Дебет банка откатывается встречным кредитом
	if fx.dir.banks["owner-1"] != 50_000_000 {
		t.Errorf("owner bank = %d, want restored 50000000", fx.dir.banks["owner-1"])
	}
	if len(fx.dir.credits) != 1 {
		t.Errorf("credits = %v, want single compensation", fx.dir.credits)
	}
}

// cancelSensitiveStore отдает ошибку контекста раньше работы — так ведет
// себя настоящий драйвер, когда запрос уже оборван.
type cancelSensitiveStore struct{ *memBudgetStore }

func (s *cancelSensitiveStore) ReleaseReservation(ctx context.Context, agentID, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memBudgetStore.ReleaseReservation(ctx, agentID, amount)
}

// cancellingCredSource обрывает контекст запроса и падает — имитация
// клиента, отвалившегося посреди handshake.
type cancellingCredSource struct{ cancel context.CancelFunc }

func (s *cancellingCredSource) Open(ctx context.Context, _ domain.Provider, _ string) (*vault.OpenedCredential, error) {
	s.cancel()
	return nil, ctx.Err()
}

// Обрыв запроса после резерва не должен сжигать бюджет: компенсация
// обязана дойти до хранилища даже на мертвом контексте запроса.
func TestHandshakeCompensationSurvivesCancelledRequest(t *testing.T) {
	store := &cancelSensitiveStore{newMemBudgetStore(testAgentID, 50_000_000)}
	leases := newMemLeaseStore()
	dir := &fakeDirectory{
		owners: map[int64]string{testAgentID: "owner-1"},
		banks:  map[string]int64{"owner-1": 50_000_000},
	}
	verifier := &fakeVerifier{claims: map[string]*domain.CapabilityClaims{
		goodToken: {AgentID: "agent_42", BudgetID: "42"},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := NewEngine(
		verifier,
		&fakeEncoder{},
		&cancellingCredSource{cancel: cancel},
		testGuard(store, isContention),
		leases,
		dir,
		&fakeRevoker{revoked: map[int64]bool{}},
		&captureTrail{},
		NewMetrics(nil),
		zap.NewNop(),
		Config{LeaseTTL: time.Hour},
	)

	_, err := eng.Handshake(ctx, handshakeReq(5_000_000))
	if err == nil {
		t.Fatal("expected handshake to fail after cancellation")
	}

	status, _ := store.GetBudget(context.Background(), testAgentID)
	if status.TotalSpent != 0 || status.BudgetRemaining != 50_000_000 {
		t.Errorf("reservation leaked after cancellation: spent=%d remaining=%d",
			status.TotalSpent, status.BudgetRemaining)
	}
	leases.mu.Lock()
	if len(leases.leases) != 0 {
		t.Errorf("no lease must exist, got %d", len(leases.leases))
	}
	leases.mu.Unlock()
	if !store.invariantHolds() {
		t.Error("budget invariant violated after compensation")
	}
}

// --- usage report ---

func grantLease(t *testing.T, fx *engineFixture, amount int64) string {
	t.Helper()
	resp, err := fx.engine.Handshake(context.Background(), handshakeReq(amount))
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	return resp.LeaseID
}

func reportReq(leaseID string, cost int64) *domain.UsageReport {
	return &domain.UsageReport{
		LeaseID:   leaseID,
		RequestID: "req-1",
		Tokens:    1200,
		Cost:      cost,
		Model:     "gpt-4o",
		Provider:  "openai",
	}
}

func TestReportWithinGrantLeavesLedgerUntouched(t *testing.T) {
	fx := newFixture(50_000_000)
	leaseID := grantLease(t, fx, 5_000_000)

	before, _ := fx.store.GetBudget(context.Background(), testAgentID)

	resp, err := fx.engine.Report(context.Background(), reportReq(leaseID, 1_000_000))
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if !resp.Success {
		t.Error("report must be accepted")
	}

	// Резерв закоммичен при выдаче lease: отчет в пределах гранта
	// леджер не мутирует
	after, _ := fx.store.GetBudget(context.Background(), testAgentID)
	if *after != *before {
		t.Errorf("ledger changed by in-grant report: before=%+v after=%+v", before, after)
	}

	lease, _ := fx.leases.GetLease(context.Background(), leaseID)
	if lease.BudgetSpent != 1_000_000 {
		t.Errorf("lease spent = %d, want 1000000", lease.BudgetSpent)
	}

	// В трейле отчет — это прием списания, не выдача бюджета
	ev := fx.trail.last()
	if ev.Operation != audit.OpReport || ev.Status != audit.StatusAccepted {
		t.Errorf("trail event = %s/%s, want %s/%s",
			ev.Operation, ev.Status, audit.OpReport, audit.StatusAccepted)
	}
}

// Lease, истекший между чтением и списанием, спенд принять не должен:
// срок проверяется в том же условном обновлении, что и статус.
func TestReportLeaseExpiringMidFlight(t *testing.T) {
	fx := newFixture(50_000_000)
	leaseID := grantLease(t, fx, 1_000_000)

	fx.leases.afterGet = func() {
		fx.leases.mu.Lock()
		past := time.Now().Add(-time.Second)
		fx.leases.leases[leaseID].ExpiresAt = &past
		fx.leases.mu.Unlock()
	}

	_, err := fx.engine.Report(context.Background(), reportReq(leaseID, 100))
	if !errors.Is(err, domain.ErrLeaseExpired) {
		t.Fatalf("expected ErrLeaseExpired, got %v", err)
	}

	fx.leases.afterGet = nil
	lease, _ := fx.leases.GetLease(context.Background(), leaseID)
	if lease.BudgetSpent != 0 {
		t.Errorf("expired lease accepted spend: %d", lease.BudgetSpent)
	}
}

func TestReportOverrunClampsAndSignals(t *testing.T) {
	fx := newFixture(50_000_000)
	leaseID := grantLease(t, fx, 2_000_000)

	_, err := fx.engine.Report(context.Background(), reportReq(leaseID, 3_000_000))
	var overrun *domain.OverrunError
	if !errors.As(err, &overrun) {
		t.Fatalf("expected OverrunError, got %v", err)
	}
	if overrun.Accepted != 2_000_000 || overrun.Attempted != 3_000_000 {
		t.Errorf("overrun = %+v, want accepted 2000000 of 3000000", overrun)
	}

	// Принято ровно до потолка, не больше
	lease, _ := fx.leases.GetLease(context.Background(), leaseID)
	if lease.BudgetSpent != lease.BudgetGranted {
		t.Errorf("lease spent = %d, want clamped to granted %d", lease.BudgetSpent, lease.BudgetGranted)
	}
}

func TestReportUnknownLease(t *testing.T) {
	fx := newFixture(50_000_000)

	_, err := fx.engine.Report(context.Background(), reportReq("no-such-lease", 100))
	if !errors.Is(err, domain.ErrLeaseNotFound) {
		t.Fatalf("expected ErrLeaseNotFound, got %v", err)
	}
}

func TestReportExpiredLease(t *testing.T) {
	fx := newFixture(50_000_000)
	leaseID := grantLease(t, fx, 1_000_000)

	// Откатываем срок в прошлое; момент expires == now тоже истекший
	fx.leases.mu.Lock()
	past := time.Now().Add(-time.Minute)
	fx.leases.leases[leaseID].ExpiresAt = &past
	fx.leases.mu.Unlock()

	_, err := fx.engine.Report(context.Background(), reportReq(leaseID, 100))
	if !errors.Is(err, domain.ErrLeaseExpired) {
		t.Fatalf("expected ErrLeaseExpired, got %v", err)
	}
}

func TestReportSupersededLease(t *testing.T) {
	fx := newFixture(50_000_000)
	leaseID := grantLease(t, fx, 1_000_000)
	if err := fx.leases.SupersedeLease(context.Background(), leaseID); err != nil {
		t.Fatalf("SupersedeLease: %v", err)
	}

	_, err := fx.engine.Report(context.Background(), reportReq(leaseID, 100))
	if !errors.Is(err, domain.ErrLeaseExpired) {
		t.Fatalf("expected ErrLeaseExpired for superseded lease, got %v", err)
	}
}

func TestReportValidation(t *testing.T) {
	fx := newFixture(50_000_000)

	cases := []struct {
		name string
		req  *domain.UsageReport
	}{
		{"empty lease id", &domain.UsageReport{RequestID: "r", Tokens: 1}},
		{"empty request id", &domain.UsageReport{LeaseID: "l", Tokens: 1}},
		{"zero tokens", &domain.UsageReport{LeaseID: "l", RequestID: "r"}},
		{"negative cost", &domain.UsageReport{LeaseID: "l", RequestID: "r", Tokens: 1, Cost: -5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.engine.Report(context.Background(), tc.req)
			var vErr *domain.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

// --- refresh ---

func TestRefreshIssuesNewLeaseAndSupersedesOld(t *testing.T) {
	fx := newFixture(50_000_000)
	oldLease := grantLease(t, fx, 5_000_000)

	resp, err := fx.engine.Refresh(context.Background(), &domain.RefreshRequest{
		ICToken:         goodToken,
		CurrentLeaseID:  oldLease,
		RequestedBudget: 3_000_000,
	})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if resp.Status != domain.RefreshApproved {
		t.Fatalf("status = %q, want approved", resp.Status)
	}
	if resp.LeaseID == oldLease || resp.LeaseID == "" {
		t.Errorf("refresh must mint a new lease, got %q", resp.LeaseID)
	}
	if resp.BudgetGranted != 3_000_000 {
		t.Errorf("granted = %d, want 3000000", resp.BudgetGranted)
	}

	prior, _ := fx.leases.GetLease(context.Background(), oldLease)
	if prior.Status != domain.LeaseSuperseded {
		t.Errorf("old lease status = %q, want SUPERSEDED", prior.Status)
	}

	// Итог по леджеру: оба резерва закоммичены
	status, _ := fx.store.GetBudget(context.Background(), testAgentID)
	if status.TotalSpent != 8_000_000 {
		t.Errorf("total spent = %d, want 8000000", status.TotalSpent)
	}
	if !fx.store.invariantHolds() {
		t.Error("budget invariant violated after refresh")
	}
}

func TestRefreshDeniedWhenExhaustedIsNotError(t *testing.T) {
	fx := newFixture(5_000_000)
	oldLease := grantLease(t, fx, 5_000_000) // весь бюджет ушел в первый lease

	resp, err := fx.engine.Refresh(context.Background(), &domain.RefreshRequest{
		ICToken:        goodToken,
		CurrentLeaseID: oldLease,
	})
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if resp.Status != domain.RefreshDenied {
		t.Fatalf("status = %q, want denied", resp.Status)
	}
	if resp.Reason == "" {
		t.Error("denied refresh must carry a reason")
	}

	// Старый lease остается активным — агент донашивает прежний грант
	prior, _ := fx.leases.GetLease(context.Background(), oldLease)
	if prior.Status != domain.LeaseActive {
		t.Errorf("old lease status = %q, want still ACTIVE", prior.Status)
	}
}

func TestRefreshForeignLeaseLooksMissing(t *testing.T) {
	fx := newFixture(50_000_000)

	// Lease другого агента
	foreign := &domain.BudgetLease{
		LeaseID: "foreign-lease", AgentID: 99, BudgetID: 99,
		BudgetGranted: 1, Status: domain.LeaseActive,
	}
	if err := fx.leases.CreateLease(context.Background(), foreign); err != nil {
		t.Fatalf("CreateLease: %v", err)
	}

	_, err := fx.engine.Refresh(context.Background(), &domain.RefreshRequest{
		ICToken:        goodToken,
		CurrentLeaseID: "foreign-lease",
	})
	if !errors.Is(err, domain.ErrLeaseNotFound) {
		t.Fatalf("foreign lease must be indistinguishable from missing, got %v", err)
	}
}

func TestRefreshCompensatesOnLeaseFailure(t *testing.T) {
	fx := newFixture(50_000_000)
	oldLease := grantLease(t, fx, 5_000_000)
	fx.leases.createErr = errors.New("disk full")

	_, err := fx.engine.Refresh(context.Background(), &domain.RefreshRequest{
		ICToken:         goodToken,
		CurrentLeaseID:  oldLease,
		RequestedBudget: 3_000_000,
	})
	if !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}

	status, _ := fx.store.GetBudget(context.Background(), testAgentID)
	if status.TotalSpent != 5_000_000 {
		t.Errorf("refresh reservation not compensated, spent = %d", status.TotalSpent)
	}
}
