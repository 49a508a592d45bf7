package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/iron-cage/budget-gate/internal/domain"
)

// TokenService выпускает и проверяет IC-токены (capability tokens).
// Подпись HS256 процессным секретом: токены потребляет только сам шлюз,
// асимметрия здесь не нужна.
type TokenService struct {
	secret []byte
	issuer string
}

func NewTokenService(secret []byte, issuer string) (*TokenService, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("auth: empty token secret")
	}
	if issuer == "" {
		return nil, fmt.Errorf("auth: empty issuer")
	}
	return &TokenService{secret: secret, issuer: issuer}, nil
}

// Issue подписывает claims. Выпущенный токен неизменяем — права меняются
// только перевыпуском.
func (s *TokenService) Issue(agentID, budgetID string, permissions []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &domain.CapabilityClaims{
		AgentID:     agentID,
		BudgetID:    budgetID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			Subject:  agentID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify проверяет подпись, issuer и срок действия. Пустой agent_id
// отклоняется здесь же: токен без личности бессмыслен, дефолтной
// личности не существует. Формат agent_id дальше строго разбирает
// ParseAgentID — это отдельный класс отказа (400, не 401).
func (s *TokenService) Verify(tokenStr string) (*domain.CapabilityClaims, error) {
	tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
	tokenStr = strings.TrimSpace(tokenStr)

	token, err := jwt.ParseWithClaims(tokenStr, &domain.CapabilityClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer))

	if err != nil || !token.Valid {
		// Наружу уходит единая обезличенная ошибка: по тексту нельзя
		// понять, что именно не так с токеном.
		return nil, errors.Join(domain.ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*domain.CapabilityClaims)
	if !ok || claims.AgentID == "" {
		return nil, domain.ErrInvalidToken
	}

	return claims, nil
}
