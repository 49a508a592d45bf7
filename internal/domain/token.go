package domain

import "github.com/golang-jwt/jwt/v5"

// CapabilityClaims — полезная нагрузка IC-токена (capability token).
// Токен связывает личность агента с его бюджетом и набором разрешений.
// После выпуска неизменяем: любое изменение прав — это новый токен.
type CapabilityClaims struct {
	AgentID     string   `json:"agent_id"`  // формат agent_<положительное число>
	BudgetID    string   `json:"budget_id"` // ссылка на AgentBudget
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}
