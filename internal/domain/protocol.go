package domain

import "time"

// Границы валидации входа протокола. Проверяются до любого I/O.
const (
	MaxTokenLength    = 4096 // IC-токен (подписанный JWT)
	MaxProviderLength = 64
	MaxKeyIDLength    = 64
	MaxLeaseIDLength  = 64
	MaxModelLength    = 128
)

// HandshakeRequest — вход операции handshake: агент предъявляет IC-токен
// и просит бюджет под работу с провайдером.
type HandshakeRequest struct {
	ICToken         string `json:"ic_token"`
	Provider        string `json:"provider"`
	ProviderKeyID   string `json:"provider_key_id,omitempty"`
	RequestedBudget int64  `json:"requested_budget,omitempty"` // микродоллары; 0 = дефолт сервера
}

// HandshakeResponse — успешный результат: одноразовый IP-токен с
// расшифрованным ключом провайдера плюс параметры выданного lease.
type HandshakeResponse struct {
	IPToken         string     `json:"ip_token"`
	LeaseID         string     `json:"lease_id"`
	BudgetGranted   int64      `json:"budget_granted"`
	BudgetRemaining int64      `json:"budget_remaining"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// UsageReportResponse подтверждает прием отчета.
type UsageReportResponse struct {
	Success         bool  `json:"success"`
	BudgetRemaining int64 `json:"budget_remaining"`
}

// RefreshRequest — запрос нового lease взамен текущего.
type RefreshRequest struct {
	ICToken         string `json:"ic_token"`
	CurrentLeaseID  string `json:"current_lease_id"`
	RequestedBudget int64  `json:"requested_budget,omitempty"`
}

// Статусы ответа refresh. Отказ по бюджету — не ошибка транспорта,
// а легитимный ответ 200 со status=denied.
const (
	RefreshApproved = "approved"
	RefreshDenied   = "denied"
)

type RefreshResponse struct {
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	LeaseID         string `json:"lease_id,omitempty"`
	BudgetGranted   int64  `json:"budget_granted,omitempty"`
	BudgetRemaining int64  `json:"budget_remaining,omitempty"`
}
