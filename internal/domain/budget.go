package domain

import "time"

// Все денежные величины в протоколе — целые микродоллары (10^-6 USD).
// Целочисленная арифметика исключает дрейф плавающей точки при агрегации.

// AgentBudget — строка бюджета агента (одна на агента, 1:1).
// Инвариант, который обязан выполняться после каждой мутации:
//
//	TotalAllocated == TotalSpent + BudgetRemaining, BudgetRemaining >= 0
//
// TotalSpent трактуется как ЗАРЕЗЕРВИРОВАННЫЙ бюджет: резерв под lease
// фиксируется в момент выдачи, а отчеты об использовании списывают
// уже зарезервированное, не трогая инвариант.
type AgentBudget struct {
	AgentID         int64     `json:"agent_id"`
	TotalAllocated  int64     `json:"total_allocated"`
	TotalSpent      int64     `json:"total_spent"`
	BudgetRemaining int64     `json:"budget_remaining"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// LeaseStatus — жизненный цикл lease управляется условными UPDATE по статусу,
// поэтому значения должны совпадать со значениями в БД.
type LeaseStatus string

const (
	LeaseActive     LeaseStatus = "ACTIVE"
	LeaseSuperseded LeaseStatus = "SUPERSEDED"
)

// BudgetLease — краткосрочный грант бюджета, выданный в рамках handshake
// или refresh. BudgetSpent растет монотонно и никогда не превышает
// BudgetGranted. Старые lease не удаляются: после supersede или истечения
// срока они просто перестают принимать новые списания.
type BudgetLease struct {
	LeaseID       string      `json:"lease_id"`
	AgentID       int64       `json:"agent_id"`
	BudgetID      int64       `json:"budget_id"` // совпадает с AgentID (бюджет 1:1)
	BudgetGranted int64       `json:"budget_granted"`
	BudgetSpent   int64       `json:"budget_spent"`
	Status        LeaseStatus `json:"status"`
	ExpiresAt     *time.Time  `json:"expires_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Expired проверяет срок жизни lease на момент now.
// Граничное правило: lease жив строго ПОКА now < ExpiresAt.
// Момент ExpiresAt == now считается истекшим. Правило применяется
// единообразно во всем протоколе.
func (l *BudgetLease) Expired(now time.Time) bool {
	if l.ExpiresAt == nil {
		return false
	}
	return !now.Before(*l.ExpiresAt)
}

// UsageReport — отчет агента о фактическом использовании в рамках lease.
// Сам по себе не хранится: его эффект — мутация BudgetLease.
type UsageReport struct {
	LeaseID   string `json:"lease_id"`
	RequestID string `json:"request_id"`
	Tokens    int64  `json:"tokens"`            // > 0
	Cost      int64  `json:"cost_microdollars"` // >= 0
	Model     string `json:"model"`
	Provider  string `json:"provider"`
}
