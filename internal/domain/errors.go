package domain

import (
	"errors"
	"fmt"
)

// Закрытый набор ошибок протокола. Тексты фиксированы и безопасны:
// ни имен таблиц, ни ключей, ни сырых внутренних значений.
// HTTP-слой маппит их на статусы через errors.Is/As.
var (
	// ErrInvalidToken — IC-токен отсутствует, не прошел подпись, issuer
	// или срок действия. Намеренно неинформативна (защита от перебора).
	ErrInvalidToken = errors.New("invalid capability token")

	// ErrUnknownAgent — агент не зарегистрирован. Отдается так же
	// обезличенно, чтобы не допустить enumeration агентов.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrAgentRevoked — агент отозван kill-switch'ом.
	ErrAgentRevoked = errors.New("agent access revoked")

	// ErrBudgetExhausted — остаток бюджета равен нулю. Не сбой, а
	// легитимный исход резервирования (403-класс).
	ErrBudgetExhausted = errors.New("budget exhausted")

	ErrLeaseNotFound = errors.New("lease not found")
	ErrLeaseExpired  = errors.New("lease expired")

	ErrKeyNotFound      = errors.New("no provider key available")
	ErrKeyDisabled      = errors.New("provider key disabled")
	ErrProviderMismatch = errors.New("provider key mismatch")

	// ErrCrypto — любой сбой расшифровки/формата конверта. Детали
	// (plaintext, ключи, сырой ciphertext) в текст не попадают никогда.
	ErrCrypto = errors.New("credential processing failed")

	// ErrInternal — исчерпаны ретраи транзиентных ошибок хранилища
	// либо иной невосстановимый сбой.
	ErrInternal = errors.New("internal error")
)

// ValidationError — некорректный вход, обнаруженный до любого I/O.
// Reason — фраза из фиксированного набора, не форматированное значение.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// NewValidationError — хелпер для краткости в проверках входа.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// BudgetDeniedError — отказ по бюджету со снапшотом текущего состояния.
// Снапшот можно показывать вызывающему (это его собственный бюджет),
// секретов он не содержит.
type BudgetDeniedError struct {
	Status *AgentBudget
}

func (e *BudgetDeniedError) Error() string { return ErrBudgetExhausted.Error() }

func (e *BudgetDeniedError) Unwrap() error { return ErrBudgetExhausted }

// OverrunError — отчет об использовании превысил бы грант lease.
// Принятая политика: списание принимается до потолка BudgetGranted,
// а превышение сигнализируется этой ошибкой — сумма Accepted уже
// учтена, вызывающий решает, что делать с разницей.
type OverrunError struct {
	LeaseID   string
	Attempted int64
	Accepted  int64
}

func (e *OverrunError) Error() string { return "lease budget overrun" }
