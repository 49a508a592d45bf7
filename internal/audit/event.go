package audit

import "time"

// Операции протокола бюджетного контроля.
const (
	OpHandshake = "HANDSHAKE"
	OpReport    = "REPORT"
	OpRefresh   = "REFRESH"
)

// ProtocolEvent — один исход протокольной операции для трейла.
// Никогда не содержит секретов: ни ключей, ни конвертов, ни plaintext.
type ProtocolEvent struct {
	ID        string `json:"id"`       // UUID события
	TraceID   string `json:"trace_id"` // Сквозной ID запроса
	AgentID   int64  `json:"agent_id"`
	Operation string `json:"operation"` // HANDSHAKE / REPORT / REFRESH
	LeaseID   string `json:"lease_id,omitempty"`
	Provider  string `json:"provider,omitempty"`

	// Результат
	Status     string    `json:"status"` // GRANTED, DENIED, REJECTED, ACCEPTED, FAILED
	Amount     int64     `json:"amount"` // микродоллары: грант или принятое списание
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
}

// Статусы исходов.
const (
	StatusGranted  = "GRANTED"  // бюджет выдан
	StatusDenied   = "DENIED"   // бюджет исчерпан
	StatusRejected = "REJECTED" // не прошла валидация или авторизация
	StatusAccepted = "ACCEPTED" // отчет об использовании принят
	StatusFailed   = "FAILED"   // внутренний сбой
)
