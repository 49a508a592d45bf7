package domain

import "time"

// Provider — поддерживаемые AI-провайдеры.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Valid проверяет, что провайдер входит в закрытый список.
func (p Provider) Valid() bool {
	return p == ProviderOpenAI || p == ProviderAnthropic
}

// EncryptedCredential — провайдерский API-ключ в зашифрованном виде (at-rest).
// Ciphertext и Nonce хранятся раздельно; plaintext существует только
// в памяти на время handshake и никогда не попадает в логи и ответы.
type EncryptedCredential struct {
	ID          string     `json:"id"`
	Provider    Provider   `json:"provider"`
	Ciphertext  []byte     `json:"-"` // никогда не отдаем наружу
	Nonce       []byte     `json:"-"`
	BaseURL     string     `json:"base_url,omitempty"`
	Description string     `json:"description,omitempty"`
	IsEnabled   bool       `json:"is_enabled"`
	OwnerUserID string     `json:"owner_user_id"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// ProjectAssignment — привязка ключа к проекту (какой ключ использует проект).
type ProjectAssignment struct {
	KeyID     string    `json:"key_id"`
	ProjectID string    `json:"project_id"`
	CreatedAt time.Time `json:"created_at"`
}
