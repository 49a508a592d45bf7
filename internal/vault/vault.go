package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iron-cage/budget-gate/internal/domain"
	"github.com/iron-cage/budget-gate/internal/infra/cryptobox"
	"go.uber.org/zap"
)

// KeyStore описывает требования Vault к хранилищу зашифрованных ключей.
type KeyStore interface {
	CreateProviderKey(ctx context.Context, k *domain.EncryptedCredential) (string, error)
	GetProviderKey(ctx context.Context, id string) (*domain.EncryptedCredential, error)
	FirstEnabledKeyByProvider(ctx context.Context, provider domain.Provider) (*domain.EncryptedCredential, error)
	TouchKeyLastUsed(ctx context.Context, id string) error
}

// Vault хранит провайдерские ключи зашифрованными at-rest и умеет
// разворачивать их в plaintext только на время handshake. At-rest ключ
// свой, транспортный конверт шифруется отдельным контуром — см. cryptobox.
type Vault struct {
	store  KeyStore
	box    *cryptobox.Box
	logger *zap.Logger
}

func New(store KeyStore, box *cryptobox.Box, logger *zap.Logger) *Vault {
	return &Vault{
		store:  store,
		box:    box,
		logger: logger.Named("vault"),
	}
}

// OpenedCredential — развернутый ключ для одного handshake.
// Plaintext живет до упаковки в IP-токен и нигде не логируется.
type OpenedCredential struct {
	KeyID     string
	Provider  domain.Provider
	BaseURL   string
	Plaintext []byte
}

// Open находит и расшифровывает ключ: явный keyID, иначе первый включенный
// ключ запрошенного провайдера. Проверяет соответствие провайдера и флаг
// is_enabled, после успешной расшифровки отмечает last_used_at.
func (v *Vault) Open(ctx context.Context, provider domain.Provider, keyID string) (*OpenedCredential, error) {
	var (
		key *domain.EncryptedCredential
		err error
	)
	if keyID != "" {
		key, err = v.store.GetProviderKey(ctx, keyID)
	} else {
		key, err = v.store.FirstEnabledKeyByProvider(ctx, provider)
	}
	if err != nil {
		return nil, fmt.Errorf("vault: key lookup failed: %w", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}

	if key.Provider != provider {
		return nil, domain.ErrProviderMismatch
	}
	if !key.IsEnabled {
		return nil, domain.ErrKeyDisabled
	}

	plaintext, err := v.box.Open(key.Ciphertext, key.Nonce)
	if err != nil {
		// В лог и наружу — только класс ошибки, без байтов и ключей
		v.logger.Error("credential decrypt failed", zap.String("key_id", key.ID))
		return nil, domain.ErrCrypto
	}

	// Отметка использования — best effort, handshake из-за нее не падает
	if err := v.store.TouchKeyLastUsed(ctx, key.ID); err != nil {
		v.logger.Warn("failed to touch last_used_at", zap.String("key_id", key.ID), zap.Error(err))
	}

	return &OpenedCredential{
		KeyID:     key.ID,
		Provider:  key.Provider,
		BaseURL:   key.BaseURL,
		Plaintext: plaintext,
	}, nil
}

// StoreKey шифрует plaintext at-rest ключом и сохраняет запись.
// Используется административным контуром при загрузке ключа.
func (v *Vault) StoreKey(ctx context.Context, provider domain.Provider, plaintext []byte, baseURL, description, ownerUserID string) (string, error) {
	if !provider.Valid() {
		return "", domain.NewValidationError("provider", "unsupported provider")
	}
	if len(plaintext) == 0 {
		return "", domain.NewValidationError("credential", "must not be empty")
	}

	ciphertext, nonce, err := v.box.Seal(plaintext)
	if err != nil {
		return "", domain.ErrCrypto
	}

	id, err := v.store.CreateProviderKey(ctx, &domain.EncryptedCredential{
		Provider:    provider,
		Ciphertext:  ciphertext,
		Nonce:       nonce,
		BaseURL:     baseURL,
		Description: description,
		IsEnabled:   true,
		OwnerUserID: ownerUserID,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("vault: failed to store key: %w", err)
	}
	return id, nil
}

// MaskCredential — маска для отображения: только последние 4 символа.
// Единственное представление plaintext, которое может покидать ядро.
func MaskCredential(plaintext []byte) string {
	const visible = 4
	if len(plaintext) <= visible {
		return "****"
	}
	return "****" + string(plaintext[len(plaintext)-visible:])
}

// IsNotFound — хелпер для вызывающих, различающих "нет ключа" и сбой.
func IsNotFound(err error) bool {
	return errors.Is(err, domain.ErrKeyNotFound)
}
