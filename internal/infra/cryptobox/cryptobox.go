package cryptobox

/*
Файл cryptobox.go реализует симметричный аутентифицированный шифр (AES-256-GCM),
общий для двух независимых контуров:
  - at-rest: хранение провайдерских ключей в Vault (ciphertext + nonce в БД);
  - transport: одноразовый IP-токен, передающий расшифрованный ключ агенту.

Контуры используют РАЗНЫЕ ключи, каждый из которых растягивается из своего
секрета через HKDF-SHA256 с собственной info-строкой. Ключи не выводятся
один из другого: компрометация transport-ключа не раскрывает архив Vault.
*/

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Формат строкового конверта: ровно четыре поля через двоеточие,
// включая литеральный префикс алгоритма.
//
//	AES256:<b64 ciphertext>:<b64 nonce>:<b64 tag>
const (
	envelopePrefix = "AES256"
	envelopeFields = 4
	keySize        = 32
)

// Info-строки контуров. Менять нельзя: смена info меняет выведенный ключ
// и делает нечитаемым все ранее зашифрованное.
const (
	InfoVaultAtRest = "budget-gate/vault-at-rest/v1"
	InfoTransport   = "budget-gate/ip-token/v1"
)

// Ошибки намеренно без деталей: формат и криптосбой различимы для
// вызывающего, но внутренности (ключи, сырые байты) в текст не попадают.
var (
	ErrFormat = errors.New("cryptobox: invalid envelope format")
	ErrCrypto = errors.New("cryptobox: authentication failed")
)

// Box — один контур шифрования с зафиксированным ключом.
type Box struct {
	aead cipher.AEAD
}

// New растягивает секрет в 256-битный ключ AES через HKDF-SHA256.
// info разделяет контуры: одинаковый секрет с разными info дает разные ключи.
func New(secret []byte, info string) (*Box, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("cryptobox: empty key secret")
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("cryptobox: key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: cipher init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: gcm init failed: %w", err)
	}

	return &Box{aead: aead}, nil
}

// Seal шифрует plaintext и возвращает ciphertext (с тегом GCM в хвосте)
// и nonce раздельно — формат хранения Vault.
func (b *Box) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("cryptobox: nonce generation failed: %w", err)
	}
	return b.aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open расшифровывает пару (ciphertext, nonce) из хранилища.
func (b *Box) Open(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != b.aead.NonceSize() {
		return nil, ErrFormat
	}
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		// Тег не сошелся — данные подменены или ключ не тот.
		return nil, ErrCrypto
	}
	return plaintext, nil
}

// Encrypt упаковывает plaintext в строковый конверт для транспорта.
func (b *Box) Encrypt(plaintext []byte) (string, error) {
	sealed, nonce, err := b.Seal(plaintext)
	if err != nil {
		return "", err
	}

	// Seal кладет тег аутентификации в хвост — разносим по полям конверта.
	tagSize := b.aead.Overhead()
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	enc := base64.StdEncoding
	return strings.Join([]string{
		envelopePrefix,
		enc.EncodeToString(ct),
		enc.EncodeToString(nonce),
		enc.EncodeToString(tag),
	}, ":"), nil
}

// Decrypt разбирает и расшифровывает строковый конверт.
// Кривой формат — ErrFormat, не сошедшийся тег — ErrCrypto.
func (b *Box) Decrypt(envelope string) ([]byte, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != envelopeFields || parts[0] != envelopePrefix {
		return nil, ErrFormat
	}

	enc := base64.StdEncoding
	ct, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, ErrFormat
	}
	nonce, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, ErrFormat
	}
	tag, err := enc.DecodeString(parts[3])
	if err != nil {
		return nil, ErrFormat
	}
	if len(tag) != b.aead.Overhead() {
		return nil, ErrFormat
	}

	return b.Open(append(ct, tag...), nonce)
}
