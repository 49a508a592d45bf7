package auth

import (
	"github.com/iron-cage/budget-gate/internal/domain"
	"github.com/iron-cage/budget-gate/internal/infra/cryptobox"
)

// EphemeralEncoder ("IP-токен") — тонкая обертка над cryptobox с
// транспортным ключом. Упаковывает расшифрованный провайдерский ключ
// ровно на один ответ handshake: конверт нигде не персистится, plaintext
// не попадает ни в хранилище, ни в логи.
type EphemeralEncoder struct {
	box *cryptobox.Box
}

func NewEphemeralEncoder(box *cryptobox.Box) *EphemeralEncoder {
	return &EphemeralEncoder{box: box}
}

// Encode выдает строковый конверт AES256:<ct>:<nonce>:<tag>.
func (e *EphemeralEncoder) Encode(credential []byte) (string, error) {
	env, err := e.box.Encrypt(credential)
	if err != nil {
		// Без деталей: наружу уходит только класс ошибки.
		return "", domain.ErrCrypto
	}
	return env, nil
}

// Decode — обратная операция (используется агентской стороной и тестами).
func (e *EphemeralEncoder) Decode(envelope string) ([]byte, error) {
	plaintext, err := e.box.Decrypt(envelope)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}
