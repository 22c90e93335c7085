package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

const (
	// NonceSize - размер nonce для AES-GCM (12 bytes стандартный размер)
	NonceSize = 12
	// KeySize - длина ключа AES-256
	KeySize = 32
)

// Sealer шифрует и расшифровывает blob'ы с помощью AES-256-GCM.
// Формат результата: nonce (12 bytes) + ciphertext + auth_tag (16 bytes)
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer создает Sealer для ключа длиной KeySize
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// Seal шифрует plaintext. additional привязывает шифртекст к контексту
// (например, к ключу хранилища) и не шифруется.
func (s *Sealer) Seal(plaintext, additional []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// GCM дописывает auth tag в конец, nonce остается префиксом
	return s.aead.Seal(nonce, nonce, plaintext, additional), nil
}

// Open расшифровывает данные, полученные из Seal
func (s *Sealer) Open(sealed, additional []byte) ([]byte, error) {
	if len(sealed) < NonceSize+s.aead.Overhead() {
		return nil, fmt.Errorf("encrypted data too short")
	}

	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, additional)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: authentication failed or corrupted data: %w", err)
	}

	return plaintext, nil
}
