// Package sealed шифрует значения поверх любого storage.KV.
// Токены сессии и payload'ы очереди не должны лежать на диске в открытом виде.
package sealed

import (
	"context"
	"errors"
	"fmt"

	"github.com/iudanet/sessionguard/internal/apperr"
	"github.com/iudanet/sessionguard/internal/client/storage"
	"github.com/iudanet/sessionguard/internal/crypto"
)

// keySalt хранит соль для вывода ключа; сама соль не секретна
const keySalt = "sealed_salt"

// KV is a storage.KV that encrypts every value with a key derived from a passphrase.
type KV struct {
	inner  storage.KV
	sealer *crypto.Sealer
}

// Compile-time check that KV implements storage.KV
var _ storage.KV = (*KV)(nil)

// Open wraps inner, creating and persisting a salt on first use.
func Open(ctx context.Context, inner storage.KV, passphrase string) (*KV, error) {
	salt, err := inner.Get(ctx, keySalt)
	if errors.Is(err, storage.ErrNotFound) {
		salt, err = crypto.GenerateSalt()
		if err != nil {
			return nil, err
		}
		if err := inner.Set(ctx, keySalt, salt); err != nil {
			return nil, fmt.Errorf("failed to save salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	key, err := crypto.DeriveStorageKey(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive storage key: %w", err)
	}

	sealer, err := crypto.NewSealer(key)
	if err != nil {
		return nil, err
	}

	return &KV{inner: inner, sealer: sealer}, nil
}

// Get decrypts the value stored under key
func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := k.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	// Имя ключа как additional data: blob нельзя переставить под другой ключ
	plaintext, err := k.sealer.Open(sealed, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w: %w", key, apperr.ErrCorruptData, err)
	}

	return plaintext, nil
}

// Set encrypts value and stores it under key
func (k *KV) Set(ctx context.Context, key string, value []byte) error {
	sealed, err := k.sealer.Seal(value, []byte(key))
	if err != nil {
		return fmt.Errorf("failed to seal %q: %w", key, err)
	}
	return k.inner.Set(ctx, key, sealed)
}

// Remove deletes key from the underlying store
func (k *KV) Remove(ctx context.Context, key string) error {
	return k.inner.Remove(ctx, key)
}
