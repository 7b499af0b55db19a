package storage

import (
	"crypto/rand"

	"github.com/pkg/errors"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// SealedStore wraps a KV and encrypts every value at rest with secretbox.
// The nonce is prepended to the ciphertext. A value that fails to open is
// reported as an error, never returned partially decrypted, so fail-closed
// loaders discard it like any other corrupt record.
type SealedStore struct {
	inner KV
	key   [32]byte
}

// NewSealedStore wraps inner with the given secret key.
func NewSealedStore(inner KV, key [32]byte) *SealedStore {
	return &SealedStore{inner: inner, key: key}
}

func (s *SealedStore) Get(key string) ([]byte, error) {
	sealed, err := s.inner.Get(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < nonceSize {
		return nil, errors.Errorf("[SealedStore.Get] value for %q too short to contain a nonce", key)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, errors.Errorf("[SealedStore.Get] value for %q failed authentication", key)
	}
	return plain, nil
}

func (s *SealedStore) Put(key string, value []byte) error {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return errors.Wrap(err, "[SealedStore.Put] nonce")
	}
	sealed := secretbox.Seal(nonce[:], value, &nonce, &s.key)
	return s.inner.Put(key, sealed)
}

func (s *SealedStore) Delete(key string) error {
	return s.inner.Delete(key)
}
