package encryption

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// LocalKeyWrapper wraps data keys with a key-encryption key from config.
// Intended for development and single-tenant deployments without KMS.
type LocalKeyWrapper struct {
	kek   []byte
	keyID string
}

// NewLocalKeyWrapper takes a 32-byte key encoded as hex.
func NewLocalKeyWrapper(hexKey string) (*LocalKeyWrapper, error) {
	kek, err := hex.DecodeString(hexKey)
	if err != nil || len(kek) != 32 {
		return nil, fmt.Errorf("local key-encryption key must be 32 bytes of hex")
	}
	sum := sha256.Sum256(kek)
	return &LocalKeyWrapper{kek: kek, keyID: "local:" + hex.EncodeToString(sum[:4])}, nil
}

func (l *LocalKeyWrapper) GenerateDataKey(_ context.Context) (*DataKey, error) {
	dek := make([]byte, 32)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	wrapped, err := gcmSeal(l.kek, dek, []byte(l.keyID))
	if err != nil {
		return nil, err
	}
	return &DataKey{Plaintext: dek, Ciphertext: wrapped, KeyID: l.keyID}, nil
}

func (l *LocalKeyWrapper) DecryptDataKey(_ context.Context, keyID string, wrapped []byte) ([]byte, error) {
	if keyID != l.keyID {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	return gcmOpen(l.kek, wrapped, []byte(keyID))
}
