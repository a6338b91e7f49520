// Package encryption seals MFA secrets and biometric templates with
// envelope encryption: each value gets a fresh AES-256-GCM data key, and
// the data key is wrapped by a key-encryption key held locally or in AWS KMS.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const envelopeVersion = "v1"

// DataKey is a freshly generated data key in both forms.
type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

// KeyWrapper issues and unwraps data keys.
type KeyWrapper interface {
	GenerateDataKey(ctx context.Context) (*DataKey, error)
	DecryptDataKey(ctx context.Context, keyID string, wrapped []byte) ([]byte, error)
}

// Envelope is the stored form of a sealed value.
type Envelope struct {
	Version    string `json:"v"`
	KeyID      string `json:"kid"`
	WrappedDEK []byte `json:"dek"`
	Ciphertext []byte `json:"ct"`
}

// Sealer encrypts and decrypts values bound to an owner string (the card
// context hash), which is used as GCM additional data.
type Sealer struct {
	keys KeyWrapper
}

func NewSealer(keys KeyWrapper) *Sealer {
	return &Sealer{keys: keys}
}

// Seal encrypts plaintext and returns the serialized envelope.
func (s *Sealer) Seal(ctx context.Context, owner string, plaintext []byte) ([]byte, error) {
	dk, err := s.keys.GenerateDataKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	ct, err := gcmSeal(dk.Plaintext, plaintext, []byte(owner))
	clear(dk.Plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Version:    envelopeVersion,
		KeyID:      dk.KeyID,
		WrappedDEK: dk.Ciphertext,
		Ciphertext: ct,
	})
}

// Open reverses Seal. A value sealed for another owner fails to open.
func (s *Sealer) Open(ctx context.Context, owner string, sealed []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(sealed, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope", ErrDecryptionFailed)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrDecryptionFailed, env.Version)
	}
	dek, err := s.keys.DecryptDataKey(ctx, env.KeyID, env.WrappedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	defer clear(dek)
	return gcmOpen(dek, env.Ciphertext, []byte(owner))
}

func gcmSeal(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func gcmOpen(key, sealed, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return pt, nil
}
