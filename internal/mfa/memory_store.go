package mfa

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/discard/internal/authn"
)

type memCredentials struct {
	secret []byte
	codes  map[string]*time.Time // code hash -> used at
}

// MemoryStore is an in-memory Store for demo/testing.
type MemoryStore struct {
	mu         sync.Mutex
	configs    map[string]*authn.Configuration
	creds      map[string]*memCredentials
	biometrics map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:    make(map[string]*authn.Configuration),
		creds:      make(map[string]*memCredentials),
		biometrics: make(map[string][]byte),
	}
}

func (m *MemoryStore) GetConfiguration(_ context.Context, hash string) (*authn.Configuration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (m *MemoryStore) SaveConfiguration(_ context.Context, cfg *authn.Configuration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cfg
	m.configs[cfg.CardContextHash] = &cp
	return nil
}

func (m *MemoryStore) SaveCredentials(_ context.Context, hash string, creds *Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &memCredentials{
		secret: append([]byte(nil), creds.SealedTOTPSecret...),
		codes:  make(map[string]*time.Time, len(creds.BackupCodeHashes)),
	}
	for _, h := range creds.BackupCodeHashes {
		c.codes[h] = nil
	}
	m.creds[hash] = c
	return nil
}

func (m *MemoryStore) GetTOTPSecret(_ context.Context, hash string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[hash]
	if !ok || len(c.secret) == 0 {
		return nil, ErrNotFound
	}
	return append([]byte(nil), c.secret...), nil
}

func (m *MemoryStore) ConsumeBackupCode(_ context.Context, hash, codeHash string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[hash]
	if !ok {
		return false, nil
	}
	used, exists := c.codes[codeHash]
	if !exists || used != nil {
		return false, nil
	}
	c.codes[codeHash] = &at
	return true, nil
}

func (m *MemoryStore) RemainingBackupCodes(_ context.Context, hash string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[hash]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, used := range c.codes {
		if used == nil {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SaveBiometric(_ context.Context, hash string, sealed []byte, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.biometrics[hash] = append([]byte(nil), sealed...)
	return nil
}

func (m *MemoryStore) GetBiometric(_ context.Context, hash string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.biometrics[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *MemoryStore) PurgeCredentials(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, hash)
	delete(m.biometrics, hash)
	return nil
}

var _ Store = (*MemoryStore)(nil)
