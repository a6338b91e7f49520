package mfa

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mbd888/discard/internal/authn"
	"github.com/mbd888/discard/internal/cardctx"
	"github.com/mbd888/discard/internal/clock"
	"github.com/mbd888/discard/internal/kvstore"
)

// CardResolver maps card ids to their contexts.
type CardResolver interface {
	GetCardContext(ctx context.Context, cardID string) (*cardctx.CardContext, error)
}

// Directory answers read-only questions about a card's MFA state: its
// configuration and which devices it trusts. The risk engine reads through
// it; the Service is its only writer.
type Directory struct {
	cards CardResolver
	store Store
	kv    kvstore.Store
	clock clock.Clock
}

func NewDirectory(cards CardResolver, store Store, kv kvstore.Store, c clock.Clock) *Directory {
	if c == nil {
		c = clock.Real()
	}
	return &Directory{cards: cards, store: store, kv: kv, clock: c}
}

// GetConfiguration returns the card's configuration, or the disabled
// default when MFA was never configured.
func (d *Directory) GetConfiguration(ctx context.Context, cardID string) (*authn.Configuration, error) {
	cc, err := d.resolve(ctx, cardID)
	if err != nil {
		return nil, err
	}
	return d.configByHash(ctx, cc.CardContextHash)
}

// IsDeviceTrusted reports whether deviceID passed step-up for the card
// within DeviceTrustTTL.
func (d *Directory) IsDeviceTrusted(ctx context.Context, cardID, deviceID string) (bool, error) {
	if deviceID == "" {
		return false, nil
	}
	cc, err := d.resolve(ctx, cardID)
	if err != nil {
		return false, err
	}
	var rec trustRecord
	found, err := d.getRecord(ctx, trustKey(cc.CardContextHash, deviceID), &rec)
	if err != nil || !found {
		return false, err
	}
	return rec.Trusted, nil
}

func (d *Directory) resolve(ctx context.Context, cardID string) (*cardctx.CardContext, error) {
	return d.cards.GetCardContext(ctx, cardID)
}

func (d *Directory) configByHash(ctx context.Context, hash string) (*authn.Configuration, error) {
	cfg, err := d.store.GetConfiguration(ctx, hash)
	if errors.Is(err, ErrNotFound) {
		return authn.DefaultConfiguration(hash), nil
	}
	return cfg, err
}

// Ephemeral records. Each carries its own expiry, checked on every read in
// addition to the store ttl.

type expiring interface {
	expiry() time.Time
}

type setupRecord struct {
	SealedSecret     []byte    `json:"sealedSecret"`
	BackupCodeHashes []string  `json:"backupCodeHashes"`
	TokenHash        string    `json:"tokenHash"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

func (r *setupRecord) expiry() time.Time { return r.ExpiresAt }

type challengeRecord struct {
	ID              string            `json:"id"`
	CardContextHash string            `json:"cardContextHash"`
	Method          string            `json:"method"`
	Metadata        ChallengeMetadata `json:"metadata"`
	ExpiresAt       time.Time         `json:"expiresAt"`
}

func (r *challengeRecord) expiry() time.Time { return r.ExpiresAt }

type trustRecord struct {
	Trusted   bool      `json:"trusted"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (r *trustRecord) expiry() time.Time { return r.ExpiresAt }

func setupKey(hash string) string { return "mfa_setup:" + hash }
func challengeKey(id string) string { return "mfa_challenge:" + id }
func attemptsKey(hash string) string { return "mfa_attempts:" + hash }
func trustKey(hash, deviceID string) string { return "trust:" + hash + ":" + deviceID }

func (d *Directory) putRecord(ctx context.Context, key string, rec any, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return d.kv.Set(ctx, key, b, ttl)
}

// getRecord loads key into rec. A missing, undecodable or expired record
// reads as not found.
func (d *Directory) getRecord(ctx context.Context, key string, rec expiring) (bool, error) {
	b, err := d.kv.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, rec); err != nil {
		return false, nil
	}
	if !d.clock.Now().Before(rec.expiry()) {
		return false, nil
	}
	return true, nil
}
