package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbd888/discard/internal/clock"
	"github.com/mbd888/discard/internal/idgen"
	"github.com/mbd888/discard/internal/logging"
)

var (
	ErrNoAnchor   = errors.New("audit: no anchor recorded")
	ErrEmptyBatch = errors.New("audit: nothing to anchor")
)

// Anchor commits to a contiguous batch of events with a SHA-256 Merkle
// root, so later tampering with any event in the batch is detectable.
type Anchor struct {
	ID           string    `json:"id"`
	MerkleRoot   string    `json:"merkleRoot"`
	BatchSize    int       `json:"batchSize"`
	FirstEventID string    `json:"firstEventId"`
	LastEventID  string    `json:"lastEventId"`
	AnchoredAt   time.Time `json:"anchoredAt"`
}

// AnchorStore persists anchors.
type AnchorStore interface {
	SaveAnchor(ctx context.Context, a *Anchor) error
	LatestAnchor(ctx context.Context) (*Anchor, error)
}

// Anchorer batches unanchored events into Merkle roots.
type Anchorer struct {
	events   Store
	anchors  AnchorStore
	clock    clock.Clock
	maxBatch int
	cron     *cron.Cron
}

func NewAnchorer(events Store, anchors AnchorStore, c clock.Clock, maxBatch int) *Anchorer {
	if c == nil {
		c = clock.Real()
	}
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	return &Anchorer{events: events, anchors: anchors, clock: c, maxBatch: maxBatch}
}

// AnchorPending anchors the next batch of events after the latest anchor.
// Returns ErrEmptyBatch when there is nothing new.
func (a *Anchorer) AnchorPending(ctx context.Context) (*Anchor, error) {
	after := ""
	last, err := a.anchors.LatestAnchor(ctx)
	switch {
	case err == nil:
		after = last.LastEventID
	case errors.Is(err, ErrNoAnchor):
	default:
		return nil, err
	}

	batch, err := a.events.After(ctx, after, a.maxBatch)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}

	root, err := MerkleRoot(batch)
	if err != nil {
		return nil, err
	}
	anchor := &Anchor{
		ID:           idgen.WithPrefix("anc_"),
		MerkleRoot:   root,
		BatchSize:    len(batch),
		FirstEventID: batch[0].ID,
		LastEventID:  batch[len(batch)-1].ID,
		AnchoredAt:   a.clock.Now().UTC(),
	}
	if err := a.anchors.SaveAnchor(ctx, anchor); err != nil {
		return nil, fmt.Errorf("save anchor: %w", err)
	}
	return anchor, nil
}

// Start schedules AnchorPending on a cron spec (e.g. "@every 10m").
func (a *Anchorer) Start(ctx context.Context, spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		anchor, err := a.AnchorPending(ctx)
		switch {
		case errors.Is(err, ErrEmptyBatch):
		case err != nil:
			logging.L(ctx).Error("audit anchoring failed", "error", err)
		default:
			logging.L(ctx).Info("audit batch anchored",
				"anchor_id", anchor.ID, "batch_size", anchor.BatchSize, "root", anchor.MerkleRoot)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid anchor schedule %q: %w", spec, err)
	}
	a.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running job to finish.
func (a *Anchorer) Stop() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
}

// LeafHash hashes the canonical JSON form of an event.
func LeafHash(e *Event) ([32]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// MerkleRoot computes the hex root over events in order. An odd node at
// any level is paired with itself.
func MerkleRoot(events []*Event) (string, error) {
	if len(events) == 0 {
		return "", ErrEmptyBatch
	}
	level := make([][32]byte, len(events))
	for i, e := range events {
		h, err := LeafHash(e)
		if err != nil {
			return "", err
		}
		level[i] = h
	}
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			buf := make([]byte, 0, 64)
			buf = append(buf, left[:]...)
			buf = append(buf, right[:]...)
			next = append(next, sha256.Sum256(buf))
		}
		level = next
	}
	return hex.EncodeToString(level[0][:]), nil
}
