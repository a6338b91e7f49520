package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/discard/internal/audit"
	"github.com/mbd888/discard/internal/breaker"
	"github.com/mbd888/discard/internal/clock"
)

type memBackend struct {
	breakers *breaker.Registry
	events   *audit.MemoryStore
	anchorer *audit.Anchorer
	opened   string
}

func newMemBackend() *memBackend {
	fc := clock.NewFake(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	events := audit.NewMemoryStore()
	return &memBackend{
		breakers: breaker.NewRegistry(breaker.NewMemoryStore(), fc, audit.NewLog(events, fc)),
		events:   events,
		anchorer: audit.NewAnchorer(events, events, fc, 0),
	}
}

func (m *memBackend) open(_ context.Context, url string) (*Backend, error) {
	m.opened = url
	return &Backend{Breakers: m.breakers, Anchorer: m.anchorer}, nil
}

func run(t *testing.T, m *memBackend, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd(m.open)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestBreakerCommands(t *testing.T) {
	m := newMemBackend()

	out, err := run(t, m, "breaker", "init-defaults", "--user", "user_1", "--database-url", "postgres://x")
	require.NoError(t, err)
	assert.Equal(t, "5 breakers\n", out)
	assert.Equal(t, "postgres://x", m.opened)

	out, err = run(t, m, "breaker", "trip", breaker.ActionTransfer, "--user", "user_1", "--reason", "incident")
	require.NoError(t, err)
	var res breaker.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Changed)
	assert.Equal(t, "operator", res.Breaker.TrippedBy)

	_, err = run(t, m, "breaker", "emergency-stop", "--user", "user_1")
	require.NoError(t, err)
	check, err := m.breakers.CheckBreakers(context.Background(), "user_1", breaker.Action{ActionType: breaker.ActionTypeSwap})
	require.NoError(t, err)
	assert.True(t, check.Blocked)

	out, err = run(t, m, "breaker", "reset", breaker.GlobalKillSwitch, "--user", "user_1")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Changed)

	out, err = run(t, m, "breaker", "list", "--user", "user_1")
	require.NoError(t, err)
	var bs []*breaker.Breaker
	require.NoError(t, json.Unmarshal([]byte(out), &bs))
	assert.Len(t, bs, 5)
}

func TestBreakerCommands_Errors(t *testing.T) {
	m := newMemBackend()

	_, err := run(t, m, "breaker", "list")
	assert.Error(t, err, "--user is required")

	_, err = run(t, m, "breaker", "trip", "missing", "--user", "user_1")
	assert.ErrorIs(t, err, breaker.ErrNotFound)

	_, err = run(t, m, "breaker", "emergency-stop", "--user", "user_1")
	assert.ErrorIs(t, err, breaker.ErrGlobalBreakerMissing)
}

func TestAuditAnchor(t *testing.T) {
	m := newMemBackend()

	out, err := run(t, m, "audit", "anchor")
	require.NoError(t, err)
	assert.Equal(t, "nothing to anchor\n", out)

	_, err = run(t, m, "breaker", "init-defaults", "--user", "user_1")
	require.NoError(t, err)

	out, err = run(t, m, "audit", "anchor")
	require.NoError(t, err)
	var a audit.Anchor
	require.NoError(t, json.Unmarshal([]byte(out), &a))
	assert.Equal(t, 5, a.BatchSize)
	assert.NotEmpty(t, a.MerkleRoot)
}
