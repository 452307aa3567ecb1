package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lithair/lithair-sub001/internal/eventstore"
	"github.com/lithair/lithair-sub001/pkg/lithair"
)

type account struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Value int    `json:"value"`
}

func (a account) IndexValues() map[string]string {
	return map[string]string{"email": a.Email}
}

func newTestEngine(t *testing.T) (*Engine[account], *eventstore.EventStore) {
	t.Helper()
	store, err := eventstore.Open(t.TempDir(), lithair.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New[account](store, DefaultConfig()), store
}

func strPtr(s string) *string { return &s }

func TestApplyEventThenRead(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.ApplyEvent("acc-1", "account_created", account{ID: "acc-1", Email: "a@example.com", Value: 10}, nil, "", true))

	var got account
	var found bool
	e.Read("acc-1", func(data account, f bool) { got = data; found = f })

	assert.True(t, found)
	assert.Equal(t, "a@example.com", got.Email)
	assert.Equal(t, 10, got.Value)
}

func TestReadMissingKeyReturnsZeroValue(t *testing.T) {
	e, _ := newTestEngine(t)

	var found bool
	e.Read("nope", func(data account, f bool) { found = f })
	assert.False(t, found)
}

func TestWriteIsVolatileAndNotPersisted(t *testing.T) {
	e, store := newTestEngine(t)

	e.Write("acc-1", func(current account, found bool) account {
		current.ID = "acc-1"
		current.Value++
		return current
	})

	var got account
	e.Read("acc-1", func(data account, f bool) { got = data })
	assert.Equal(t, 1, got.Value)

	envs, err := store.GetAllEnvelopes()
	require.NoError(t, err)
	assert.Empty(t, envs, "Write must not append to the durable log")
}

func TestUniqueIndexRejectsDuplicateValue(t *testing.T) {
	e, _ := newTestEngine(t)
	e.CreateIndex("email", true)

	require.NoError(t, e.ApplyEvent("acc-1", "created", account{ID: "acc-1", Email: "dup@example.com"}, nil, "", true))

	err := e.ApplyEvent("acc-2", "created", account{ID: "acc-2", Email: "dup@example.com"}, nil, "", true)
	assert.ErrorIs(t, err, lithair.ErrUniqueConstraintViolation)

	// The same key updating its own value under the unique field is fine.
	require.NoError(t, e.ApplyEvent("acc-1", "updated", account{ID: "acc-1", Email: "dup@example.com", Value: 1}, nil, "", true))
}

func TestGetIndexedValues(t *testing.T) {
	e, _ := newTestEngine(t)
	e.CreateIndex("email", false)

	require.NoError(t, e.ApplyEvent("acc-1", "created", account{ID: "acc-1", Email: "shared@example.com"}, nil, "", true))
	require.NoError(t, e.ApplyEvent("acc-2", "created", account{ID: "acc-2", Email: "shared@example.com"}, nil, "", true))

	keys, err := e.GetIndexedValues("email", "shared@example.com")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"acc-1", "acc-2"}, keys)
}

func TestReplayEventsRebuildsState(t *testing.T) {
	store, err := eventstore.Open(t.TempDir(), lithair.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e1 := New[account](store, DefaultConfig())
	require.NoError(t, e1.ApplyEvent("acc-1", "created", account{ID: "acc-1", Email: "a@example.com", Value: 5}, strPtr("acc-1"), "", true))
	require.NoError(t, e1.ApplyEvent("acc-1", "updated", account{ID: "acc-1", Email: "a@example.com", Value: 9}, strPtr("acc-1"), "", true))

	e2 := New[account](store, DefaultConfig())
	require.NoError(t, e2.ReplayEvents())

	var got account
	var found bool
	e2.Read("acc-1", func(data account, f bool) { got = data; found = f })
	require.True(t, found)
	assert.Equal(t, 9, got.Value)
}

func TestSnapshotAndLoadSnapshot(t *testing.T) {
	store, err := eventstore.Open(t.TempDir(), lithair.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e1 := New[account](store, DefaultConfig())
	require.NoError(t, e1.ApplyEvent("acc-1", "created", account{ID: "acc-1", Email: "a@example.com", Value: 3}, nil, "", true))
	require.NoError(t, e1.Snapshot())

	e2 := New[account](store, DefaultConfig())
	found, err := e2.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, found)

	var got account
	e2.Read("acc-1", func(data account, f bool) { got = data })
	assert.Equal(t, 3, got.Value)
}

func TestStatsTrackReadsWritesConflicts(t *testing.T) {
	e, _ := newTestEngine(t)
	e.CreateIndex("email", true)

	require.NoError(t, e.ApplyEvent("acc-1", "created", account{ID: "acc-1", Email: "x@example.com"}, nil, "", true))
	e.Read("acc-1", func(account, bool) {})
	_ = e.ApplyEvent("acc-2", "created", account{ID: "acc-2", Email: "x@example.com"}, nil, "", true)

	reads, writes, conflicts := e.Stats()
	assert.Equal(t, uint64(1), reads)
	assert.Equal(t, uint64(1), writes)
	assert.Equal(t, uint64(1), conflicts)
}

func TestApplyEventRejectsKnownEventID(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.ApplyEvent("acc-1", "created", account{ID: "acc-1", Value: 1}, nil, "evt-1", true))
	err := e.ApplyEvent("acc-1", "updated", account{ID: "acc-1", Value: 2}, nil, "evt-1", true)
	assert.ErrorIs(t, err, lithair.ErrDuplicateEvent)

	var got account
	e.Read("acc-1", func(data account, f bool) { got = data })
	assert.Equal(t, 1, got.Value, "the duplicate apply must not mutate state")
}

func TestApplyEventDedupSurvivesRestart(t *testing.T) {
	store, err := eventstore.Open(t.TempDir(), lithair.DefaultConfig())
	require.NoError(t, err)

	e1 := New[account](store, DefaultConfig())
	require.NoError(t, e1.ApplyEvent("acc-1", "created", account{ID: "acc-1", Value: 1}, nil, "evt-1", true))
	require.NoError(t, store.Close())

	store2, err := eventstore.Open(store.Dir(), lithair.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store2.Close() })

	e2 := New[account](store2, DefaultConfig())
	require.NoError(t, e2.ReplayEvents())

	err = e2.ApplyEvent("acc-1", "updated", account{ID: "acc-1", Value: 2}, nil, "evt-1", true)
	assert.ErrorIs(t, err, lithair.ErrDuplicateEvent)
}

func TestApplyMigrationIsRecordedButSkippedOnReplay(t *testing.T) {
	store, err := eventstore.Open(t.TempDir(), lithair.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e1 := New[account](store, DefaultConfig())
	require.NoError(t, e1.ApplyEvent("acc-1", "created", account{ID: "acc-1", Value: 1}, nil, "", true))
	require.NoError(t, e1.ApplyMigration("step", map[string]int{"n": 1}))
	require.NoError(t, e1.ApplyEvent("acc-1", "updated", account{ID: "acc-1", Value: 2}, nil, "", true))

	envs, err := store.GetAllEnvelopes()
	require.NoError(t, err)
	require.Len(t, envs, 3, "the migration marker is a durable envelope like any other")
	assert.Equal(t, "migration:step", envs[1].EventType)

	e2 := New[account](store, DefaultConfig())
	require.NoError(t, e2.ReplayEvents())

	var got account
	var found bool
	e2.Read("acc-1", func(data account, f bool) { got = data; found = f })
	require.True(t, found)
	assert.Equal(t, 2, got.Value, "replay must skip the migration marker without erroring")
}

func TestUpdateIndexesRemovesStaleValueOnChange(t *testing.T) {
	e, _ := newTestEngine(t)
	e.CreateIndex("email", true)

	require.NoError(t, e.ApplyEvent("acc-k", "created", account{ID: "acc-k", Email: "a@x"}, nil, "", true))
	require.NoError(t, e.ApplyEvent("acc-k", "updated", account{ID: "acc-k", Email: "b@x"}, nil, "", true))

	// The freed value must no longer point at acc-k, so a different key can
	// now claim it under the unique index.
	require.NoError(t, e.ApplyEvent("acc-j", "created", account{ID: "acc-j", Email: "a@x"}, nil, "", true))

	keys, err := e.GetIndexedValues("email", "a@x")
	require.NoError(t, err)
	assert.Equal(t, []string{"acc-j"}, keys, "stale index entry for acc-k must have been removed")

	keys, err = e.GetIndexedValues("email", "b@x")
	require.NoError(t, err)
	assert.Equal(t, []string{"acc-k"}, keys)
}

func TestReplayAfterSnapshotOnlyReplaysNewerEvents(t *testing.T) {
	store, err := eventstore.Open(t.TempDir(), lithair.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e1 := New[account](store, DefaultConfig())
	require.NoError(t, e1.ApplyEvent("acc-1", "created", account{ID: "acc-1", Value: 1}, nil, "", true))
	require.NoError(t, e1.ApplyEvent("acc-1", "updated", account{ID: "acc-1", Value: 2}, nil, "", true))
	require.NoError(t, e1.Snapshot())
	require.NoError(t, e1.ApplyEvent("acc-2", "created", account{ID: "acc-2", Value: 7}, nil, "", true))

	e2 := New[account](store, DefaultConfig())
	found, err := e2.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(2), e2.snapshotBaseline, "the watermark must cover the two envelopes folded into the snapshot")
	require.NoError(t, e2.ReplayEvents())

	var acc1, acc2 account
	var found1, found2 bool
	e2.Read("acc-1", func(data account, f bool) { acc1 = data; found1 = f })
	e2.Read("acc-2", func(data account, f bool) { acc2 = data; found2 = f })

	require.True(t, found1)
	assert.Equal(t, 2, acc1.Value, "state from the snapshot must be present")
	require.True(t, found2)
	assert.Equal(t, 7, acc2.Value, "the event recorded after the snapshot must still be replayed")
}

func TestKeysAndLen(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.ApplyEvent("acc-1", "created", account{ID: "acc-1"}, nil, "", true))
	require.NoError(t, e.ApplyEvent("acc-2", "created", account{ID: "acc-2"}, nil, "", true))

	assert.Equal(t, 2, e.Len())
	assert.ElementsMatch(t, []string{"acc-1", "acc-2"}, e.Keys())
}
