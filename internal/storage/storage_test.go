package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lithair/lithair-sub001/pkg/lithair"
)

func TestAppendAndReadAllEvents(t *testing.T) {
	fs, err := Open(t.TempDir(), lithair.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	lines := []string{
		lithair.FormatWithCRC32([]byte(`{"event_id":"1"}`)),
		lithair.FormatWithCRC32([]byte(`{"event_id":"2"}`)),
	}
	for _, l := range lines {
		require.NoError(t, fs.AppendEvent(l))
	}
	require.NoError(t, fs.FlushBatch())

	got, err := fs.ReadAllEvents()
	require.NoError(t, err)
	assert.Equal(t, []string{`{"event_id":"1"}`, `{"event_id":"2"}`}, got)
}

func TestReadAllEventsSkipsCorruptedLines(t *testing.T) {
	fs, err := Open(t.TempDir(), lithair.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	good := lithair.FormatWithCRC32([]byte(`{"event_id":"1"}`))
	require.NoError(t, fs.AppendEvent(good))
	require.NoError(t, fs.AppendEvent("00000000:corrupted-payload"))
	require.NoError(t, fs.FlushBatch())

	got, err := fs.ReadAllEvents()
	require.NoError(t, err)
	assert.Equal(t, []string{`{"event_id":"1"}`}, got)
	assert.Equal(t, uint64(1), fs.Stats().RecordsCorrupted)
}

func TestAppendIndexAndReadOffsets(t *testing.T) {
	fs, err := Open(t.TempDir(), lithair.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	require.NoError(t, fs.AppendIndexEntry("agg-1", 10))
	require.NoError(t, fs.AppendIndexEntry("agg-1", 42))
	require.NoError(t, fs.AppendIndexEntry("agg-2", 7))

	offsets, err := fs.ReadIndexOffsets("agg-1")
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 42}, offsets)
}

func TestSaveAndLoadSnapshotRaw(t *testing.T) {
	fs, err := Open(t.TempDir(), lithair.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	_, found, err := fs.LoadSnapshotRaw()
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, fs.SaveSnapshot(`{"state":"x"}`))

	raw, found, err := fs.LoadSnapshotRaw()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"state":"x"}`, raw)
}

func TestDedupIDsRoundTrip(t *testing.T) {
	fs, err := Open(t.TempDir(), lithair.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	require.NoError(t, fs.AppendDedupID("evt-1", true))
	require.NoError(t, fs.AppendDedupID("evt-2", true))

	ids, err := fs.LoadDedupIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"evt-1", "evt-2"}, ids)
}

func TestTruncateEvents(t *testing.T) {
	fs, err := Open(t.TempDir(), lithair.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	require.NoError(t, fs.AppendEvent(lithair.FormatWithCRC32([]byte(`{"event_id":"1"}`))))
	require.NoError(t, fs.FlushBatch())

	require.NoError(t, fs.TruncateEvents())

	got, err := fs.ReadAllEvents()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSecondOpenFailsWhileLockHeld(t *testing.T) {
	dir := t.TempDir()
	fs, err := Open(dir, lithair.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })

	_, err = Open(dir, lithair.DefaultConfig())
	assert.Error(t, err)
}
