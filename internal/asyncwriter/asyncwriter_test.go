package asyncwriter

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteEventThenFlushPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.raftlog")
	cfg := DefaultConfig()
	cfg.FlushInterval = 10 * time.Millisecond

	w, err := New(path, cfg)
	require.NoError(t, err)

	w.WriteEvent(`{"type":"test","data":"hello"}`)
	w.WriteEvent(`{"type":"test","data":"world"}`)
	w.Flush()
	w.Shutdown()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "hello")
	assert.Contains(t, lines[1], "world")
}

func TestWriteBinaryEventGrowsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.raftlog")
	cfg := DefaultConfig()
	cfg.EnableBinary = true
	cfg.FlushInterval = 10 * time.Millisecond

	w, err := New(path, cfg)
	require.NoError(t, err)

	w.WriteBinaryEvent([]byte{1, 2, 3, 4})
	w.Flush()
	info1, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info1.Size())

	w.WriteBinaryEvent([]byte{5, 6, 7, 8, 9})
	w.Flush()
	info2, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info2.Size(), info1.Size())

	w.Shutdown()
}

func TestFsyncDisabledStillWritesAllEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.raftlog")
	cfg := DefaultConfig()
	cfg.FsyncEnabled = false
	cfg.FlushInterval = 10 * time.Millisecond

	w, err := New(path, cfg)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		w.WriteEvent(`{"id":1}`)
	}
	w.Flush()
	w.Shutdown()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	assert.Len(t, lines, 50)
}

func TestShutdownFlushesOutstandingBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.raftlog")
	cfg := DefaultConfig()
	cfg.FlushInterval = time.Hour // disable the ticker from firing during the test

	w, err := New(path, cfg)
	require.NoError(t, err)

	w.WriteEvent(`{"critical":"data"}`)
	w.Shutdown()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "critical")
}
