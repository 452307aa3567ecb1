// Package snapshot implements SnapshotStore: CRC32-framed, JSON-encoded
// per-aggregate (and global) snapshots with atomic whole-file overwrite.
//
// The atomic tmp-file-plus-rename write is kept from the teacher
// repository's internal/snapshot/snapshot_manager.go even though the
// original Rust source (original_source/lithair-core/src/engine/snapshot.rs)
// uses a plain fs::write — see DESIGN.md.
package snapshot

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lithair/lithair-sub001/pkg/lithair"
)

var log = slog.Default()

const snapshotFileName = "snapshot.raftsnap"
const globalAggregateID = "global"

// Store owns the on-disk snapshot slots under a MultiFileEventStore's base
// directory: <base>/<aggregate_id>/snapshot.raftsnap and
// <base>/global/snapshot.raftsnap.
type Store struct {
	base string
	cfg  lithair.Config

	mu sync.Mutex
}

// Open returns a Store rooted at base. No files are created until Save is
// called.
func Open(base string, cfg lithair.Config) (*Store, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, lithair.Wrap(lithair.ErrPersistence, "mkdir %s: %v", base, err)
	}
	return &Store{base: base, cfg: cfg}, nil
}

func (s *Store) pathFor(aggregateID string) string {
	key := aggregateID
	if key == "" {
		key = globalAggregateID
	}
	return filepath.Join(s.base, key, snapshotFileName)
}

// Save computes state_crc32, serializes snap to JSON, wraps it in the outer
// CRC32:payload framing, and atomically overwrites the snapshot file for
// snap.Metadata.AggregateID (or the global slot when nil).
func (s *Store) Save(snap lithair.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.Metadata.Version = lithair.SnapshotVersion
	snap.Metadata.StateCRC32 = lithair.CRC32Hex([]byte(snap.State))
	snap.Metadata.Timestamp = uint64(time.Now().Unix())

	aggregateID := ""
	if snap.Metadata.AggregateID != nil {
		aggregateID = *snap.Metadata.AggregateID
	}
	path := s.pathFor(aggregateID)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return lithair.Wrap(lithair.ErrPersistence, "mkdir %s: %v", filepath.Dir(path), err)
	}

	innerJSON, err := json.Marshal(snap)
	if err != nil {
		return lithair.Wrap(lithair.ErrSerialization, "marshal snapshot: %v", err)
	}

	outer := lithair.FormatWithCRC32(innerJSON)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(outer), 0o644); err != nil {
		return lithair.Wrap(lithair.ErrPersistence, "write temp snapshot: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return lithair.Wrap(lithair.ErrPersistence, "rename snapshot: %v", err)
	}

	return nil
}

// Load reads, validates the outer CRC, parses, then validates the inner
// state_crc32. found is false (with a nil error) when no snapshot exists
// yet for aggregateID.
func (s *Store) Load(aggregateID string) (snap lithair.Snapshot, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(aggregateID)
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return lithair.Snapshot{}, false, nil
		}
		return lithair.Snapshot{}, false, lithair.Wrap(lithair.ErrPersistence, "read snapshot: %v", readErr)
	}

	innerJSON, _, verr := lithair.ParseAndValidateCRC32(string(data))
	if verr != nil {
		return lithair.Snapshot{}, false, verr
	}

	if err := json.Unmarshal([]byte(innerJSON), &snap); err != nil {
		return lithair.Snapshot{}, false, lithair.Wrap(lithair.ErrCorruptedRecord, "unmarshal snapshot: %v", err)
	}

	wantCRC := lithair.CRC32Hex([]byte(snap.State))
	if wantCRC != snap.Metadata.StateCRC32 {
		return lithair.Snapshot{}, false, lithair.Wrap(lithair.ErrCorruptedRecord, "state_crc32 mismatch: want %s got %s", wantCRC, snap.Metadata.StateCRC32)
	}

	return snap, true, nil
}

// ListSnapshots enumerates every per-aggregate snapshot plus the global
// one.
func (s *Store) ListSnapshots() ([]string, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, lithair.Wrap(lithair.ErrPersistence, "readdir %s: %v", s.base, err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		path := filepath.Join(s.base, e.Name(), snapshotFileName)
		if _, err := os.Stat(path); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// DeleteSnapshot removes the snapshot file for aggregateID, if any.
func (s *Store) DeleteSnapshot(aggregateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(aggregateID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return lithair.Wrap(lithair.ErrPersistence, "delete snapshot: %v", err)
	}
	log.Info("deleted snapshot", "path", path)
	return nil
}
