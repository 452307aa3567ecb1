// Package storage implements FileStorage: one directory owning a
// CRC32-framed append log, its byte-offset index, its dedup id file, and
// its raw snapshot slot.
//
// The buffered-writer-plus-batch shape is adapted from the batching WAL
// writer in the teacher repository's internal/storage/wal/wal.go; here the
// batch is flushed synchronously by the appending caller (no background
// goroutine), generalized from JSON-line events to the CRC32/binary
// framing this spec requires.
package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/lithair/lithair-sub001/pkg/lithair"
)

var log = slog.Default()

const (
	LogFileName      = "events.raftlog"
	RotatedFileName  = "events.raftlog.1"
	IndexFileName    = "events.raftidx"
	SnapshotFileName = "state.raftsnap"
	DedupFileName    = "dedup.raftids"
	MetaFileName     = "meta.raftmeta"
)

// IndexEntry is one line of the byte-offset index file.
type IndexEntry struct {
	AggregateID string `json:"aggregate_id"`
	Offset      int64  `json:"offset"`
}

// FileStorage owns one directory tree and every file handle within it. No
// other component is allowed to open events.raftlog directly.
type FileStorage struct {
	dir string

	cfg lithair.Config

	mu         sync.Mutex // serializes log file writers and rotation
	logFile    *os.File
	logWriter  *bufio.Writer
	logSize    int64
	batch      [][]byte
	batchBytes int

	idxMu     sync.Mutex
	idxFile   *os.File
	idxWriter *bufio.Writer

	dedupMu     sync.Mutex
	dedupFile   *os.File
	dedupWriter *bufio.Writer

	lock *flock.Flock

	stats Stats
}

// Stats tracks lightweight counters a caller or the metrics package can
// surface; it is not persisted.
type Stats struct {
	mu               sync.Mutex
	RecordsAppended  uint64
	RecordsCorrupted uint64
	Rotations        uint64
}

func (s *Stats) incAppended() {
	s.mu.Lock()
	s.RecordsAppended++
	s.mu.Unlock()
}

func (s *Stats) incCorrupted() {
	s.mu.Lock()
	s.RecordsCorrupted++
	s.mu.Unlock()
}

func (s *Stats) incRotations() {
	s.mu.Lock()
	s.Rotations++
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{RecordsAppended: s.RecordsAppended, RecordsCorrupted: s.RecordsCorrupted, Rotations: s.Rotations}
}

// Open creates dir if needed and opens (or creates) its log, index, and
// dedup files, taking an advisory lock on the directory for the lifetime of
// the returned FileStorage so a second OS process cannot append
// concurrently (see SPEC_FULL.md §4.1).
func Open(dir string, cfg lithair.Config) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, lithair.Wrap(lithair.ErrPersistence, "mkdir %s: %v", dir, err)
	}

	lockPath := filepath.Join(dir, ".lithair.lock")
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, lithair.Wrap(lithair.ErrPersistence, "lock %s: %v", lockPath, err)
	}
	if !locked {
		return nil, lithair.Wrap(lithair.ErrPersistence, "directory %s already locked by another process", dir)
	}

	fs := &FileStorage{dir: dir, cfg: cfg, lock: fl}

	if err := fs.openLog(); err != nil {
		fl.Unlock()
		return nil, err
	}
	if err := fs.openIndex(); err != nil {
		fl.Unlock()
		return nil, err
	}
	if err := fs.openDedup(); err != nil {
		fl.Unlock()
		return nil, err
	}

	return fs, nil
}

func (fs *FileStorage) openLog() error {
	path := filepath.Join(fs.dir, LogFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return lithair.Wrap(lithair.ErrPersistence, "open %s: %v", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return lithair.Wrap(lithair.ErrPersistence, "stat %s: %v", path, err)
	}
	fs.logFile = f
	fs.logWriter = bufio.NewWriter(f)
	fs.logSize = info.Size()
	return nil
}

func (fs *FileStorage) openIndex() error {
	path := filepath.Join(fs.dir, IndexFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return lithair.Wrap(lithair.ErrPersistence, "open %s: %v", path, err)
	}
	fs.idxFile = f
	fs.idxWriter = bufio.NewWriter(f)
	return nil
}

func (fs *FileStorage) openDedup() error {
	path := filepath.Join(fs.dir, DedupFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return lithair.Wrap(lithair.ErrPersistence, "open %s: %v", path, err)
	}
	fs.dedupFile = f
	fs.dedupWriter = bufio.NewWriter(f)
	return nil
}

// Dir returns the directory this store owns.
func (fs *FileStorage) Dir() string { return fs.dir }

// AppendEvent buffers one text-mode record (already CRC-framed by the
// caller when checksums are enabled) and flushes when the batch reaches
// cfg.FlushEvery or cfg.MaxBatchSize records.
func (fs *FileStorage) AppendEvent(line string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.batch = append(fs.batch, append([]byte(line), '\n'))
	fs.batchBytes += len(line) + 1

	if fs.cfg.FlushEvery > 0 && len(fs.batch) >= fs.cfg.FlushEvery {
		return fs.flushBatchLocked()
	}
	if fs.cfg.MaxBatchSize > 0 && len(fs.batch) >= fs.cfg.MaxBatchSize {
		return fs.flushBatchLocked()
	}
	return nil
}

// FlushBatch forces any buffered lines to disk now.
func (fs *FileStorage) FlushBatch() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.flushBatchLocked()
}

func (fs *FileStorage) flushBatchLocked() error {
	if len(fs.batch) == 0 {
		return nil
	}
	for _, line := range fs.batch {
		if _, err := fs.logWriter.Write(line); err != nil {
			return lithair.Wrap(lithair.ErrPersistence, "write log: %v", err)
		}
		fs.logSize += int64(len(line))
	}
	if err := fs.logWriter.Flush(); err != nil {
		return lithair.Wrap(lithair.ErrPersistence, "flush log: %v", err)
	}
	if fs.cfg.FsyncOnAppend {
		if err := fs.logFile.Sync(); err != nil {
			return lithair.Wrap(lithair.ErrPersistence, "fsync log: %v", err)
		}
	}
	fs.batch = fs.batch[:0]
	fs.batchBytes = 0
	fs.stats.incAppended()

	return fs.maybeRotateLocked()
}

func (fs *FileStorage) maybeRotateLocked() error {
	if fs.cfg.MaxLogFileSize <= 0 || fs.logSize < fs.cfg.MaxLogFileSize {
		return nil
	}

	if err := fs.logFile.Close(); err != nil {
		return lithair.Wrap(lithair.ErrPersistence, "close log for rotation: %v", err)
	}

	activePath := filepath.Join(fs.dir, LogFileName)
	rotatedPath := filepath.Join(fs.dir, RotatedFileName)
	_ = os.Remove(rotatedPath)
	if err := os.Rename(activePath, rotatedPath); err != nil {
		return lithair.Wrap(lithair.ErrPersistence, "rotate log: %v", err)
	}

	if err := fs.openLog(); err != nil {
		return err
	}
	fs.stats.incRotations()
	log.Info("rotated log file", "dir", fs.dir)
	return nil
}

// AppendBinaryEventBytes writes a u64-LE length prefix followed by the raw
// encoded bytes, always flushing, and fsyncing when configured.
func (fs *FileStorage) AppendBinaryEventBytes(data []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var header [8]byte
	binary.LittleEndian.PutUint64(header[:], uint64(len(data)))

	if _, err := fs.logWriter.Write(header[:]); err != nil {
		return lithair.Wrap(lithair.ErrPersistence, "write binary frame header: %v", err)
	}
	if _, err := fs.logWriter.Write(data); err != nil {
		return lithair.Wrap(lithair.ErrPersistence, "write binary frame body: %v", err)
	}
	if err := fs.logWriter.Flush(); err != nil {
		return lithair.Wrap(lithair.ErrPersistence, "flush binary frame: %v", err)
	}
	fs.logSize += int64(len(header)) + int64(len(data))
	if fs.cfg.FsyncOnAppend {
		if err := fs.logFile.Sync(); err != nil {
			return lithair.Wrap(lithair.ErrPersistence, "fsync binary frame: %v", err)
		}
	}
	fs.stats.incAppended()
	return fs.maybeRotateLocked()
}

// AppendIndexEntry writes one JSON line {aggregate_id, offset} to the index
// file.
func (fs *FileStorage) AppendIndexEntry(aggregateID string, offset int64) error {
	fs.idxMu.Lock()
	defer fs.idxMu.Unlock()

	line := fmt.Sprintf(`{"aggregate_id":%q,"offset":%d}`+"\n", aggregateID, offset)
	if _, err := fs.idxWriter.WriteString(line); err != nil {
		return lithair.Wrap(lithair.ErrPersistence, "write index: %v", err)
	}
	return fs.idxWriter.Flush()
}

// AppendDedupID appends one event_id line to the dedup file.
func (fs *FileStorage) AppendDedupID(eventID string, fsyncEnabled bool) error {
	fs.dedupMu.Lock()
	defer fs.dedupMu.Unlock()

	if _, err := fs.dedupWriter.WriteString(eventID + "\n"); err != nil {
		return lithair.Wrap(lithair.ErrPersistence, "write dedup id: %v", err)
	}
	if err := fs.dedupWriter.Flush(); err != nil {
		return lithair.Wrap(lithair.ErrPersistence, "flush dedup id: %v", err)
	}
	if fsyncEnabled {
		if err := fs.dedupFile.Sync(); err != nil {
			return lithair.Wrap(lithair.ErrPersistence, "fsync dedup id: %v", err)
		}
	}
	return nil
}

// SaveSnapshot atomically overwrites state.raftsnap with stateJSON.
func (fs *FileStorage) SaveSnapshot(stateJSON string) error {
	path := filepath.Join(fs.dir, SnapshotFileName)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, []byte(stateJSON), 0o644); err != nil {
		return lithair.Wrap(lithair.ErrPersistence, "write temp snapshot: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return lithair.Wrap(lithair.ErrPersistence, "rename snapshot: %v", err)
	}
	return nil
}

// LoadSnapshotRaw reads the raw snapshot file contents, if present.
func (fs *FileStorage) LoadSnapshotRaw() (string, bool, error) {
	path := filepath.Join(fs.dir, SnapshotFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, lithair.Wrap(lithair.ErrPersistence, "read snapshot: %v", err)
	}
	return string(data), true, nil
}

// TruncateEvents closes the writer and recreates events.raftlog as empty.
func (fs *FileStorage) TruncateEvents() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.logFile.Close(); err != nil {
		return lithair.Wrap(lithair.ErrPersistence, "close log for truncate: %v", err)
	}
	path := filepath.Join(fs.dir, LogFileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return lithair.Wrap(lithair.ErrPersistence, "remove log for truncate: %v", err)
	}
	fs.batch = fs.batch[:0]
	fs.batchBytes = 0
	return fs.openLog()
}

// ReadAllEvents returns event records in write order, concatenating the
// rotated segment (if present) then the active log. Lines matching the
// HHHHHHHH:JSON shape are CRC-validated; mismatches are skipped and counted
// rather than aborting the read. Legacy lines (no prefix) are accepted
// verbatim.
func (fs *FileStorage) ReadAllEvents() ([]string, error) {
	fs.mu.Lock()
	if err := fs.flushBatchLocked(); err != nil {
		fs.mu.Unlock()
		return nil, err
	}
	fs.mu.Unlock()

	var lines []string

	rotatedPath := filepath.Join(fs.dir, RotatedFileName)
	if data, err := os.ReadFile(rotatedPath); err == nil {
		lines = append(lines, splitLines(data)...)
	} else if !os.IsNotExist(err) {
		return nil, lithair.Wrap(lithair.ErrPersistence, "read rotated log: %v", err)
	}

	activePath := filepath.Join(fs.dir, LogFileName)
	data, err := os.ReadFile(activePath)
	if err != nil && !os.IsNotExist(err) {
		return nil, lithair.Wrap(lithair.ErrPersistence, "read log: %v", err)
	}
	lines = append(lines, splitLines(data)...)

	result := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		payload, crcPresent, verr := lithair.ParseAndValidateCRC32(line)
		if verr != nil {
			fs.stats.incCorrupted()
			log.Warn("skipping corrupted record", "dir", fs.dir, "error", verr)
			continue
		}
		_ = crcPresent
		result = append(result, payload)
	}
	return result, nil
}

func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	parts := bytes.Split(bytes.TrimRight(data, "\n"), []byte("\n"))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, string(p))
	}
	return out
}

// ReadAllEventBytes parses length-prefixed binary frames from the
// concatenation of the rotated segment (if present) and the active log.
func (fs *FileStorage) ReadAllEventBytes() ([][]byte, error) {
	fs.mu.Lock()
	if err := fs.flushBatchLocked(); err != nil {
		fs.mu.Unlock()
		return nil, err
	}
	fs.mu.Unlock()

	var all []byte
	rotatedPath := filepath.Join(fs.dir, RotatedFileName)
	if data, err := os.ReadFile(rotatedPath); err == nil {
		all = append(all, data...)
	} else if !os.IsNotExist(err) {
		return nil, lithair.Wrap(lithair.ErrPersistence, "read rotated log: %v", err)
	}
	activePath := filepath.Join(fs.dir, LogFileName)
	data, err := os.ReadFile(activePath)
	if err != nil && !os.IsNotExist(err) {
		return nil, lithair.Wrap(lithair.ErrPersistence, "read log: %v", err)
	}
	all = append(all, data...)

	var frames [][]byte
	offset := 0
	for offset+8 <= len(all) {
		length := binary.LittleEndian.Uint64(all[offset : offset+8])
		offset += 8
		if offset+int(length) > len(all) {
			fs.stats.incCorrupted()
			break
		}
		frames = append(frames, all[offset:offset+int(length)])
		offset += int(length)
	}
	return frames, nil
}

// CurrentOffset returns the prospective start offset of the next record,
// i.e. the size of the active log segment plus any buffered bytes; after a
// rotation it restarts from the new segment's size.
func (fs *FileStorage) CurrentOffset() int64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.logSize + int64(fs.batchBytes)
}

// ReadIndexOffsets returns all (aggregate_id, offset) pairs recorded for
// aggregateID in write order.
func (fs *FileStorage) ReadIndexOffsets(aggregateID string) ([]int64, error) {
	fs.idxMu.Lock()
	if err := fs.idxWriter.Flush(); err != nil {
		fs.idxMu.Unlock()
		return nil, lithair.Wrap(lithair.ErrPersistence, "flush index: %v", err)
	}
	fs.idxMu.Unlock()

	path := filepath.Join(fs.dir, IndexFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, lithair.Wrap(lithair.ErrPersistence, "read index: %v", err)
	}

	var offsets []int64
	for _, line := range splitLines(data) {
		if line == "" {
			continue
		}
		var entry IndexEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if entry.AggregateID == aggregateID {
			offsets = append(offsets, entry.Offset)
		}
	}
	return offsets, nil
}

// LoadDedupIDs reads every event_id recorded in the dedup file.
func (fs *FileStorage) LoadDedupIDs() ([]string, error) {
	fs.dedupMu.Lock()
	if err := fs.dedupWriter.Flush(); err != nil {
		fs.dedupMu.Unlock()
		return nil, lithair.Wrap(lithair.ErrPersistence, "flush dedup: %v", err)
	}
	fs.dedupMu.Unlock()

	path := filepath.Join(fs.dir, DedupFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, lithair.Wrap(lithair.ErrPersistence, "read dedup: %v", err)
	}
	var ids []string
	for _, line := range splitLines(data) {
		if line != "" {
			ids = append(ids, line)
		}
	}
	return ids, nil
}

// Close flushes all writers and releases the directory lock.
func (fs *FileStorage) Close() error {
	fs.mu.Lock()
	flushErr := fs.flushBatchLocked()
	closeErr := fs.logFile.Close()
	fs.mu.Unlock()

	fs.idxMu.Lock()
	idxErr := fs.idxWriter.Flush()
	idxCloseErr := fs.idxFile.Close()
	fs.idxMu.Unlock()

	fs.dedupMu.Lock()
	dedupErr := fs.dedupWriter.Flush()
	dedupCloseErr := fs.dedupFile.Close()
	fs.dedupMu.Unlock()

	unlockErr := fs.lock.Unlock()

	for _, err := range []error{flushErr, closeErr, idxErr, idxCloseErr, dedupErr, dedupCloseErr, unlockErr} {
		if err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a snapshot of this store's counters.
func (fs *FileStorage) Stats() Stats { return fs.stats.Snapshot() }
