// Package asyncwriter implements AsyncWriter: a channel-backed background
// writer that decouples event appends from the fsync that durably commits
// them, grounded in
// original_source/lithair-core/src/engine/persistence_optimized.rs's
// AsyncEventWriter (mpsc channel + writer thread) and adapted to the Go
// channel/goroutine idiom used by the teacher repository's batchWriter in
// internal/storage/wal/wal.go.
package asyncwriter

import (
	"bufio"
	"log/slog"
	"os"
	"time"

	"github.com/lithair/lithair-sub001/pkg/lithair"
)

var log = slog.Default()

// Config mirrors OptimizedPersistenceConfig: buffer size, flush cadence,
// and the durability/format toggles.
type Config struct {
	BufferSize       int
	FlushInterval    time.Duration
	MaxEventsBuffer  int
	EnableBinary     bool
	FsyncEnabled     bool
	EnableChecksums  bool
}

// DefaultConfig mirrors OptimizedPersistenceConfig::default(): 1MiB buffer,
// 100ms flush interval, 1000-event forced flush, JSON format, fsync on.
func DefaultConfig() Config {
	return Config{
		BufferSize:      1024 * 1024,
		FlushInterval:   100 * time.Millisecond,
		MaxEventsBuffer: 1000,
		EnableBinary:    false,
		FsyncEnabled:    true,
		EnableChecksums: true,
	}
}

type commandKind int

const (
	cmdWriteJSON commandKind = iota
	cmdWriteBinary
	cmdFlush
	cmdShutdown
)

type command struct {
	kind commandKind
	json string
	data []byte
	done chan struct{} // closed once this command (and any flush it implies) has been handled
}

// Writer is a single background goroutine draining a command channel onto
// one append-only file, batching writes and fsyncing on its own schedule
// (or when told to Flush/Shutdown).
type Writer struct {
	commands chan command
	stopped  chan struct{}
}

// New opens eventsPath for append and starts the background writer
// goroutine.
func New(eventsPath string, cfg Config) (*Writer, error) {
	f, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, lithair.Wrap(lithair.ErrPersistence, "open %s: %v", eventsPath, err)
	}

	w := &Writer{
		commands: make(chan command, 256),
		stopped:  make(chan struct{}),
	}

	go w.run(f, cfg)
	return w, nil
}

// WriteEvent enqueues a JSON event line for asynchronous, CRC32-framed
// (when cfg.EnableChecksums) append.
func (w *Writer) WriteEvent(eventJSON string) {
	w.commands <- command{kind: cmdWriteJSON, json: eventJSON}
}

// WriteBinaryEvent enqueues a raw binary frame for asynchronous append.
func (w *Writer) WriteBinaryEvent(data []byte) {
	w.commands <- command{kind: cmdWriteBinary, data: data}
}

// Flush forces an immediate flush (and fsync, when enabled) of whatever is
// currently buffered, blocking until it completes.
func (w *Writer) Flush() {
	done := make(chan struct{})
	w.commands <- command{kind: cmdFlush, done: done}
	<-done
}

// Shutdown flushes with fsync forced on, then stops the background
// goroutine and waits for it to exit.
func (w *Writer) Shutdown() {
	done := make(chan struct{})
	w.commands <- command{kind: cmdShutdown, done: done}
	<-done
	<-w.stopped
}

func (w *Writer) run(f *os.File, cfg Config) {
	defer close(w.stopped)
	defer f.Close()

	buf := bufio.NewWriterSize(f, cfg.BufferSize)
	eventCount := 0
	lastFlush := time.Now()

	flush := func(fsync bool) {
		if eventCount == 0 {
			return
		}
		if err := buf.Flush(); err != nil {
			log.Error("async writer flush failed", "error", err)
			return
		}
		if fsync {
			if err := f.Sync(); err != nil {
				log.Error("async writer fsync failed", "error", err)
				return
			}
		}
		eventCount = 0
		lastFlush = time.Now()
	}

	ticker := time.NewTicker(cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-w.commands:
			switch cmd.kind {
			case cmdWriteJSON:
				line := cmd.json
				if cfg.EnableChecksums {
					line = lithair.FormatWithCRC32([]byte(cmd.json))
				}
				if _, err := buf.WriteString(line + "\n"); err != nil {
					log.Error("async writer json write failed", "error", err)
					continue
				}
				eventCount++
			case cmdWriteBinary:
				if _, err := buf.Write(cmd.data); err != nil {
					log.Error("async writer binary write failed", "error", err)
					continue
				}
				if err := buf.WriteByte('\n'); err != nil {
					log.Error("async writer binary newline failed", "error", err)
					continue
				}
				eventCount++
			case cmdFlush:
				flush(cfg.FsyncEnabled)
				close(cmd.done)
				continue
			case cmdShutdown:
				flush(true)
				close(cmd.done)
				return
			}

			shouldFlush := eventCount >= cfg.MaxEventsBuffer ||
				time.Since(lastFlush) >= cfg.FlushInterval
			if shouldFlush {
				flush(cfg.FsyncEnabled)
			}

		case <-ticker.C:
			if eventCount > 0 && time.Since(lastFlush) >= cfg.FlushInterval {
				flush(cfg.FsyncEnabled)
			}
		}
	}
}
