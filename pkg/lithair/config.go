package lithair

import (
	"os"
	"strconv"
	"time"
)

// Config collects every tunable recognized by the storage and replication
// stack into one struct threaded through constructors, replacing the ad-hoc
// environment lookups scattered through the original source (see
// SPEC_FULL.md's "Configuration" note).
type Config struct {
	// FileStorage / EventStore
	FlushEvery       int  // events between forced flushes; 0 disables auto flush
	MaxBatchSize     int  // FileStorage batch threshold
	FsyncOnAppend    bool
	MaxLogFileSize   int64 // bytes; 0 disables rotation
	EnableChecksums  bool  // CRC32 framing
	BinaryMode       bool
	DisableIndex     bool
	DisableHashChain bool

	// Dedup
	DedupPersist bool

	// Snapshot
	SnapshotThreshold uint64

	// Group commit (WriteAheadLog)
	GroupCommitFlushInterval time.Duration
	GroupCommitMaxBufferSize int
	GroupCommitEnabled       bool

	// AsyncWriter
	AsyncBufferSize       int
	AsyncFlushInterval    time.Duration
	AsyncMaxEventsBuffer  int
	AsyncFsyncEnabled     bool
	OptimizedPersistence  bool

	Verbose bool
}

// DefaultConfig returns the documented defaults from spec.md §6.
func DefaultConfig() Config {
	return Config{
		FlushEvery:      1,
		MaxBatchSize:    1000,
		FsyncOnAppend:   true,
		MaxLogFileSize:  0,
		EnableChecksums: true,
		BinaryMode:      false,
		DisableIndex:    false,

		DedupPersist: true,

		SnapshotThreshold: 10000,

		GroupCommitFlushInterval: 5 * time.Millisecond,
		GroupCommitMaxBufferSize: 100,
		GroupCommitEnabled:       true,

		AsyncBufferSize:      1 << 20,
		AsyncFlushInterval:   100 * time.Millisecond,
		AsyncMaxEventsBuffer: 1000,
		AsyncFsyncEnabled:    true,
		OptimizedPersistence: false,
	}
}

// FromEnv applies the recognized environment overrides on top of
// DefaultConfig exactly once; call it at process init, not from inside
// hot paths.
func FromEnv() Config {
	cfg := DefaultConfig()

	if v, ok := boolEnv("RS_ENABLE_BINARY"); ok {
		cfg.BinaryMode = v
	}
	if v, ok := boolEnv("RS_DISABLE_INDEX"); ok {
		cfg.DisableIndex = v
	}
	if v, ok := boolEnv("RS_DEDUP_PERSIST"); ok {
		// Strictly opt-out of persistence; in-memory dedup is always
		// consulted regardless of this flag (see DESIGN.md).
		cfg.DedupPersist = v
	}
	if v, ok := int64Env("RS_MAX_LOG_FILE_SIZE"); ok {
		cfg.MaxLogFileSize = v
	}
	if v, ok := boolEnv("RS_OPT_PERSIST"); ok {
		cfg.OptimizedPersistence = v
	}
	if v, ok := intEnv("RS_BUFFER_SIZE"); ok {
		cfg.AsyncBufferSize = v
	}
	if v, ok := intEnv("RS_FLUSH_INTERVAL_MS"); ok {
		cfg.AsyncFlushInterval = time.Duration(v) * time.Millisecond
	}
	if v, ok := intEnv("RS_MAX_EVENTS_BUFFER"); ok {
		cfg.AsyncMaxEventsBuffer = v
	}
	if v, ok := boolEnv("RS_DISABLE_HASH_CHAIN"); ok {
		cfg.DisableHashChain = v
	}
	if v, ok := boolEnv("RS_VERBOSE"); ok {
		cfg.Verbose = v
	}

	return cfg
}

func boolEnv(name string) (bool, bool) {
	raw, present := os.LookupEnv(name)
	if !present {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

func intEnv(name string) (int, bool) {
	raw, present := os.LookupEnv(name)
	if !present {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func int64Env(name string) (int64, bool) {
	raw, present := os.LookupEnv(name)
	if !present {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
