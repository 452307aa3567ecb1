// Package eventstore implements EventStore (single-file, envelope-aware)
// and MultiFileEventStore (aggregate-sharded routing on top of it),
// grounded in original_source/lithair-core/src/engine/events.rs and
// multi_file_store.rs.
package eventstore

import (
	"encoding/json"
	"sync"

	"github.com/lithair/lithair-sub001/internal/metrics"
	"github.com/lithair/lithair-sub001/internal/storage"
	"github.com/lithair/lithair-sub001/pkg/lithair"
)

// EventStore wraps one FileStorage, applying envelope encoding, the
// byte-offset index, and the dedup id file.
type EventStore struct {
	fs  *storage.FileStorage
	cfg lithair.Config

	mu           sync.RWMutex
	lastHash     *string
	dedupSeen    map[string]struct{}
	dedupSeenMu  sync.Mutex

	metrics *metrics.Collector
}

// SetMetrics attaches a Collector so AppendEnvelope records append,
// corruption, and duplicate counters. Passing nil disables recording
// (the default).
func (es *EventStore) SetMetrics(m *metrics.Collector) {
	es.metrics = m
}

// Open opens (or creates) an EventStore rooted at dir.
func Open(dir string, cfg lithair.Config) (*EventStore, error) {
	fs, err := storage.Open(dir, cfg)
	if err != nil {
		return nil, err
	}
	es := &EventStore{fs: fs, cfg: cfg, dedupSeen: make(map[string]struct{})}

	ids, err := fs.LoadDedupIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		es.dedupSeen[id] = struct{}{}
	}

	lastEnv, ok, err := es.lastEnvelope()
	if err != nil {
		return nil, err
	}
	if ok && lastEnv.EventHash != nil {
		es.lastHash = lastEnv.EventHash
	}

	return es, nil
}

// FileStorage exposes the underlying FileStorage for components (WAL
// recovery, CLI tooling) that need direct access.
func (es *EventStore) FileStorage() *storage.FileStorage { return es.fs }

// Dir returns the directory this store owns.
func (es *EventStore) Dir() string { return es.fs.Dir() }

// AppendEnvelope serializes env (applying hash chaining unless disabled),
// appends it through FileStorage, and indexes it by aggregate id when
// present.
func (es *EventStore) AppendEnvelope(env lithair.Envelope) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	if _, known := es.seenLocked(env.EventID); known {
		if es.metrics != nil {
			es.metrics.RecordDuplicate()
		}
		return lithair.Wrap(lithair.ErrDuplicateEvent, "event_id=%s", env.EventID)
	}

	if !es.cfg.DisableHashChain && env.EventHash == nil {
		env.ChainFrom(es.lastHash)
	}

	var offset int64
	hasAggregate := env.AggregateID != nil && *env.AggregateID != ""
	if hasAggregate && !es.cfg.DisableIndex {
		offset = es.fs.CurrentOffset()
	}

	if es.cfg.BinaryMode {
		data, err := encodeBinary(env)
		if err != nil {
			return lithair.Wrap(lithair.ErrSerialization, "encode envelope: %v", err)
		}
		if err := es.fs.AppendBinaryEventBytes(data); err != nil {
			return err
		}
	} else {
		payload, err := json.Marshal(env)
		if err != nil {
			return lithair.Wrap(lithair.ErrSerialization, "marshal envelope: %v", err)
		}
		line := string(payload)
		if es.cfg.EnableChecksums {
			line = lithair.FormatWithCRC32(payload)
		}
		if err := es.fs.AppendEvent(line); err != nil {
			return err
		}
	}

	if hasAggregate && !es.cfg.DisableIndex {
		if err := es.fs.AppendIndexEntry(*env.AggregateID, offset); err != nil {
			return err
		}
	}

	if env.EventHash != nil {
		h := *env.EventHash
		es.lastHash = &h
	}

	es.markSeenLocked(env.EventID)
	if es.cfg.DedupPersist {
		if err := es.fs.AppendDedupID(env.EventID, es.cfg.FsyncOnAppend); err != nil {
			return err
		}
	}

	if es.metrics != nil {
		es.metrics.RecordAppend()
	}

	return nil
}

func (es *EventStore) seenLocked(eventID string) (struct{}, bool) {
	es.dedupSeenMu.Lock()
	defer es.dedupSeenMu.Unlock()
	v, ok := es.dedupSeen[eventID]
	return v, ok
}

func (es *EventStore) markSeenLocked(eventID string) {
	es.dedupSeenMu.Lock()
	es.dedupSeen[eventID] = struct{}{}
	es.dedupSeenMu.Unlock()
}

// IsDuplicate reports whether eventID has already been applied, consulting
// the in-memory set regardless of DedupPersist (spec.md §9: the env
// variable gates persistence only, never in-memory checking).
func (es *EventStore) IsDuplicate(eventID string) bool {
	es.dedupSeenMu.Lock()
	defer es.dedupSeenMu.Unlock()
	_, ok := es.dedupSeen[eventID]
	return ok
}

// ReadIndexOffsets returns all offsets recorded for aggregateID in write
// order.
func (es *EventStore) ReadIndexOffsets(aggregateID string) ([]int64, error) {
	return es.fs.ReadIndexOffsets(aggregateID)
}

// SaveDedupID explicitly appends one id to the dedup file (used by callers
// bypassing AppendEnvelope, e.g. replay paths re-marking ids).
func (es *EventStore) SaveDedupID(eventID string) error {
	es.markSeenLocked(eventID)
	if !es.cfg.DedupPersist {
		return nil
	}
	return es.fs.AppendDedupID(eventID, es.cfg.FsyncOnAppend)
}

// LoadDedupIDs returns every event_id persisted to disk so far.
func (es *EventStore) LoadDedupIDs() ([]string, error) {
	return es.fs.LoadDedupIDs()
}

// SaveSnapshot is the single-file convenience path; multi-file stores must
// route snapshots through SnapshotStore instead (spec.md §9).
func (es *EventStore) SaveSnapshot(stateJSON string) error {
	return es.fs.SaveSnapshot(stateJSON)
}

// LoadSnapshot is the single-file convenience path's counterpart to
// SaveSnapshot.
func (es *EventStore) LoadSnapshot() (string, bool, error) {
	return es.fs.LoadSnapshotRaw()
}

// GetAllEnvelopes parses every surviving record (text or binary) into an
// Envelope, in write order.
func (es *EventStore) GetAllEnvelopes() ([]lithair.Envelope, error) {
	if es.cfg.BinaryMode {
		frames, err := es.fs.ReadAllEventBytes()
		if err != nil {
			return nil, err
		}
		envs := make([]lithair.Envelope, 0, len(frames))
		for _, f := range frames {
			env, err := decodeBinary(f)
			if err != nil {
				if es.metrics != nil {
					es.metrics.RecordCorrupted()
				}
				continue
			}
			envs = append(envs, env)
		}
		return envs, nil
	}

	lines, err := es.fs.ReadAllEvents()
	if err != nil {
		return nil, err
	}
	envs := make([]lithair.Envelope, 0, len(lines))
	for _, line := range lines {
		var env lithair.Envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			if es.metrics != nil {
				es.metrics.RecordCorrupted()
			}
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (es *EventStore) lastEnvelope() (lithair.Envelope, bool, error) {
	envs, err := es.GetAllEnvelopes()
	if err != nil {
		return lithair.Envelope{}, false, err
	}
	if len(envs) == 0 {
		return lithair.Envelope{}, false, nil
	}
	return envs[len(envs)-1], true, nil
}

// GetLastEventHash returns the event_hash of the most recently appended
// modern envelope, or nil if the chain is empty or entirely legacy.
func (es *EventStore) GetLastEventHash() *string {
	es.mu.RLock()
	defer es.mu.RUnlock()
	return es.lastHash
}

// VerifyChain walks every envelope in order and reports hash/link
// violations without mutating anything.
func (es *EventStore) VerifyChain() (lithair.VerificationResult, error) {
	envs, err := es.GetAllEnvelopes()
	if err != nil {
		return lithair.VerificationResult{}, err
	}

	result := lithair.VerificationResult{TotalEvents: len(envs), IsValid: true}
	var previousHash *string

	for i, env := range envs {
		if env.IsLegacy() {
			result.LegacyEvents++
			previousHash = nil
			continue
		}

		expectedHash := env.ComputeHash(env.PreviousHash)
		if env.EventHash == nil || *env.EventHash != expectedHash {
			actual := ""
			if env.EventHash != nil {
				actual = *env.EventHash
			}
			result.InvalidHashes = append(result.InvalidHashes, lithair.HashViolation{
				EventIndex: i,
				Expected:   expectedHash,
				Actual:     actual,
			})
			result.IsValid = false
		} else {
			result.VerifiedEvents++
		}

		if previousHash != nil {
			want := *previousHash
			got := ""
			if env.PreviousHash != nil {
				got = *env.PreviousHash
			}
			if got != want {
				result.BrokenLinks = append(result.BrokenLinks, lithair.ChainViolation{
					EventIndex: i,
					Expected:   want,
					Actual:     got,
				})
				result.IsValid = false
			}
		}

		h := env.EventHash
		if h != nil {
			previousHash = h
		}
	}

	return result, nil
}

// TruncateEvents delegates to FileStorage; intended to be called only
// after a successful snapshot.
func (es *EventStore) TruncateEvents() error {
	return es.fs.TruncateEvents()
}

// Close releases the underlying FileStorage.
func (es *EventStore) Close() error {
	return es.fs.Close()
}
