// Package engine implements Engine: an in-memory, concurrency-safe
// versioned map over application state with secondary indexes, backed by
// an append-only event log for durability and replay. Grounded in
// original_source/lithair-core/src/engine/scc2_engine.rs (Scc2Engine) and,
// for the Go map/lock shape, the teacher repository's jobmanager.JobManager
// (internal/jobmanager/job_manager.go).
package engine

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lithair/lithair-sub001/pkg/lithair"
)

// migrationEventTypePrefix tags envelopes recorded by ApplyMigration so
// ReplayEvents can recognize and skip them: their payload is a migration
// marker, not a serialized S.
const migrationEventTypePrefix = "migration:"

var log = slog.Default()

// Entity is implemented by application state types that want secondary
// indexes. IndexValues returns the current value of every field the
// caller has registered via Engine.CreateIndex, keyed by field name.
// Types with no indexed fields may return an empty map.
type Entity interface {
	IndexValues() map[string]string
}

// Store is the subset of eventstore.EventStore the engine needs: append envelopes, replay them, and snapshot/truncate.
type Store interface {
	AppendEnvelope(env lithair.Envelope) error
	GetAllEnvelopes() ([]lithair.Envelope, error)
	SaveSnapshot(stateJSON string) error
	LoadSnapshot() (string, bool, error)
	TruncateEvents() error
	IsDuplicate(eventID string) bool
	SaveDedupID(eventID string) error
}

// AsyncAppender is satisfied by asyncwriter.Writer; Engine uses it instead
// of Store when optimized persistence is enabled.
type AsyncAppender interface {
	WriteEvent(eventJSON string)
}

// VersionedEntry wraps application state with the bookkeeping the engine
// needs for optimistic readers and snapshot watermarking.
type VersionedEntry[S any] struct {
	Version     uint64
	LastUpdated int64 // unix millis
	Data        S
}

// Config mirrors Scc2EngineConfig.
type Config struct {
	VerboseLogging            bool
	EnableSnapshots           bool
	SnapshotInterval          uint64
	EnableDeduplication       bool
	AutoPersistWrites         bool
	ForceImmediatePersistence bool
}

// DefaultConfig mirrors Scc2EngineConfig::default().
func DefaultConfig() Config {
	return Config{
		VerboseLogging:            false,
		EnableSnapshots:           true,
		SnapshotInterval:          lithair.DefaultSnapshotThreshold,
		EnableDeduplication:       true,
		AutoPersistWrites:         true,
		ForceImmediatePersistence: false,
	}
}

// Stats are cumulative, atomically updated counters.
type Stats struct {
	Reads     atomic.Uint64
	Writes    atomic.Uint64
	Conflicts atomic.Uint64
}

type secondaryIndex struct {
	fieldName string
	unique    bool

	mu    sync.RWMutex
	index map[string][]string // value -> keys
}

func newSecondaryIndex(fieldName string, unique bool) *secondaryIndex {
	return &secondaryIndex{fieldName: fieldName, unique: unique, index: make(map[string][]string)}
}

func (si *secondaryIndex) add(value, key string) {
	si.mu.Lock()
	defer si.mu.Unlock()
	for _, k := range si.index[value] {
		if k == key {
			return
		}
	}
	si.index[value] = append(si.index[value], key)
}

func (si *secondaryIndex) remove(value, key string) {
	si.mu.Lock()
	defer si.mu.Unlock()
	keys := si.index[value]
	for i, k := range keys {
		if k == key {
			si.index[value] = append(keys[:i], keys[i+1:]...)
			break
		}
	}
	if len(si.index[value]) == 0 {
		delete(si.index, value)
	}
}

func (si *secondaryIndex) get(value string) []string {
	si.mu.RLock()
	defer si.mu.RUnlock()
	out := make([]string, len(si.index[value]))
	copy(out, si.index[value])
	return out
}

// Engine is the versioned-map state machine. S must implement Entity so
// the engine can maintain secondary indexes declared via CreateIndex.
type Engine[S Entity] struct {
	mu    sync.RWMutex
	state map[string]*VersionedEntry[S]

	idxMu   sync.RWMutex
	indexes map[string]*secondaryIndex

	store   Store
	async   AsyncAppender
	cfg     Config
	stats   Stats

	eventCountSinceSnapshot uint64

	// snapshotBaseline is the number of envelopes already reflected in the
	// most recently loaded or taken snapshot. ReplayEvents skips this many
	// leading envelopes instead of reapplying the whole log.
	snapshotBaseline uint64
}

// New creates an Engine backed by store, with no async writer. Use
// SetAsyncAppender to enable optimized persistence afterward.
func New[S Entity](store Store, cfg Config) *Engine[S] {
	return &Engine[S]{
		state:   make(map[string]*VersionedEntry[S]),
		indexes: make(map[string]*secondaryIndex),
		store:   store,
		cfg:     cfg,
	}
}

// SetAsyncAppender routes future ApplyEvent persistence through async
// instead of calling store.AppendEnvelope synchronously.
func (e *Engine[S]) SetAsyncAppender(async AsyncAppender) {
	e.async = async
}

// CreateIndex registers a secondary index on fieldName. When unique is
// true, ApplyEvent rejects writes that would duplicate an existing value
// for a different key.
func (e *Engine[S]) CreateIndex(fieldName string, unique bool) {
	e.idxMu.Lock()
	defer e.idxMu.Unlock()
	e.indexes[fieldName] = newSecondaryIndex(fieldName, unique)
}

// GetIndexedValues returns every key currently indexed under value for
// fieldName.
func (e *Engine[S]) GetIndexedValues(fieldName, value string) ([]string, error) {
	e.idxMu.RLock()
	si, ok := e.indexes[fieldName]
	e.idxMu.RUnlock()
	if !ok {
		return nil, lithair.Wrap(lithair.ErrInvalidOperation, "no index registered for field %q", fieldName)
	}
	return si.get(value), nil
}

// ReplayEvents rebuilds in-memory state from the backing store's event
// log, routing each envelope to its aggregate id (or "global" when absent)
// and unmarshaling its payload directly into the current entry — mirroring
// replay_events's last-write-wins reconstruction. When a snapshot has been
// loaded, the leading envelopes it already reflects are skipped so recovery
// only replays what happened after the snapshot.
func (e *Engine[S]) ReplayEvents() error {
	envs, err := e.store.GetAllEnvelopes()
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	skip := e.snapshotBaseline
	if skip > uint64(len(envs)) {
		skip = uint64(len(envs))
	}
	envs = envs[skip:]

	for _, env := range envs {
		if strings.HasPrefix(env.EventType, migrationEventTypePrefix) {
			continue
		}

		key := "global"
		if env.AggregateID != nil && *env.AggregateID != "" {
			key = *env.AggregateID
		}

		var data S
		if err := json.Unmarshal([]byte(env.Payload), &data); err != nil {
			log.Warn("skipping unreplayable event payload", "event_id", env.EventID, "error", err)
			continue
		}

		entry, existed := e.state[key]
		var oldData *S
		if !existed {
			entry = &VersionedEntry[S]{}
			e.state[key] = entry
		} else {
			old := entry.Data
			oldData = &old
		}
		entry.Data = data
		entry.Version++
		entry.LastUpdated = int64(env.Timestamp) * 1000

		e.updateIndexesLocked(key, entry.Data, oldData)
	}

	return nil
}

// Read invokes fn with the current value for key (or the zero value and
// found=false when absent) and bumps the read counter.
func (e *Engine[S]) Read(key string, fn func(data S, found bool)) {
	e.mu.RLock()
	entry, ok := e.state[key]
	e.mu.RUnlock()

	e.stats.Reads.Add(1)
	if !ok {
		var zero S
		fn(zero, false)
		return
	}
	fn(entry.Data, true)
}

// Write applies fn to key's current value (or the zero value if absent)
// without going through the event log — an in-memory-only mutation used
// for derived/volatile state, mirroring update_entry_volatile.
func (e *Engine[S]) Write(key string, fn func(current S, found bool) S) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, existed := e.state[key]
	var current S
	var oldData *S
	if existed {
		current = entry.Data
		old := current
		oldData = &old
	}

	next := fn(current, existed)

	if !existed {
		entry = &VersionedEntry[S]{}
		e.state[key] = entry
	}
	entry.Data = next
	entry.Version++
	entry.LastUpdated = time.Now().UnixMilli()

	e.updateIndexesLocked(key, next, oldData)
	e.stats.Writes.Add(1)
}

// CheckUniqueness verifies that candidate, taken as the new value for key,
// does not collide with another key under any unique index, without
// committing the change.
func (e *Engine[S]) CheckUniqueness(key string, candidate S) error {
	e.idxMu.RLock()
	defer e.idxMu.RUnlock()

	for fieldName, si := range e.indexes {
		if !si.unique {
			continue
		}
		value, ok := candidate.IndexValues()[fieldName]
		if !ok || value == "" {
			continue
		}
		for _, existingKey := range si.get(value) {
			if existingKey != key {
				return lithair.Wrap(lithair.ErrUniqueConstraintViolation, "field %q value %q already used by key %q", fieldName, value, existingKey)
			}
		}
	}
	return nil
}

// ApplyEvent is the durable write path: it checks the dedup set and
// uniqueness indexes, appends an envelope to the backing store (or the
// async writer, when configured), commits the new value to the in-memory
// map, and maintains indexes. eventID is the caller's idempotence key;
// when empty, one is generated and the write is never treated as a
// duplicate. persist controls whether this apply is durable at all
// (mirrors apply_event(key, event, persist) in spec.md §4.6) — false is
// used for applies already durable via replay or WAL recovery.
func (e *Engine[S]) ApplyEvent(key, eventType string, data S, aggregateID *string, eventID string, persist bool) error {
	if eventID == "" {
		eventID = uuid.NewString()
	} else if e.cfg.EnableDeduplication && e.store.IsDuplicate(eventID) {
		return lithair.Wrap(lithair.ErrDuplicateEvent, "event_id=%s", eventID)
	}

	if err := e.CheckUniqueness(key, data); err != nil {
		e.stats.Conflicts.Add(1)
		return err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return lithair.Wrap(lithair.ErrSerialization, "marshal event payload: %v", err)
	}

	env := lithair.Envelope{
		EventType:   eventType,
		EventID:     eventID,
		Timestamp:   uint64(time.Now().Unix()),
		Payload:     string(payload),
		AggregateID: aggregateID,
	}

	if persist && e.cfg.AutoPersistWrites {
		if e.async != nil {
			envJSON, merr := json.Marshal(env)
			if merr != nil {
				return lithair.Wrap(lithair.ErrSerialization, "marshal envelope: %v", merr)
			}
			// The async writer appends raw bytes directly and never
			// consults EventStore's dedup bookkeeping, so mark the id
			// seen here instead.
			if err := e.store.SaveDedupID(eventID); err != nil {
				return err
			}
			e.async.WriteEvent(string(envJSON))
		} else if err := e.store.AppendEnvelope(env); err != nil {
			return err
		}
	}

	e.mu.Lock()
	entry, existed := e.state[key]
	var oldData *S
	if !existed {
		entry = &VersionedEntry[S]{}
		e.state[key] = entry
	} else {
		old := entry.Data
		oldData = &old
	}
	entry.Data = data
	entry.Version++
	entry.LastUpdated = int64(env.Timestamp) * 1000
	e.updateIndexesLocked(key, data, oldData)
	e.mu.Unlock()

	e.stats.Writes.Add(1)
	e.eventCountSinceSnapshot++
	return nil
}

// ApplyMigration records a schema migration marker in the durable log
// without touching in-memory state; like any appended envelope, its
// generated event id is marked seen in the dedup set. kind identifies the
// migration step ("begin" | "step" | "commit" | "rollback", mirroring
// wal.Operation's MigrationKind); payload is marshaled to JSON as-is.
// This realizes spec.md §1's non-goal boundary precisely: only the
// recording (and inert replay skip) of migration markers is implemented,
// no version-negotiation or orchestration logic.
func (e *Engine[S]) ApplyMigration(kind string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return lithair.Wrap(lithair.ErrSerialization, "marshal migration payload: %v", err)
	}

	env := lithair.Envelope{
		EventType: migrationEventTypePrefix + kind,
		EventID:   uuid.NewString(),
		Timestamp: uint64(time.Now().Unix()),
		Payload:   string(data),
	}

	if e.async != nil {
		envJSON, merr := json.Marshal(env)
		if merr != nil {
			return lithair.Wrap(lithair.ErrSerialization, "marshal migration envelope: %v", merr)
		}
		if err := e.store.SaveDedupID(env.EventID); err != nil {
			return err
		}
		e.async.WriteEvent(string(envJSON))
		e.eventCountSinceSnapshot++
		return nil
	}
	if err := e.store.AppendEnvelope(env); err != nil {
		return err
	}
	e.eventCountSinceSnapshot++
	return nil
}

// updateIndexesLocked refreshes every registered index for key's new value,
// removing any stale entry left behind when an indexed field's value
// changed or disappeared. old is nil when key had no previous entry.
// Callers must hold e.mu.
func (e *Engine[S]) updateIndexesLocked(key string, data S, old *S) {
	e.idxMu.RLock()
	defer e.idxMu.RUnlock()
	if len(e.indexes) == 0 {
		return
	}

	values := data.IndexValues()
	var oldValues map[string]string
	if old != nil {
		oldValues = (*old).IndexValues()
	}

	for fieldName, si := range e.indexes {
		newValue, hasNew := values[fieldName]
		oldValue, hasOld := oldValues[fieldName]

		if hasOld && (!hasNew || oldValue != newValue) {
			si.remove(oldValue, key)
		}
		if hasNew {
			si.add(newValue, key)
		}
	}
}

// ShouldSnapshot reports whether enough events have accumulated since the
// last snapshot to justify taking a new one.
func (e *Engine[S]) ShouldSnapshot() bool {
	if !e.cfg.EnableSnapshots {
		return false
	}
	return e.eventCountSinceSnapshot >= e.cfg.SnapshotInterval
}

// snapshotPayload is the engine's own opaque wrapper around the state map
// it hands to Store.SaveSnapshot/LoadSnapshot as a raw JSON string. EventCount
// is the watermark: the number of leading envelopes in the full log that
// this snapshot already reflects, letting ReplayEvents skip them.
type snapshotPayload[S any] struct {
	EventCount uint64       `json:"event_count"`
	State      map[string]S `json:"state"`
}

// Snapshot materializes the entire state map to JSON and persists it via
// the backing store along with the current event-count watermark, then
// resets the since-snapshot event counter.
func (e *Engine[S]) Snapshot() error {
	e.mu.RLock()
	flat := make(map[string]S, len(e.state))
	for k, v := range e.state {
		flat[k] = v.Data
	}
	e.mu.RUnlock()

	newBaseline := e.snapshotBaseline + e.eventCountSinceSnapshot

	payload := snapshotPayload[S]{EventCount: newBaseline, State: flat}
	data, err := json.Marshal(payload)
	if err != nil {
		return lithair.Wrap(lithair.ErrSerialization, "marshal snapshot state: %v", err)
	}

	if err := e.store.SaveSnapshot(string(data)); err != nil {
		return err
	}
	e.snapshotBaseline = newBaseline
	e.eventCountSinceSnapshot = 0
	return nil
}

// LoadSnapshot restores state from the backing store's latest snapshot,
// if any, returning found=false when none exists. It also restores the
// event-count watermark so a subsequent ReplayEvents skips envelopes this
// snapshot already reflects.
func (e *Engine[S]) LoadSnapshot() (found bool, err error) {
	stateJSON, found, err := e.store.LoadSnapshot()
	if err != nil || !found {
		return found, err
	}

	var payload snapshotPayload[S]
	if err := json.Unmarshal([]byte(stateJSON), &payload); err != nil {
		return false, lithair.Wrap(lithair.ErrCorruptedRecord, "unmarshal snapshot state: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UnixMilli()
	for k, v := range payload.State {
		entry := &VersionedEntry[S]{Version: 1, LastUpdated: now, Data: v}
		e.state[k] = entry
		e.updateIndexesLocked(k, v, nil)
	}
	e.snapshotBaseline = payload.EventCount
	return true, nil
}

// TruncateLog removes the underlying event log, typically called right
// after a successful Snapshot.
func (e *Engine[S]) TruncateLog() error {
	return e.store.TruncateEvents()
}

// Stats returns a point-in-time copy of the cumulative counters.
func (e *Engine[S]) Stats() (reads, writes, conflicts uint64) {
	return e.stats.Reads.Load(), e.stats.Writes.Load(), e.stats.Conflicts.Load()
}

// Len returns the number of keys currently held in memory.
func (e *Engine[S]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.state)
}

// Keys returns a snapshot of every key currently held in memory.
func (e *Engine[S]) Keys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]string, 0, len(e.state))
	for k := range e.state {
		keys = append(keys, k)
	}
	return keys
}
