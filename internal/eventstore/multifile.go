package eventstore

import (
	"path/filepath"
	"sync"

	"github.com/lithair/lithair-sub001/internal/snapshot"
	"github.com/lithair/lithair-sub001/pkg/lithair"
)

const globalAggregateID = "global"

// MultiFileEventStore routes envelopes by aggregate_id into distinct
// EventStore instances rooted at <base>/<aggregate_id>/, with
// <base>/global/ for envelopes without an aggregate id. Grounded in
// original_source/lithair-core/src/engine/multi_file_store.rs.
type MultiFileEventStore struct {
	base string
	cfg  lithair.Config

	mu      sync.Mutex
	stores  map[string]*EventStore // aggregate_id -> store; "global" always present
	counts  map[string]uint64      // aggregate_id -> event count, for snapshot threshold checks
	snaps   *snapshot.Store
}

// OpenMultiFile creates or reopens a MultiFileEventStore rooted at base,
// eagerly opening the global store.
func OpenMultiFile(base string, cfg lithair.Config) (*MultiFileEventStore, error) {
	m := &MultiFileEventStore{
		base:   base,
		cfg:    cfg,
		stores: make(map[string]*EventStore),
		counts: make(map[string]uint64),
	}

	global, err := Open(filepath.Join(base, globalAggregateID), cfg)
	if err != nil {
		return nil, err
	}
	m.stores[globalAggregateID] = global

	snaps, err := snapshot.Open(base, cfg)
	if err != nil {
		return nil, err
	}
	m.snaps = snaps

	return m, nil
}

func (m *MultiFileEventStore) storeFor(aggregateID string) (*EventStore, error) {
	key := aggregateID
	if key == "" {
		key = globalAggregateID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if es, ok := m.stores[key]; ok {
		return es, nil
	}

	es, err := Open(filepath.Join(m.base, key), m.cfg)
	if err != nil {
		return nil, err
	}
	m.stores[key] = es
	return es, nil
}

// AppendEnvelope chooses the per-aggregate store lazily (or the global
// store for envelopes with no aggregate id), appends there, and bumps the
// aggregate's event count.
func (m *MultiFileEventStore) AppendEnvelope(env lithair.Envelope) error {
	key := globalAggregateID
	if env.AggregateID != nil && *env.AggregateID != "" {
		key = *env.AggregateID
	}

	es, err := m.storeFor(key)
	if err != nil {
		return err
	}
	if err := es.AppendEnvelope(env); err != nil {
		return err
	}

	m.mu.Lock()
	m.counts[key]++
	m.mu.Unlock()
	return nil
}

// ReadAllEnvelopes returns the union of the global and every per-aggregate
// store, with no cross-store ordering guarantee (per-store order is
// preserved).
func (m *MultiFileEventStore) ReadAllEnvelopes() ([]lithair.Envelope, error) {
	m.mu.Lock()
	stores := make([]*EventStore, 0, len(m.stores))
	for _, es := range m.stores {
		stores = append(stores, es)
	}
	m.mu.Unlock()

	var all []lithair.Envelope
	for _, es := range stores {
		envs, err := es.GetAllEnvelopes()
		if err != nil {
			return nil, err
		}
		all = append(all, envs...)
	}
	return all, nil
}

// ReadAggregateEnvelopes returns in-order events from aggregateID's store
// only (the global store when aggregateID is "").
func (m *MultiFileEventStore) ReadAggregateEnvelopes(aggregateID string) ([]lithair.Envelope, error) {
	key := aggregateID
	if key == "" {
		key = globalAggregateID
	}

	m.mu.Lock()
	es, ok := m.stores[key]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return es.GetAllEnvelopes()
}

// SaveSnapshot delegates to the SnapshotStore with the current event count
// as the watermark.
func (m *MultiFileEventStore) SaveSnapshot(aggregateID string, state string, lastEventID *string) error {
	key := aggregateID
	if key == "" {
		key = globalAggregateID
	}
	m.mu.Lock()
	count := m.counts[key]
	m.mu.Unlock()

	var aggPtr *string
	if aggregateID != "" {
		aggPtr = &aggregateID
	}

	return m.snaps.Save(lithair.Snapshot{
		Metadata: lithair.SnapshotMetadata{
			Version:     1,
			AggregateID: aggPtr,
			EventCount:  count,
			LastEventID: lastEventID,
		},
		State: state,
	})
}

// ReadEventsAfterSnapshot loads the snapshot (if any) for aggregateID and
// returns only envelopes with index >= snapshot.event_count.
func (m *MultiFileEventStore) ReadEventsAfterSnapshot(aggregateID string) (*lithair.Snapshot, []lithair.Envelope, error) {
	snap, found, err := m.snaps.Load(aggregateID)
	if err != nil {
		return nil, nil, err
	}

	envs, err := m.ReadAggregateEnvelopes(aggregateID)
	if err != nil {
		return nil, nil, err
	}

	if !found {
		return nil, envs, nil
	}

	skip := int(snap.Metadata.EventCount)
	if skip > len(envs) {
		skip = len(envs)
	}
	return &snap, envs[skip:], nil
}

// ShouldCreateSnapshot reports whether current_count - snapshot_count >=
// threshold for aggregateID.
func (m *MultiFileEventStore) ShouldCreateSnapshot(aggregateID string) (bool, error) {
	key := aggregateID
	if key == "" {
		key = globalAggregateID
	}

	m.mu.Lock()
	current := m.counts[key]
	m.mu.Unlock()

	snap, found, err := m.snaps.Load(aggregateID)
	if err != nil {
		return false, err
	}
	var snapshotCount uint64
	if found {
		snapshotCount = snap.Metadata.EventCount
	}

	return current-snapshotCount >= m.cfg.SnapshotThreshold, nil
}

// AppendDedupID and LoadDedupIDs are delegated to the global store only —
// dedup is engine-wide, not per-aggregate (spec.md §4.3).
func (m *MultiFileEventStore) AppendDedupID(eventID string) error {
	m.mu.Lock()
	global := m.stores[globalAggregateID]
	m.mu.Unlock()
	return global.SaveDedupID(eventID)
}

func (m *MultiFileEventStore) LoadDedupIDs() ([]string, error) {
	m.mu.Lock()
	global := m.stores[globalAggregateID]
	m.mu.Unlock()
	return global.LoadDedupIDs()
}

// IsDuplicate and SaveDedupID mirror engine.Store's dedup methods, consulting the global
// store's in-memory dedup set regardless of aggregate routing (dedup is
// engine-wide, spec.md §4.3/§4.7).
func (m *MultiFileEventStore) IsDuplicate(eventID string) bool {
	m.mu.Lock()
	global := m.stores[globalAggregateID]
	m.mu.Unlock()
	return global.IsDuplicate(eventID)
}

func (m *MultiFileEventStore) SaveDedupID(eventID string) error {
	return m.AppendDedupID(eventID)
}

// SaveSnapshotSingleFile always returns ErrInvalidOperation: the source sometimes routes load_snapshot/save_snapshot
// only on the single-file backend, but the multi-file store's own
// SaveSnapshot(aggregate_id) is the intended path (spec.md §9). Calling the
// single-file-only method on a multi-file store is API misuse.
func (m *MultiFileEventStore) SaveSnapshotSingleFile(string) error {
	return lithair.Wrap(lithair.ErrInvalidOperation, "save_snapshot(state) is single-file-only; use SaveSnapshot(aggregate_id, state, last_event_id)")
}

// AppendRawLine rejects the legacy single-file append path: multi-file mode
// does not support it (spec.md §9's fourth ambiguous-behavior note).
func (m *MultiFileEventStore) AppendRawLine(string) error {
	return lithair.Wrap(lithair.ErrInvalidOperation, "append_event(raw_json) is not supported in multi-file mode")
}

// Close closes every opened per-aggregate store plus the global store.
func (m *MultiFileEventStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, es := range m.stores {
		if err := es.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
