package lithair

// SnapshotMetadata carries the bookkeeping fields stored alongside a
// snapshot's opaque state string.
type SnapshotMetadata struct {
	Version     int     `json:"version"`
	AggregateID *string `json:"aggregate_id,omitempty"`
	EventCount  uint64  `json:"event_count"`
	LastEventID *string `json:"last_event_id,omitempty"`
	Timestamp   uint64  `json:"timestamp"`
	StateCRC32  string  `json:"state_crc32"`
}

// Snapshot is a materialized copy of state at a given event count, used to
// skip early replay.
type Snapshot struct {
	Metadata SnapshotMetadata `json:"metadata"`
	State    string           `json:"state"`
}

// DefaultSnapshotThreshold is the default number of events between
// snapshots.
const DefaultSnapshotThreshold = 10000

// SnapshotVersion is the current schema version written by this
// implementation.
const SnapshotVersion = 1
