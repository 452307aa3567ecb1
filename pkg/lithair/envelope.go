package lithair

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Envelope is the durable record wrapping one logical event with metadata
// and optional hash-chain fields. Fields mirror the data model: event_type,
// event_id, timestamp, payload, aggregate_id, event_hash, previous_hash.
type Envelope struct {
	EventType    string  `json:"event_type"`
	EventID      string  `json:"event_id"`
	Timestamp    uint64  `json:"timestamp"`
	Payload      string  `json:"payload"`
	AggregateID  *string `json:"aggregate_id,omitempty"`
	EventHash    *string `json:"event_hash,omitempty"`
	PreviousHash *string `json:"previous_hash,omitempty"`
}

// IsLegacy reports whether the envelope predates hash-chain activation: both
// hash fields are absent.
func (e *Envelope) IsLegacy() bool {
	return e.EventHash == nil && e.PreviousHash == nil
}

// aggregateIDOrEmpty returns the aggregate id or "" for hashing purposes,
// keeping the hash stable whether the field is nil or an explicit empty
// string was never allowed to be set in the first place.
func (e *Envelope) aggregateIDOrEmpty() string {
	if e.AggregateID == nil {
		return ""
	}
	return *e.AggregateID
}

func previousHashOrEmpty(previousHash *string) string {
	if previousHash == nil {
		return ""
	}
	return *previousHash
}

// ComputeHash deterministically computes the hex SHA-256 over
// event_type ∥ event_id ∥ timestamp ∥ payload ∥ aggregate_id ∥ previous_hash.
func (e *Envelope) ComputeHash(previousHash *string) string {
	var b strings.Builder
	b.WriteString(e.EventType)
	b.WriteString(e.EventID)
	b.WriteString(strconv.FormatUint(e.Timestamp, 10))
	b.WriteString(e.Payload)
	b.WriteString(e.aggregateIDOrEmpty())
	b.WriteString(previousHashOrEmpty(previousHash))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ChainFrom populates EventHash/PreviousHash so this envelope extends the
// chain whose last known hash is previousHash (nil for the genesis link).
func (e *Envelope) ChainFrom(previousHash *string) {
	e.PreviousHash = previousHash
	hash := e.ComputeHash(previousHash)
	e.EventHash = &hash
}

// VerificationResult is the output of EventStore.VerifyChain.
type VerificationResult struct {
	TotalEvents    int              `json:"total_events"`
	VerifiedEvents int              `json:"verified_events"`
	LegacyEvents   int              `json:"legacy_events"`
	IsValid        bool             `json:"is_valid"`
	InvalidHashes  []HashViolation  `json:"invalid_hashes"`
	BrokenLinks    []ChainViolation `json:"broken_links"`
}

// HashViolation records a modern envelope whose recomputed event_hash
// differs from the stored one.
type HashViolation struct {
	EventIndex int    `json:"event_index"`
	Expected   string `json:"expected"`
	Actual     string `json:"actual"`
}

// ChainViolation records a modern envelope whose previous_hash does not
// equal the preceding envelope's event_hash.
type ChainViolation struct {
	EventIndex int    `json:"event_index"`
	Expected   string `json:"expected"`
	Actual     string `json:"actual"`
}
