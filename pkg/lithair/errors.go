// Package lithair defines the public data model and error taxonomy shared by
// every storage and replication component.
package lithair

import (
	"errors"
	"fmt"
)

// Error taxonomy kinds. Components wrap one of these sentinels with
// fmt.Errorf("%w: ...", ErrX) so callers can use errors.Is without matching
// on message text.
var (
	// ErrPersistence covers any filesystem I/O failure, a file shorter than
	// its declared length, or a write that the OS refused.
	ErrPersistence = errors.New("persistence error")

	// ErrSerialization covers JSON/binary decode failure for an envelope,
	// snapshot, or WAL payload.
	ErrSerialization = errors.New("serialization error")

	// ErrDuplicateEvent is returned when apply is attempted with a known
	// event_id. The caller's state is left unchanged.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrUniqueConstraintViolation is returned when an apply would cause a
	// unique field collision with a different key.
	ErrUniqueConstraintViolation = errors.New("unique constraint violation")

	// ErrCorruptedRecord covers CRC mismatch (log record or snapshot outer
	// or inner), a length prefix shorter than the remaining bytes, or a
	// malformed envelope. Detected records are skipped on read and counted.
	ErrCorruptedRecord = errors.New("corrupted record")

	// ErrChainBroken is surfaced only by verify_chain: a modern envelope's
	// previous_hash does not equal its predecessor's event_hash.
	ErrChainBroken = errors.New("hash chain broken")

	// ErrInvalidHash is surfaced only by verify_chain: a modern envelope's
	// recomputed event_hash differs from the stored one.
	ErrInvalidHash = errors.New("invalid envelope hash")

	// ErrInvalidOperation signals API misuse, such as calling a
	// single-file-only method on a multi-file store.
	ErrInvalidOperation = errors.New("invalid operation")
)

// Wrap annotates sentinel with additional context while remaining
// errors.Is-compatible with sentinel.
func Wrap(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
