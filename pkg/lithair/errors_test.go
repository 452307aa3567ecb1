package lithair

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapRemainsErrorsIsCompatible(t *testing.T) {
	err := Wrap(ErrCorruptedRecord, "crc32 mismatch at offset %d", 128)

	assert.ErrorIs(t, err, ErrCorruptedRecord)
	assert.NotErrorIs(t, err, ErrPersistence)
	assert.Contains(t, err.Error(), "128")
}

func TestSentinelsAreDistinct(t *testing.T) {
	sentinels := []error{
		ErrPersistence,
		ErrSerialization,
		ErrDuplicateEvent,
		ErrUniqueConstraintViolation,
		ErrCorruptedRecord,
		ErrChainBroken,
		ErrInvalidHash,
		ErrInvalidOperation,
	}

	for i, a := range sentinels {
		for j, b := range sentinels {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "%v should not be %v", a, b)
		}
	}
}
