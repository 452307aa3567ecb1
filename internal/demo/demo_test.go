package demo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lithair/lithair-sub001/internal/config"
	"github.com/lithair/lithair-sub001/pkg/lithair"
)

func TestOpenAccountDepositWithdraw(t *testing.T) {
	cfg := config.Default()
	l, err := Open(&cfg, t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.OpenAccount("acc-1", "a@example.com"))
	require.NoError(t, l.Deposit("acc-1", 100))
	require.NoError(t, l.Withdraw("acc-1", 40))

	balance, found := l.Balance("acc-1")
	require.True(t, found)
	assert.Equal(t, int64(60), balance)
}

func TestWithdrawRejectsOverdraft(t *testing.T) {
	cfg := config.Default()
	l, err := Open(&cfg, t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.OpenAccount("acc-1", "a@example.com"))
	require.NoError(t, l.Deposit("acc-1", 10))

	err = l.Withdraw("acc-1", 100)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient balance")
}

func TestOpenAccountRejectsDuplicateEmail(t *testing.T) {
	cfg := config.Default()
	l, err := Open(&cfg, t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.OpenAccount("acc-1", "dup@example.com"))
	err = l.OpenAccount("acc-2", "dup@example.com")
	assert.Error(t, err)
}

func TestDepositOnMissingAccountFails(t *testing.T) {
	cfg := config.Default()
	l, err := Open(&cfg, t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	err = l.Deposit("never-opened", 10)
	assert.Error(t, err)
}

func TestVerifyIntegrityAfterMutations(t *testing.T) {
	cfg := config.Default()
	l, err := Open(&cfg, t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.OpenAccount("acc-1", "a@example.com"))
	require.NoError(t, l.Deposit("acc-1", 5))

	valid, total, err := l.VerifyIntegrity()
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, 2, total)
}

func TestSimulateCrashRecoveryPreservesBalance(t *testing.T) {
	cfg := config.Default()
	dir := t.TempDir()

	before, after, elapsed, err := SimulateCrashRecovery(&cfg, dir)
	require.NoError(t, err)
	assert.Equal(t, int64(100), before)
	assert.Equal(t, before, after)
	assert.GreaterOrEqual(t, elapsed.Nanoseconds(), int64(0))
}

func TestDepositIdempotentAppliesOnceAcrossRepeats(t *testing.T) {
	cfg := config.Default()
	l, err := Open(&cfg, t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.OpenAccount("acc-1", "a@example.com"))

	require.NoError(t, l.DepositIdempotent("acc-1", 100, "dep-x"))
	err = l.DepositIdempotent("acc-1", 100, "dep-x")
	assert.ErrorIs(t, err, lithair.ErrDuplicateEvent)
	err = l.DepositIdempotent("acc-1", 100, "dep-x")
	assert.ErrorIs(t, err, lithair.ErrDuplicateEvent)

	balance, found := l.Balance("acc-1")
	require.True(t, found)
	assert.Equal(t, int64(100), balance, "only the first apply of dep-x should have mutated the balance")
}

func TestDepositIdempotentSurvivesRestart(t *testing.T) {
	cfg := config.Default()
	dir := t.TempDir()

	l1, err := Open(&cfg, dir)
	require.NoError(t, err)
	require.NoError(t, l1.OpenAccount("acc-1", "a@example.com"))
	require.NoError(t, l1.DepositIdempotent("acc-1", 100, "dep-x"))
	require.NoError(t, l1.Close())

	l2, err := Open(&cfg, dir)
	require.NoError(t, err)
	defer l2.Close()

	err = l2.DepositIdempotent("acc-1", 100, "dep-x")
	assert.ErrorIs(t, err, lithair.ErrDuplicateEvent)

	balance, found := l2.Balance("acc-1")
	require.True(t, found)
	assert.Equal(t, int64(100), balance)
}

func TestStatsTrackEngineActivity(t *testing.T) {
	cfg := config.Default()
	l, err := Open(&cfg, t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.OpenAccount("acc-1", "a@example.com"))
	_, _ = l.Balance("acc-1")

	reads, writes, _ := l.Stats()
	assert.Equal(t, uint64(1), reads)
	assert.Equal(t, uint64(1), writes)
}
