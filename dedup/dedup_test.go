package dedup

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpulse/newswire/errors"
	"github.com/coinpulse/newswire/statestore"
)

func TestAcceptThenDuplicate(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(statestore.NewMemory(), nil)

	status, err := ledger.Accept(ctx, "fp-1", "coindesk")
	require.NoError(t, err)
	assert.Equal(t, Accepted, status)

	status, err = ledger.Accept(ctx, "fp-1", "coindesk")
	require.NoError(t, err)
	assert.Equal(t, Duplicate, status)

	// Same content from a different source is still a duplicate.
	status, err = ledger.Accept(ctx, "fp-1", "cointelegraph")
	require.NoError(t, err)
	assert.Equal(t, Duplicate, status)

	// Different content is independent.
	status, err = ledger.Accept(ctx, "fp-2", "coindesk")
	require.NoError(t, err)
	assert.Equal(t, Accepted, status)
}

func TestAcceptConcurrentExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(statestore.NewMemory(), nil)

	const workers = 32
	var wg sync.WaitGroup
	results := make(chan Status, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := ledger.Accept(ctx, "contended-fp", "src")
			require.NoError(t, err)
			results <- status
		}()
	}
	wg.Wait()
	close(results)

	accepted := 0
	for status := range results {
		if status == Accepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestAdvanceMonotonic(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(statestore.NewMemory(), nil)

	_, err := ledger.Accept(ctx, "fp", "src")
	require.NoError(t, err)

	require.NoError(t, ledger.Advance(ctx, "fp", StageScored))
	mark, err := ledger.Mark(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, StageScored, mark.Stage)

	require.NoError(t, ledger.Advance(ctx, "fp", StagePersisted))

	// A late redelivery trying to regress the mark is a no-op.
	require.NoError(t, ledger.Advance(ctx, "fp", StageScored))
	mark, err = ledger.Mark(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, StagePersisted, mark.Stage)
}

func TestAdvanceIdempotent(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(statestore.NewMemory(), nil)

	_, err := ledger.Accept(ctx, "fp", "src")
	require.NoError(t, err)
	require.NoError(t, ledger.Advance(ctx, "fp", StageScored))
	require.NoError(t, ledger.Advance(ctx, "fp", StageScored))

	mark, err := ledger.Mark(ctx, "fp")
	require.NoError(t, err)
	assert.Equal(t, StageScored, mark.Stage)
}

func TestAdvanceExpiredMarkRecreates(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(statestore.NewMemory(), nil)

	// Mark expired from the ledger before a slow consumer advanced it.
	require.NoError(t, ledger.Advance(ctx, "gone-fp", StagePersisted))

	mark, err := ledger.Mark(ctx, "gone-fp")
	require.NoError(t, err)
	assert.Equal(t, StagePersisted, mark.Stage)
}

func TestMarkMissing(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(statestore.NewMemory(), nil)

	_, err := ledger.Mark(ctx, "never-seen")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "accepted", StageAccepted.String())
	assert.Equal(t, "scored", StageScored.String())
	assert.Equal(t, "persisted", StagePersisted.String())
	assert.Equal(t, "accepted", Accepted.String())
	assert.Equal(t, "duplicate", Duplicate.String())
}
