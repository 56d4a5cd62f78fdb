package multipart

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_Transitions(t *testing.T) {
	ledger := NewLedger(2)

	require.NoError(t, ledger.Start(1))
	require.NoError(t, ledger.Fail(1, errors.New("boom")))
	require.NoError(t, ledger.Start(1))
	require.NoError(t, ledger.Succeed(1, `"etag-1"`))

	entry, ok := ledger.Get(1)
	require.True(t, ok)
	assert.Equal(t, Succeeded, entry.State)
	assert.Equal(t, 2, entry.Attempts)
	assert.Equal(t, `"etag-1"`, entry.Token)
	assert.NoError(t, entry.Err)

	assert.ErrorIs(t, ledger.Start(1), ErrIllegalTransition, "succeeded is terminal")
	assert.ErrorIs(t, ledger.Succeed(2, "x"), ErrIllegalTransition, "pending cannot succeed without starting")
	assert.ErrorIs(t, ledger.Fail(2, errors.New("boom")), ErrIllegalTransition)
	assert.ErrorIs(t, ledger.Start(3), ErrInvalidInput)
	assert.ErrorIs(t, ledger.Start(0), ErrInvalidInput)

	assert.Equal(t, map[ChunkState]int{Succeeded: 1, Pending: 1}, ledger.Counts())
}

func TestLedger_PartsRequiresCompletion(t *testing.T) {
	ledger := NewLedger(3)
	require.NoError(t, ledger.Seed(1, "a"))
	require.NoError(t, ledger.Start(2))
	require.NoError(t, ledger.Succeed(2, "b"))

	assert.False(t, ledger.Complete())
	_, err := ledger.Parts()
	assert.ErrorIs(t, err, ErrLedgerIncomplete)

	require.NoError(t, ledger.Start(3))
	require.NoError(t, ledger.Fail(3, errors.New("boom")))
	_, err = ledger.Parts()
	assert.ErrorIs(t, err, ErrLedgerIncomplete)

	require.NoError(t, ledger.Start(3))
	require.NoError(t, ledger.Succeed(3, "c"))
	assert.True(t, ledger.Complete())

	parts, err := ledger.Parts()
	require.NoError(t, err)
	assert.Equal(t, []Part{{1, "a"}, {2, "b"}, {3, "c"}}, parts)

	assert.ErrorIs(t, ledger.Seed(3, "d"), ErrIllegalTransition)
}

func TestLedger_ConcurrentOutOfOrderCompletion(t *testing.T) {
	const count = 200
	ledger := NewLedger(count)

	order := rand.Perm(count)
	var wg sync.WaitGroup
	for _, i := range order {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			if err := ledger.Start(index); err != nil {
				t.Errorf("Start(%d): %v", index, err)
				return
			}
			if err := ledger.Succeed(index, fmt.Sprintf("etag-%d", index)); err != nil {
				t.Errorf("Succeed(%d): %v", index, err)
			}
		}(i + 1)
	}
	wg.Wait()

	parts, err := ledger.Parts()
	require.NoError(t, err)
	require.Len(t, parts, count)
	for i, part := range parts {
		assert.Equal(t, i+1, part.PartNumber)
		assert.Equal(t, fmt.Sprintf("etag-%d", i+1), part.ETag)
	}
}
