package multipart

import (
	"fmt"
	"sync"

	"github.com/samber/lo"
)

// Ledger is the index-ordered record of chunk outcomes.
// It is a fixed arena of slots, slot i-1 belonging to chunk i, so concurrent
// completions can never reorder or drop entries.
type Ledger struct {
	mu      sync.Mutex
	entries []ChunkResult
}

// NewLedger creates a ledger with count Pending entries.
func NewLedger(count int) *Ledger {
	entries := make([]ChunkResult, count)
	for i := range entries {
		entries[i] = ChunkResult{Index: i + 1, State: Pending}
	}
	return &Ledger{entries: entries}
}

// Len returns the number of chunks tracked by the ledger.
func (l *Ledger) Len() int {
	return len(l.entries)
}

// Seed marks a chunk as already uploaded, typically from a persisted journal.
func (l *Ledger) Seed(index int, token string) error {
	return l.update(index, func(e *ChunkResult) error {
		if e.State != Pending {
			return fmt.Errorf("%w: seed chunk %d in state %s", ErrIllegalTransition, index, e.State)
		}
		e.State = Succeeded
		e.Token = token
		return nil
	})
}

// Start moves a chunk from Pending or Failed to InFlight.
func (l *Ledger) Start(index int) error {
	return l.update(index, func(e *ChunkResult) error {
		if e.State != Pending && e.State != Failed {
			return fmt.Errorf("%w: start chunk %d in state %s", ErrIllegalTransition, index, e.State)
		}
		e.State = InFlight
		e.Attempts++
		e.Err = nil
		return nil
	})
}

// Succeed records the integrity token of an in-flight chunk.
func (l *Ledger) Succeed(index int, token string) error {
	return l.update(index, func(e *ChunkResult) error {
		if e.State != InFlight {
			return fmt.Errorf("%w: complete chunk %d in state %s", ErrIllegalTransition, index, e.State)
		}
		e.State = Succeeded
		e.Token = token
		e.Err = nil
		return nil
	})
}

// Fail records the failure of an in-flight chunk.
func (l *Ledger) Fail(index int, err error) error {
	return l.update(index, func(e *ChunkResult) error {
		if e.State != InFlight {
			return fmt.Errorf("%w: fail chunk %d in state %s", ErrIllegalTransition, index, e.State)
		}
		e.State = Failed
		e.Err = err
		return nil
	})
}

// Get returns a copy of the entry for index.
func (l *Ledger) Get(index int) (ChunkResult, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 1 || index > len(l.entries) {
		return ChunkResult{}, false
	}
	return l.entries[index-1], true
}

// Snapshot returns a consistent, index-ordered copy of all entries.
func (l *Ledger) Snapshot() []ChunkResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := make([]ChunkResult, len(l.entries))
	copy(snapshot, l.entries)
	return snapshot
}

// Counts returns the number of entries per state.
func (l *Ledger) Counts() map[ChunkState]int {
	return lo.CountValuesBy(l.Snapshot(), func(e ChunkResult) ChunkState {
		return e.State
	})
}

// Complete reports whether every entry succeeded.
func (l *Ledger) Complete() bool {
	return lo.EveryBy(l.Snapshot(), func(e ChunkResult) bool {
		return e.State == Succeeded
	})
}

// Parts returns the index-ordered finalize list. It fails unless every entry succeeded.
func (l *Ledger) Parts() ([]Part, error) {
	snapshot := l.Snapshot()
	if pending, found := lo.Find(snapshot, func(e ChunkResult) bool { return e.State != Succeeded }); found {
		return nil, fmt.Errorf("%w: chunk %d is %s", ErrLedgerIncomplete, pending.Index, pending.State)
	}

	return lo.Map(snapshot, func(e ChunkResult, _ int) Part {
		return Part{PartNumber: e.Index, ETag: e.Token}
	}), nil
}

func (l *Ledger) update(index int, fn func(e *ChunkResult) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 1 || index > len(l.entries) {
		return fmt.Errorf("%w: chunk index %d out of range [1, %d]", ErrInvalidInput, index, len(l.entries))
	}
	return fn(&l.entries[index-1])
}
