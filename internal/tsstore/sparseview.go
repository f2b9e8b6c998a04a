package tsstore

import (
	"fmt"
	"sort"

	"github.com/rickgao/marketsim/internal/simtypes"
)

// SparseView enumerates only the present slots of a TS, built once
// against a snapshot of the TS's mark index so that stepping through
// it costs O(1) per step rather than O(series length). It is the view
// agents read the information channel through.
type SparseView[T any] struct {
	ts  *TS[T]
	idx []simtypes.Timepoint // present timepoints, ascending
	pos int
}

// NewSparseView walks ts's mark index starting at "from" (or the
// beginning, if from is nil) and materializes the ordered list of
// present timepoints. It fails if the result would be empty — an
// empty sparse view has no meaningful cursor.
func NewSparseView[T any](ts *TS[T], from *simtypes.Timepoint) (*SparseView[T], error) {
	if ts.Mode() != MarkPresent {
		return nil, fmt.Errorf("tsstore: sparse view requires a MarkPresent series")
	}
	start := simtypes.Timepoint(0)
	if from != nil {
		start = *from
	}
	idx := ts.MarkedTimepoints(start)
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: no present slots at or after %d", ErrEmpty, start)
	}
	return &SparseView[T]{ts: ts, idx: idx, pos: 0}, nil
}

// Bounds returns the first and last present timepoints this view was
// built over.
func (v *SparseView[T]) Bounds() (simtypes.Timepoint, simtypes.Timepoint) {
	return v.idx[0], v.idx[len(v.idx)-1]
}

// Cursor returns the present timepoint the view is currently
// positioned at.
func (v *SparseView[T]) Cursor() simtypes.Timepoint {
	return v.idx[v.pos]
}

// SeekTo moves the view to tp, which must be one of the present
// timepoints this view was built over.
func (v *SparseView[T]) SeekTo(tp simtypes.Timepoint) error {
	i := sort.Search(len(v.idx), func(i int) bool { return v.idx[i] >= tp })
	if i >= len(v.idx) || v.idx[i] != tp {
		return fmt.Errorf("tsstore: tp=%d is not a present slot in this view", tp)
	}
	v.pos = i
	return nil
}

// Advance moves the view forward by n present slots.
func (v *SparseView[T]) Advance(n int) error {
	next := v.pos + n
	if next < 0 || next >= len(v.idx) {
		return fmt.Errorf("%w: advance(%d) from pos=%d exceeds view bounds", ErrOutOfRange, n, v.pos)
	}
	v.pos = next
	return nil
}

// Reset moves the view back to its first present slot.
func (v *SparseView[T]) Reset() {
	v.pos = 0
}

// Value returns the value at the view's current position.
func (v *SparseView[T]) Value() (T, error) {
	val, present, err := v.ts.At(v.idx[v.pos])
	if err != nil {
		return val, err
	}
	if !present {
		// The underlying slot was deleted out from under this view's
		// snapshot (e.g. DeleteUntil ran past it); this is always a
		// logic error in the caller, not a recoverable condition.
		var zero T
		return zero, fmt.Errorf("tsstore: sparse view's present slot at tp=%d no longer present", v.idx[v.pos])
	}
	return val, nil
}
