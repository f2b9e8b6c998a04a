package tsstore

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rickgao/marketsim/internal/simtypes"
)

// ErrOutOfRange is returned by At when the requested timepoint falls
// outside [FirstTP, Cursor], and by ReplaceAt and DeleteUntil when tp
// fails their own range checks.
var ErrOutOfRange = errors.New("tsstore: timepoint out of range")

// ErrSlotOccupied is returned by AppendAt when tp is not strictly
// ahead of the current cursor.
var ErrSlotOccupied = errors.New("tsstore: append_at target is not ahead of cursor")

// ErrEmpty is returned by operations that require at least one slot.
var ErrEmpty = errors.New("tsstore: time series is empty")

// MarkMode selects which side of the present/absent partition a TS
// tracks explicitly, so that a sparse reader walks only the rare side
// instead of scanning the whole series.
type MarkMode int

const (
	// MarkPresent tracks present timepoints explicitly; absence is the
	// common case (e.g. information history).
	MarkPresent MarkMode = iota
	// MarkAbsent tracks absent timepoints explicitly; presence is the
	// common case (e.g. price and action history, which are almost
	// never absent).
	MarkAbsent
)

// TS is an append-only sequence indexed by a contiguous half-open
// range of simtypes.Timepoint. Each slot is either present (holds a
// T) or absent. Appends only grow the high end; DeleteUntil only
// shrinks the low end.
type TS[T any] struct {
	mu sync.RWMutex

	mode MarkMode

	firstTP simtypes.Timepoint
	// length is the number of slots starting at firstTP. The series is
	// empty iff length == 0.
	length uint64

	values  []T
	present []bool

	// markIndex holds, in ascending order, the timepoints on the
	// tracked side of the present/absent partition (see mode). It lets
	// a SparseView over a MarkPresent series materialize its ordered
	// index in time proportional to the number of present slots
	// instead of the series length.
	markIndex []simtypes.Timepoint
}

// New creates an empty TS starting at timepoint 0.
func New[T any](mode MarkMode) *TS[T] {
	return &TS[T]{mode: mode}
}

// FirstTP returns the lowest retained timepoint.
func (t *TS[T]) FirstTP() simtypes.Timepoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.firstTP
}

// Cursor returns the highest written timepoint and true, or
// (0, false) if the series is empty.
func (t *TS[T]) Cursor() (simtypes.Timepoint, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cursorLocked()
}

func (t *TS[T]) cursorLocked() (simtypes.Timepoint, bool) {
	if t.length == 0 {
		return 0, false
	}
	return t.firstTP + simtypes.Timepoint(t.length-1), true
}

// Len returns the number of slots currently retained (present and
// absent together).
func (t *TS[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int(t.length)
}

// Mode reports the TS's mark mode.
func (t *TS[T]) Mode() MarkMode {
	return t.mode
}

// Append stores x at the current cursor and advances the cursor by
// one, returning the timepoint it was written to.
func (t *TS[T]) Append(x T) simtypes.Timepoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.appendLocked(x, true)
}

// Skip appends n absent slots.
func (t *TS[T]) Skip(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	for i := uint64(0); i < n; i++ {
		t.appendLocked(zero, false)
	}
}

// AppendAt pads with absent slots up to tp (exclusive) and then
// appends x at tp as present. It fails if tp is not strictly ahead of
// the current cursor — an already-populated or past slot is never
// overwritten.
func (t *TS[T]) AppendAt(x T, tp simtypes.Timepoint) error {
	return t.appendAt(x, tp, true)
}

// SkipTo pads with absent slots up to and including tp. It fails
// under the same condition as AppendAt. Callers use it when a
// timepoint is known to be absent but the gap since the last write
// may span several timepoints, e.g. an agent that was not scheduled
// on intervening ticks.
func (t *TS[T]) SkipTo(tp simtypes.Timepoint) error {
	var zero T
	return t.appendAt(zero, tp, false)
}

func (t *TS[T]) appendAt(x T, tp simtypes.Timepoint, present bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.length == 0 {
		if tp < t.firstTP {
			return ErrSlotOccupied
		}
		t.firstTP = tp
		t.appendLocked(x, present)
		return nil
	}

	cur, _ := t.cursorLocked()
	if tp <= cur {
		return ErrSlotOccupied
	}
	gap := tp.Sub(cur) - 1
	var zero T
	for i := uint64(0); i < gap; i++ {
		t.appendLocked(zero, false)
	}
	t.appendLocked(x, present)
	return nil
}

func (t *TS[T]) appendLocked(x T, isPresent bool) simtypes.Timepoint {
	tp := t.firstTP + simtypes.Timepoint(t.length)
	t.values = append(t.values, x)
	t.present = append(t.present, isPresent)
	t.length++

	tracked := (t.mode == MarkPresent && isPresent) || (t.mode == MarkAbsent && !isPresent)
	if tracked {
		t.markIndex = append(t.markIndex, tp)
	}
	return tp
}

// At returns the value at tp and whether the slot is present. It
// fails with ErrOutOfRange if tp is outside [FirstTP, Cursor].
func (t *TS[T]) At(tp simtypes.Timepoint) (T, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var zero T
	if t.length == 0 {
		return zero, false, fmt.Errorf("%w: series is empty", ErrOutOfRange)
	}
	if tp < t.firstTP {
		return zero, false, fmt.Errorf("%w: tp=%d < first_tp=%d", ErrOutOfRange, tp, t.firstTP)
	}
	idx := tp.Sub(t.firstTP)
	if idx >= t.length {
		return zero, false, fmt.Errorf("%w: tp=%d > cursor", ErrOutOfRange, tp)
	}
	return t.values[idx], t.present[idx], nil
}

// ReplaceAt overwrites the value at the current cursor in place,
// without changing the cursor or present state. It requires tp to
// equal the cursor and that slot to be present — callers use it to
// merge a second write into an already-present slot at the same
// timepoint rather than creating a new one.
func (t *TS[T]) ReplaceAt(tp simtypes.Timepoint, x T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.cursorLocked()
	if !ok || tp != cur {
		return fmt.Errorf("%w: replace_at requires tp=%d to equal cursor", ErrOutOfRange, tp)
	}
	idx := tp.Sub(t.firstTP)
	if !t.present[idx] {
		return fmt.Errorf("tsstore: replace_at on an absent slot at tp=%d", tp)
	}
	t.values[idx] = x
	return nil
}

// Pop removes and returns the value at the current cursor, shrinking
// the series by one. The removed timepoint becomes absent to anyone
// still holding its index; it is simply gone from the retained range.
func (t *TS[T]) Pop() (T, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	if t.length == 0 {
		return zero, false, ErrEmpty
	}
	lastIdx := t.length - 1
	cur := t.firstTP + simtypes.Timepoint(lastIdx)
	v, present := t.values[lastIdx], t.present[lastIdx]

	t.values = t.values[:lastIdx]
	t.present = t.present[:lastIdx]
	t.length--

	if len(t.markIndex) > 0 && t.markIndex[len(t.markIndex)-1] == cur {
		t.markIndex = t.markIndex[:len(t.markIndex)-1]
	}
	return v, present, nil
}

// DeleteUntil drops every slot with index < tp, advancing FirstTP to
// tp. tp may be anywhere in [FirstTP, Cursor+1]; deleting past the
// cursor empties the series while preserving FirstTP at tp.
func (t *TS[T]) DeleteUntil(tp simtypes.Timepoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tp < t.firstTP {
		return nil
	}
	cur, ok := t.cursorLocked()
	var drop uint64
	if !ok {
		// already empty; just move firstTP forward.
		t.firstTP = tp
		return nil
	}
	if tp > cur+1 {
		return fmt.Errorf("%w: delete_until tp=%d beyond cursor+1=%d", ErrOutOfRange, tp, cur+1)
	}
	drop = tp.Sub(t.firstTP)

	t.values = append([]T(nil), t.values[drop:]...)
	t.present = append([]bool(nil), t.present[drop:]...)
	t.length -= drop
	t.firstTP = tp

	cut := sort.Search(len(t.markIndex), func(i int) bool { return t.markIndex[i] >= tp })
	t.markIndex = append([]simtypes.Timepoint(nil), t.markIndex[cut:]...)
	return nil
}

// Clear empties the TS but leaves FirstTP untouched, so a fresh
// Append resumes numbering at FirstTP itself rather than at 0 — it
// does not preserve the old cursor position, so the next Append
// lands at FirstTP even if the series had advanced well past it
// before clearing.
func (t *TS[T]) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.values = nil
	t.present = nil
	t.markIndex = nil
	t.length = 0
}

// MarkedTimepoints returns a copy of the tracked side of the
// present/absent partition (present timepoints in MarkPresent mode,
// absent timepoints in MarkAbsent mode), in ascending order, optionally
// restricted to timepoints >= from.
func (t *TS[T]) MarkedTimepoints(from simtypes.Timepoint) []simtypes.Timepoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	start := sort.Search(len(t.markIndex), func(i int) bool { return t.markIndex[i] >= from })
	out := make([]simtypes.Timepoint, len(t.markIndex)-start)
	copy(out, t.markIndex[start:])
	return out
}
