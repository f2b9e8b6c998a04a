package tsstore

import (
	"fmt"

	"github.com/rickgao/marketsim/internal/simtypes"
)

// DenseView is a cursor-like handle over a TS, bounded above by an
// optional upper limit. It suits series where almost every slot is
// present, such as price and action histories.
type DenseView[T any] struct {
	ts    *TS[T]
	cur   simtypes.Timepoint
	upper *simtypes.Timepoint
}

// NewDenseView constructs a view starting at start (defaulting to the
// TS's FirstTP when start is nil) with an optional upper bound.
func NewDenseView[T any](ts *TS[T], start *simtypes.Timepoint, upper *simtypes.Timepoint) (*DenseView[T], error) {
	s := ts.FirstTP()
	if start != nil {
		s = *start
	}
	v := &DenseView[T]{ts: ts, cur: s, upper: upper}
	if err := v.checkBounds(s); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *DenseView[T]) checkBounds(tp simtypes.Timepoint) error {
	if tp < v.ts.FirstTP() {
		return fmt.Errorf("%w: tp=%d below first_tp", ErrOutOfRange, tp)
	}
	if cur, ok := v.ts.Cursor(); ok && tp > cur {
		return fmt.Errorf("%w: tp=%d above cursor", ErrOutOfRange, tp)
	}
	if v.upper != nil && tp > *v.upper {
		return fmt.Errorf("%w: tp=%d above view upper bound", ErrOutOfRange, tp)
	}
	return nil
}

// Cursor returns the view's current position.
func (v *DenseView[T]) Cursor() simtypes.Timepoint {
	return v.cur
}

// Bounds returns the view's [lower, upper] walkable range, where upper
// is the TS cursor clamped to the view's configured limit.
func (v *DenseView[T]) Bounds() (simtypes.Timepoint, simtypes.Timepoint, bool) {
	cur, ok := v.ts.Cursor()
	if !ok {
		return 0, 0, false
	}
	if v.upper != nil && *v.upper < cur {
		cur = *v.upper
	}
	return v.ts.FirstTP(), cur, true
}

// SeekTo moves the view's cursor to tp, failing if tp is out of
// bounds.
func (v *DenseView[T]) SeekTo(tp simtypes.Timepoint) error {
	if err := v.checkBounds(tp); err != nil {
		return err
	}
	v.cur = tp
	return nil
}

// Advance moves the view's cursor forward by n.
func (v *DenseView[T]) Advance(n uint64) error {
	return v.SeekTo(v.cur + simtypes.Timepoint(n))
}

// HasValue reports whether the slot at the view's current position is
// present.
func (v *DenseView[T]) HasValue() bool {
	_, present, err := v.ts.At(v.cur)
	return err == nil && present
}

// Read returns the value at the view's current position, failing if
// the slot is absent or out of range.
func (v *DenseView[T]) Read() (T, error) {
	val, present, err := v.ts.At(v.cur)
	if err != nil {
		return val, err
	}
	if !present {
		var zero T
		return zero, fmt.Errorf("tsstore: slot at tp=%d is absent", v.cur)
	}
	return val, nil
}
