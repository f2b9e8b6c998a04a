package agent

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rickgao/marketsim/internal/simtypes"
	"github.com/rickgao/marketsim/internal/tsstore"
)

// BaseConfig holds the configuration every agent shares, independent
// of its evaluation strategy.
type BaseConfig struct {
	// ExternalForce scales InternalForce into a price-moving fraction;
	// must be in (0, 1].
	ExternalForce simtypes.ExternalForce `json:"external_force"`
	// ScheduleEvery is the step interval at which the engine invokes
	// this agent; must be >= 1.
	ScheduleEvery uint64 `json:"schedule_every"`
	// IgnoreInfoFlag excludes this agent's info cursor from the
	// engine's low-watermark computation.
	IgnoreInfoFlag bool `json:"ignore_info_flag"`
}

// Validate checks the base config constraints.
func (c BaseConfig) Validate() error {
	if c.ScheduleEvery < 1 {
		return fmt.Errorf("schedule_every must be >= 1, got %d", c.ScheduleEvery)
	}
	return c.ExternalForce.Validate()
}

// InfoView is the sparse view an agent reads the information channel
// through during one evaluate call.
type InfoView = *tsstore.SparseView[simtypes.Infoset]

// Agent is the abstract evaluator the engine drives once per scheduled
// step. Implementations are untrusted: any panic escaping Evaluate is
// contained by the engine, not by Agent itself.
type Agent interface {
	// ID returns the agent's process-unique identifier.
	ID() simtypes.AgentID
	// Config returns the agent's base configuration.
	Config() BaseConfig
	// IgnoreInfo reports whether this agent's info cursor should be
	// excluded from the engine's low-watermark computation.
	IgnoreInfo() bool
	// InfoCursor returns the last timepoint this agent successfully
	// read from the info stream, or (0, false) if it has read nothing.
	InfoCursor() (simtypes.Timepoint, bool)
	// ResetInfoCursor clears the info cursor, as if nothing had been
	// read yet.
	ResetInfoCursor()
	// Evaluate observes the current price and an optional info view
	// (nil when the engine has no info to offer) and returns the
	// action taken this step, or nil if the agent declines to act.
	Evaluate(price decimal.Decimal, info InfoView) (*simtypes.AgentAction, error)
}

// Base implements the info-cursor bookkeeping and read_next_infoset
// semantics shared by every concrete agent. Concrete agents embed Base
// and supply their own Evaluate.
type Base struct {
	mu        sync.Mutex
	id        simtypes.AgentID
	cfg       BaseConfig
	cursor    simtypes.Timepoint
	hasCursor bool
}

// NewBase constructs the shared agent state. cfg must already be
// valid; callers validate at construction time via Config.Validate.
func NewBase(id simtypes.AgentID, cfg BaseConfig) *Base {
	return &Base{id: id, cfg: cfg}
}

func (b *Base) ID() simtypes.AgentID { return b.id }

func (b *Base) Config() BaseConfig { return b.cfg }

func (b *Base) IgnoreInfo() bool { return b.cfg.IgnoreInfoFlag }

func (b *Base) InfoCursor() (simtypes.Timepoint, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor, b.hasCursor
}

// ResetInfoCursor clears the agent's info cursor, as if it had never
// read anything. Used by the engine's reset operation.
func (b *Base) ResetInfoCursor() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor = 0
	b.hasCursor = false
}

// ReadNextInfoset advances past the entry this agent last consumed (if
// any) and returns the infoset at the view's new position. On an
// agent's first-ever read, the engine has not seeked the view away
// from its start, so the first call reads that starting position
// without advancing past it; every call after that advances first,
// mirroring the position the engine re-seeks the view to before each
// invocation. It returns (nil, false) when the view is nil or has no
// further present slot.
func (b *Base) ReadNextInfoset(view InfoView) (simtypes.Infoset, bool) {
	if view == nil {
		return nil, false
	}
	b.mu.Lock()
	hadCursor := b.hasCursor
	b.mu.Unlock()

	if hadCursor {
		if err := view.Advance(1); err != nil {
			return nil, false
		}
	}
	val, err := view.Value()
	if err != nil {
		return nil, false
	}
	b.mu.Lock()
	b.cursor = view.Cursor()
	b.hasCursor = true
	b.mu.Unlock()
	return val, true
}
