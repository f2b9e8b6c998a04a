package engine

import (
	"fmt"

	"github.com/rickgao/marketsim/internal/agent"
	"github.com/rickgao/marketsim/internal/simtypes"
	"github.com/rickgao/marketsim/internal/tsstore"
)

// State is the engine's coarse run state.
type State int32

const (
	// StatePaused is the initial state and the state the loop returns
	// to whenever it runs out of pending iterations or has no agents.
	StatePaused State = iota
	// StateRunning is set while the loop has pending iterations and at
	// least one agent.
	StateRunning
)

func (s State) String() string {
	switch s {
	case StatePaused:
		return "PAUSED"
	case StateRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// Config is the engine's runtime configuration.
type Config struct {
	// IterBlock is the maximum number of iterations processed between
	// two consecutive checks of the op queue and subscriber update
	// hook.
	IterBlock uint64
}

// Validate checks the config is usable.
func (c Config) Validate() error {
	if c.IterBlock == 0 {
		return fmt.Errorf("iter_block must be >= 1, got %d", c.IterBlock)
	}
	return nil
}

// DefaultConfig returns the engine's built-in defaults.
func DefaultConfig() Config {
	return Config{IterBlock: 100}
}

// AgentRecord is the engine's exclusive owner of one live agent: the
// agent instance, its creation timepoint, and its action history
// since creation.
type AgentRecord struct {
	Agent     agent.Agent
	CreatedAt simtypes.Timepoint
	History   *tsstore.TS[simtypes.AgentAction]
}

// Scheduled reports whether this agent is scheduled to run at
// timepoint t, per (t - created_at) mod schedule_every == 0.
func (r *AgentRecord) Scheduled(t simtypes.Timepoint) bool {
	every := r.Agent.Config().ScheduleEvery
	if every == 0 {
		every = 1
	}
	return t.Sub(r.CreatedAt)%every == 0
}

// AgentSummary is the public, read-only snapshot returned by
// ListAgents.
type AgentSummary struct {
	ID           simtypes.AgentID   `json:"id"`
	CreatedAt    simtypes.Timepoint `json:"created"`
	HistoryCount int                `json:"history_count"`
	IgnoreInfo   bool               `json:"ignore_info"`
}

// HistoryKind discriminates which history a DrainWaiter subject names.
type HistoryKind int

const (
	// PriceHistoryKind names the engine's single price history TS.
	PriceHistoryKind HistoryKind = iota
	// AgentHistoryKind names one agent's action history TS.
	AgentHistoryKind
)

func (k HistoryKind) String() string {
	switch k {
	case PriceHistoryKind:
		return "price"
	case AgentHistoryKind:
		return "agent"
	default:
		return "unknown"
	}
}

// HistorySubject names one history the drain contract applies to.
type HistorySubject struct {
	Kind    HistoryKind      `json:"kind"`
	AgentID simtypes.AgentID `json:"agent_id,omitempty"` // meaningful when Kind == AgentHistoryKind
}
