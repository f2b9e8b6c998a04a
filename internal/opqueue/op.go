package opqueue

import (
	"context"

	"github.com/rickgao/marketsim/internal/agent"
	"github.com/rickgao/marketsim/internal/simtypes"
)

// Kind discriminates the five control operations the engine accepts.
type Kind int

const (
	// KindStart releases the engine from its pre-start wait and enters
	// the main loop.
	KindStart Kind = iota
	// KindRun adds RunCount (or unbounded, if nil) to the engine's
	// pending iteration count and transitions it to RUNNING.
	KindRun
	// KindPause zeroes the pending iteration count; the engine
	// transitions to PAUSED at the next iteration-block boundary.
	KindPause
	// KindAddAgent inserts an agent into the engine's agent map.
	KindAddAgent
	// KindShutdown causes the main loop to exit.
	KindShutdown
)

// Result is the outcome delivered through an Op's completion slot.
type Result struct {
	// AgentID is set by a completed KindAddAgent op.
	AgentID simtypes.AgentID
	// Err is non-nil if the op failed.
	Err error
}

// Op is one control operation together with its one-shot completion
// slot. The completion channel is buffered to depth 1: Complete never
// blocks, and at most one send is ever meaningful per Op.
type Op struct {
	Kind Kind
	// RunCount is the iteration count for a KindRun op; nil means
	// unbounded.
	RunCount *uint64
	// Agent is the agent to insert for a KindAddAgent op.
	Agent agent.Agent

	completion chan Result
}

func newOp(kind Kind) *Op {
	return &Op{Kind: kind, completion: make(chan Result, 1)}
}

// NewStart builds a KindStart op.
func NewStart() *Op { return newOp(KindStart) }

// NewRun builds a KindRun op. count is nil for an unbounded run.
func NewRun(count *uint64) *Op {
	op := newOp(KindRun)
	op.RunCount = count
	return op
}

// NewPause builds a KindPause op.
func NewPause() *Op { return newOp(KindPause) }

// NewAddAgent builds a KindAddAgent op.
func NewAddAgent(a agent.Agent) *Op {
	op := newOp(KindAddAgent)
	op.Agent = a
	return op
}

// NewShutdown builds a KindShutdown op.
func NewShutdown() *Op { return newOp(KindShutdown) }

// Complete delivers res through the op's one-shot completion slot. A
// second call is a no-op — only the first completion is observable.
func (o *Op) Complete(res Result) {
	select {
	case o.completion <- res:
	default:
	}
}

// Wait blocks until the op completes or ctx is done.
func (o *Op) Wait(ctx context.Context) (Result, error) {
	select {
	case res := <-o.completion:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
