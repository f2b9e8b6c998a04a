package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/rickgao/marketsim/internal/agent"
	"github.com/rickgao/marketsim/internal/opqueue"
	"github.com/rickgao/marketsim/internal/simtypes"
	"github.com/rickgao/marketsim/internal/tsstore"
)

// SetNotifier wires the subscriber manager's update hook. It must be
// called before Launch; the engine does not synchronize concurrent
// calls against an already-running loop.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifier = n
}

// SetDrainWaiter wires the subscriber manager's drain contract. Like
// SetNotifier, call it before Launch.
func (e *Engine) SetDrainWaiter(w DrainWaiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drainWaiter = w
}

// State returns the engine's current coarse run state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Configure replaces the engine's runtime configuration. Only valid
// while paused.
func (e *Engine) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return fmt.Errorf("engine: configure requires state=PAUSED, got %s", e.state)
	}
	e.cfg = cfg
	return nil
}

// QueueOp pushes op onto the engine's control queue. The caller awaits
// completion with op.Wait. QueueOp fails once the engine has been
// shut down.
func (e *Engine) QueueOp(op *opqueue.Op) error {
	e.mu.Lock()
	shutdown := e.shutdownFlag
	e.mu.Unlock()
	if shutdown {
		return fmt.Errorf("engine: shut down, refusing new ops")
	}
	e.queue.Push(op)
	return nil
}

// Start queues a KindStart op and waits for it to complete.
func (e *Engine) Start(ctx context.Context) error {
	op := opqueue.NewStart()
	if err := e.QueueOp(op); err != nil {
		return err
	}
	_, err := op.Wait(ctx)
	return err
}

// Run queues a KindRun op for count iterations (nil for unbounded) and
// waits for it to be accepted. It does not wait for the run to finish;
// use WaitForPause for that.
func (e *Engine) Run(ctx context.Context, count *uint64) error {
	op := opqueue.NewRun(count)
	if err := e.QueueOp(op); err != nil {
		return err
	}
	_, err := op.Wait(ctx)
	return err
}

// Pause queues a KindPause op and waits for it to be accepted.
func (e *Engine) Pause(ctx context.Context) error {
	op := opqueue.NewPause()
	if err := e.QueueOp(op); err != nil {
		return err
	}
	_, err := op.Wait(ctx)
	return err
}

// Shutdown queues a KindShutdown op and waits for it to be accepted.
// It does not wait for the loop goroutine to exit; call Stop for that.
func (e *Engine) Shutdown(ctx context.Context) error {
	op := opqueue.NewShutdown()
	if err := e.QueueOp(op); err != nil {
		return err
	}
	_, err := op.Wait(ctx)
	return err
}

// NextAgentID reserves and returns the next process-unique agent ID.
// Callers construct their concrete agent.Agent with this ID before
// calling AddAgent.
func (e *Engine) NextAgentID() simtypes.AgentID {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextAgentID
	e.nextAgentID++
	return id
}

// AddAgent adds an already-constructed agent. Before Launch, when no
// loop is running to drain the queue, it inserts the agent directly
// under Engine.mu; afterwards it queues a KindAddAgent op and waits
// for it to complete.
func (e *Engine) AddAgent(ctx context.Context, a agent.Agent) error {
	e.mu.Lock()
	if !e.launched {
		err := e.addAgentLocked(a)
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()
	op := opqueue.NewAddAgent(a)
	if err := e.QueueOp(op); err != nil {
		return err
	}
	res, err := op.Wait(ctx)
	if err != nil {
		return err
	}
	return res.Err
}

// DelAgents removes the named agents, waiting for every subscriber to
// drain each agent's action history first if a DrainWaiter is wired
// in. It requires the engine to be paused.
func (e *Engine) DelAgents(ctx context.Context, ids []simtypes.AgentID) error {
	e.mu.Lock()
	if e.state != StatePaused {
		e.mu.Unlock()
		return fmt.Errorf("engine: del_agents requires state=PAUSED, got %s", e.state)
	}
	for _, id := range ids {
		if _, ok := e.agentByID[id]; !ok {
			e.mu.Unlock()
			return fmt.Errorf("engine: no such agent id %d", id)
		}
	}
	e.mu.Unlock()

	if e.drainWaiter != nil {
		for _, id := range ids {
			subject := HistorySubject{Kind: AgentHistoryKind, AgentID: id}
			if err := e.drainWaiter.WaitForDrain(ctx, subject); err != nil {
				return fmt.Errorf("engine: drain agent %d history: %w", id, err)
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	remove := make(map[simtypes.AgentID]bool, len(ids))
	for _, id := range ids {
		remove[id] = true
		delete(e.agentByID, id)
	}
	kept := e.agents[:0:0]
	for _, rec := range e.agents {
		if !remove[rec.Agent.ID()] {
			kept = append(kept, rec)
		}
	}
	e.agents = kept
	return nil
}

// ListAgents returns a read-only snapshot of every live agent.
func (e *Engine) ListAgents() []AgentSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]AgentSummary, 0, len(e.agents))
	for _, rec := range e.agents {
		out = append(out, AgentSummary{
			ID:           rec.Agent.ID(),
			CreatedAt:    rec.CreatedAt,
			HistoryCount: rec.History.Len(),
			IgnoreInfo:   rec.Agent.IgnoreInfo(),
		})
	}
	return out
}

// EmitInfo records info at the current timepoint. If an earlier call
// already landed at this exact timepoint during the same idle window
// (the engine has not advanced since), the two infosets are merged
// into one present slot instead of creating a second one.
func (e *Engine) EmitInfo(info simtypes.Infoset) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emitInfoLocked(info)
}

func (e *Engine) emitInfoLocked(info simtypes.Infoset) error {
	tp := simtypes.Timepoint(e.iterCount)
	if cur, ok := e.infoHistory.Cursor(); ok && cur == tp {
		existing, present, err := e.infoHistory.At(tp)
		if err == nil && present {
			return e.infoHistory.ReplaceAt(tp, simtypes.Merge(existing, info))
		}
	}
	return e.infoHistory.AppendAt(info, tp)
}

// GetPriceHistory returns the price history. If erase is true, the
// returned series is the one up to this call, and the engine's live
// history is replaced by an empty one resuming at the current
// timepoint; the call first waits for every attached subscriber to
// flush the old series (without destroying any of them — they keep
// reading the fresh one afterward) if a DrainWaiter is wired in.
func (e *Engine) GetPriceHistory(ctx context.Context, erase bool) (*tsstore.TS[decimal.Decimal], error) {
	e.mu.Lock()
	ts := e.priceHistory
	e.mu.Unlock()
	if !erase {
		return ts, nil
	}
	if e.drainWaiter != nil {
		if err := e.drainWaiter.WaitForFlush(ctx, HistorySubject{Kind: PriceHistoryKind}); err != nil {
			return nil, fmt.Errorf("engine: flush price history subscribers: %w", err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	fresh := tsstore.New[decimal.Decimal](tsstore.MarkAbsent)
	if err := fresh.DeleteUntil(simtypes.Timepoint(e.iterCount)); err != nil {
		return nil, err
	}
	e.priceHistory = fresh
	return ts, nil
}

// GetAgentHistory returns one agent's action history, with the same
// erase semantics as GetPriceHistory.
func (e *Engine) GetAgentHistory(ctx context.Context, id simtypes.AgentID, erase bool) (*tsstore.TS[simtypes.AgentAction], error) {
	e.mu.Lock()
	rec, ok := e.agentByID[id]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine: no such agent id %d", id)
	}
	ts := rec.History
	e.mu.Unlock()
	if !erase {
		return ts, nil
	}
	if e.drainWaiter != nil {
		subject := HistorySubject{Kind: AgentHistoryKind, AgentID: id}
		if err := e.drainWaiter.WaitForFlush(ctx, subject); err != nil {
			return nil, fmt.Errorf("engine: flush agent %d history subscribers: %w", id, err)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok = e.agentByID[id]
	if !ok {
		return nil, fmt.Errorf("engine: agent %d removed during drain", id)
	}
	fresh := tsstore.New[simtypes.AgentAction](tsstore.MarkAbsent)
	if err := fresh.DeleteUntil(simtypes.Timepoint(e.iterCount)); err != nil {
		return nil, err
	}
	rec.History = fresh
	return ts, nil
}

// WaitForPause blocks until the engine's state is PAUSED, or ctx is
// done.
func (e *Engine) WaitForPause(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.mu.Lock()
		for e.state != StatePaused {
			e.pauseCond.Wait()
		}
		e.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset restarts the simulation clock and every history while keeping
// the currently-registered agents, as if they had just been created
// at timepoint 0. It requires the engine to be paused.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePaused {
		return fmt.Errorf("engine: reset requires state=PAUSED, got %s", e.state)
	}
	e.pendingIter = 0
	e.unboundedRun = false
	e.iterCount = 0
	e.currentPrice = simtypes.OneDollar()
	e.priceHistory = tsstore.New[decimal.Decimal](tsstore.MarkAbsent)
	e.infoHistory = tsstore.New[simtypes.Infoset](tsstore.MarkPresent)
	e.lowWatermark = 0
	e.hasLowWatermark = false
	for _, rec := range e.agents {
		rec.CreatedAt = 0
		rec.History = tsstore.New[simtypes.AgentAction](tsstore.MarkAbsent)
		rec.Agent.ResetInfoCursor()
	}
	return nil
}

// ShowPerf returns every recorded per-phase timing sample, in
// milliseconds, backing the market/showperf control operation.
func (e *Engine) ShowPerf() map[string][]float64 {
	return e.perf.Snapshot()
}

// ResetPerf clears every recorded per-phase timing sample, backing the
// market/resetperf control operation.
func (e *Engine) ResetPerf() {
	e.perf.Reset()
}

// TestEvaluate drives a agent's Evaluate once, outside the engine's
// own loop, and reports both the action it returned and the price
// that action would have produced had it been applied to current on
// top of the tick-start price existing. It never mutates the agent's
// info cursor bookkeeping beyond what Evaluate itself does.
func TestEvaluate(a agent.Agent, existing, current decimal.Decimal, info agent.InfoView) (*simtypes.AgentAction, decimal.Decimal, error) {
	action, err := a.Evaluate(existing, info)
	if err != nil {
		return nil, current, err
	}
	if action == nil {
		return nil, current, nil
	}
	resulting := simtypes.ApplyForce(current, action.Direction, action.InternalForce, a.Config().ExternalForce)
	return action, resulting, nil
}
