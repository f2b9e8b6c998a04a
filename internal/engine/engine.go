package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rickgao/marketsim/internal/agent"
	"github.com/rickgao/marketsim/internal/opqueue"
	"github.com/rickgao/marketsim/internal/simtypes"
	"github.com/rickgao/marketsim/internal/tsstore"
)

// Engine drives the simulation loop: the scheduler, the price and
// information histories, and every agent's action history.
type Engine struct {
	logger *slog.Logger

	mu        sync.Mutex
	pauseCond *sync.Cond

	cfg Config

	state          State
	shutdownFlag   bool
	launched       bool
	startRequested bool
	pendingIter    uint64
	unboundedRun   bool

	iterCount    uint64
	currentPrice decimal.Decimal

	priceHistory *tsstore.TS[decimal.Decimal]
	infoHistory  *tsstore.TS[simtypes.Infoset]

	lowWatermark    simtypes.Timepoint
	hasLowWatermark bool

	agents      []*AgentRecord
	agentByID   map[simtypes.AgentID]*AgentRecord
	nextAgentID simtypes.AgentID

	queue       *opqueue.Queue
	notifier    Notifier
	drainWaiter DrainWaiter
	perf        *PerfStats

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Engine in its initial paused, agent-less state.
// cfg is validated immediately; a nil logger defaults to slog.Default().
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:       logger,
		cfg:          cfg,
		currentPrice: simtypes.OneDollar(),
		priceHistory: tsstore.New[decimal.Decimal](tsstore.MarkAbsent),
		infoHistory:  tsstore.New[simtypes.Infoset](tsstore.MarkPresent),
		agentByID:    make(map[simtypes.AgentID]*AgentRecord),
		queue:        opqueue.NewQueue(),
		perf:         NewPerfStats(),
	}
	e.pauseCond = sync.NewCond(&e.mu)
	return e, nil
}

// Launch starts the engine's main-loop goroutine. It returns
// immediately; the loop exits once Stop or a KindShutdown op is
// processed. Launch may only be called once.
func (e *Engine) Launch(ctx context.Context) error {
	e.mu.Lock()
	if e.launched {
		e.mu.Unlock()
		return fmt.Errorf("engine: already launched")
	}
	e.launched = true
	e.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runMainLoop(loopCtx)
	}()

	e.logger.Info("engine launched", "iter_block", e.cfg.IterBlock)
	return nil
}

// Stop cancels the loop context and waits for the main-loop goroutine
// to exit, or for ctx to expire first.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	e.queue.Close()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runMainLoop is the engine's single background goroutine: it either
// blocks on the op queue (paused, or not yet started) or alternates
// between running one iteration block and draining whatever ops
// arrived while it ran.
func (e *Engine) runMainLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		e.mu.Lock()
		ready := e.startRequested && e.state == StateRunning && len(e.agents) > 0
		shutdown := e.shutdownFlag
		e.mu.Unlock()

		if shutdown {
			return
		}

		if !ready {
			op, ok := e.queue.Pop()
			if !ok {
				return
			}
			e.dispatchOp(ctx, op)
			continue
		}

		e.runBlockCycle(ctx)
		e.drainOpsNonBlocking(ctx)
	}
}

// runBlockCycle executes one bounded run of iterations (at most
// cfg.IterBlock) and updates pending-run bookkeeping, then notifies
// the subscriber manager if one is wired in.
func (e *Engine) runBlockCycle(ctx context.Context) {
	e.mu.Lock()
	size := e.computeBlockSizeLocked()
	if size == 0 {
		e.mu.Unlock()
		return
	}

	var from *simtypes.Timepoint
	if e.hasLowWatermark {
		from = &e.lowWatermark
	}
	var view agent.InfoView
	if v, err := tsstore.NewSparseView[simtypes.Infoset](e.infoHistory, from); err == nil {
		view = v
	}

	e.perf.Observe("iteration_block", func() {
		for i := uint64(0); i < size; i++ {
			r := e.iterCount
			e.runTickLocked(r, view)
			e.iterCount++
			if !e.unboundedRun && e.pendingIter > 0 {
				e.pendingIter--
			}
			if !e.unboundedRun && e.pendingIter == 0 {
				e.state = StatePaused
				e.pauseCond.Broadcast()
				break
			}
		}
	})

	e.recomputeLowWatermarkLocked()
	if e.hasLowWatermark {
		if err := e.infoHistory.DeleteUntil(e.lowWatermark); err != nil {
			e.logger.Error("info history trim failed", "low_watermark", e.lowWatermark, "err", err)
		}
	}
	e.mu.Unlock()

	if e.notifier != nil {
		e.notifier.Update(ctx)
	}
}

// computeBlockSizeLocked returns how many iterations runBlockCycle
// should execute before checking back in with the op queue.
func (e *Engine) computeBlockSizeLocked() uint64 {
	if e.unboundedRun {
		return e.cfg.IterBlock
	}
	if e.pendingIter < e.cfg.IterBlock {
		return e.pendingIter
	}
	return e.cfg.IterBlock
}

// runTickLocked executes one timepoint: every agent scheduled at r
// sees the same tick-start price and composes its action onto a
// running price that becomes the new current price only once every
// scheduled agent has acted. Engine.mu is held for the call's whole
// duration, matching the contract that external API calls (including
// emit_info) can only land between blocks, never mid-tick.
func (e *Engine) runTickLocked(r uint64, view agent.InfoView) {
	tp := simtypes.Timepoint(r)
	existingPrice := e.currentPrice
	runningPrice := existingPrice

	for _, rec := range e.agents {
		if !rec.Scheduled(tp) {
			continue
		}

		var agentView agent.InfoView
		if view != nil && !rec.Agent.IgnoreInfo() {
			if cur, ok := rec.Agent.InfoCursor(); ok {
				if err := view.SeekTo(cur); err != nil {
					view.Reset()
				}
			} else {
				view.Reset()
			}
			agentView = view
		}

		action, err := e.safeEvaluate(rec, existingPrice, agentView)
		if view != nil {
			view.Reset()
		}
		if err != nil {
			e.logger.Error("agent evaluate failed", "agent_id", rec.Agent.ID(), "tick", r, "err", err)
		}
		if action == nil {
			if err := rec.History.SkipTo(tp); err != nil {
				e.logger.Error("agent history skip_to failed", "agent_id", rec.Agent.ID(), "tick", r, "err", err)
			}
			continue
		}

		runningPrice = simtypes.ApplyForce(runningPrice, action.Direction, action.InternalForce, rec.Agent.Config().ExternalForce)
		if err := rec.History.AppendAt(*action, tp); err != nil {
			e.logger.Error("agent history append_at failed", "agent_id", rec.Agent.ID(), "tick", r, "err", err)
		}
	}

	e.currentPrice = runningPrice
	e.priceHistory.Append(runningPrice)
}

// safeEvaluate contains a panic escaping an untrusted agent's Evaluate
// so that one misbehaving agent never brings down the loop.
func (e *Engine) safeEvaluate(rec *AgentRecord, price decimal.Decimal, view agent.InfoView) (action *simtypes.AgentAction, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("engine: agent panicked: %v", p)
		}
	}()
	return rec.Agent.Evaluate(price, view)
}

// recomputeLowWatermarkLocked advances the low watermark to the
// minimum info cursor among non-ignoring agents. It is a strict
// advance-or-leave-unchanged operation: if any tracked agent has not
// read a single infoset yet, or if there are no tracked agents at
// all, the watermark is left exactly as it was.
func (e *Engine) recomputeLowWatermarkLocked() {
	var anyTracked bool
	var min simtypes.Timepoint
	first := true
	for _, rec := range e.agents {
		if rec.Agent.IgnoreInfo() {
			continue
		}
		anyTracked = true
		cur, ok := rec.Agent.InfoCursor()
		if !ok {
			return
		}
		if first || cur < min {
			min = cur
			first = false
		}
	}
	if !anyTracked {
		return
	}
	e.lowWatermark = min
	e.hasLowWatermark = true
}

// dispatchOp applies one queued operation's effect and completes it.
func (e *Engine) dispatchOp(ctx context.Context, op *opqueue.Op) {
	switch op.Kind {
	case opqueue.KindStart:
		e.mu.Lock()
		e.startRequested = true
		e.mu.Unlock()
		op.Complete(opqueue.Result{})

	case opqueue.KindRun:
		e.mu.Lock()
		if op.RunCount == nil {
			e.unboundedRun = true
		} else {
			e.pendingIter += *op.RunCount
		}
		if len(e.agents) > 0 && (e.unboundedRun || e.pendingIter > 0) {
			e.state = StateRunning
		}
		e.mu.Unlock()
		op.Complete(opqueue.Result{})

	case opqueue.KindPause:
		e.mu.Lock()
		e.pendingIter = 0
		e.unboundedRun = false
		e.state = StatePaused
		e.pauseCond.Broadcast()
		e.mu.Unlock()
		op.Complete(opqueue.Result{})

	case opqueue.KindAddAgent:
		e.mu.Lock()
		err := e.addAgentLocked(op.Agent)
		var id simtypes.AgentID
		if op.Agent != nil {
			id = op.Agent.ID()
		}
		e.mu.Unlock()
		op.Complete(opqueue.Result{AgentID: id, Err: err})

	case opqueue.KindShutdown:
		e.mu.Lock()
		e.shutdownFlag = true
		e.mu.Unlock()
		e.queue.Close()
		op.Complete(opqueue.Result{})
	}
}

// drainOpsNonBlocking applies every op already sitting in the queue
// without blocking, so the loop checks back in quickly between blocks
// but never stalls the next block waiting on the queue's mutex.
func (e *Engine) drainOpsNonBlocking(ctx context.Context) {
	for {
		op, ok := e.queue.TryPop()
		if !ok {
			return
		}
		e.dispatchOp(ctx, op)
	}
}

func (e *Engine) addAgentLocked(a agent.Agent) error {
	if a == nil {
		return fmt.Errorf("engine: add_agent requires a non-nil agent")
	}
	if _, exists := e.agentByID[a.ID()]; exists {
		return fmt.Errorf("engine: agent id %d already present", a.ID())
	}
	rec := &AgentRecord{
		Agent:     a,
		CreatedAt: simtypes.Timepoint(e.iterCount),
		History:   tsstore.New[simtypes.AgentAction](tsstore.MarkAbsent),
	}
	if err := rec.History.DeleteUntil(rec.CreatedAt); err != nil {
		return err
	}
	e.agents = append(e.agents, rec)
	e.agentByID[a.ID()] = rec
	return nil
}
