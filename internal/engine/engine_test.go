package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/marketsim/internal/agent"
	"github.com/rickgao/marketsim/internal/simtypes"
)

// fakeAgent is a minimal agent.Agent used to drive the engine under
// deterministic, test-controlled evaluation logic.
type fakeAgent struct {
	mu        sync.Mutex
	id        simtypes.AgentID
	cfg       agent.BaseConfig
	cursor    simtypes.Timepoint
	hasCursor bool
	seen      []simtypes.Infoset

	action func(price decimal.Decimal) (*simtypes.AgentAction, error)
}

func (a *fakeAgent) ID() simtypes.AgentID       { return a.id }
func (a *fakeAgent) Config() agent.BaseConfig   { return a.cfg }
func (a *fakeAgent) IgnoreInfo() bool           { return a.cfg.IgnoreInfoFlag }
func (a *fakeAgent) InfoCursor() (simtypes.Timepoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursor, a.hasCursor
}
func (a *fakeAgent) ResetInfoCursor() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cursor, a.hasCursor = 0, false
}
func (a *fakeAgent) Evaluate(price decimal.Decimal, view agent.InfoView) (*simtypes.AgentAction, error) {
	if view != nil {
		if val, err := view.Value(); err == nil {
			a.mu.Lock()
			a.seen = append(a.seen, val)
			a.cursor = view.Cursor()
			a.hasCursor = true
			a.mu.Unlock()
		}
	}
	if a.action == nil {
		return nil, nil
	}
	return a.action(price)
}

func constantFake(id simtypes.AgentID, every uint64, dir simtypes.Direction, force simtypes.InternalForce, external simtypes.ExternalForce) *fakeAgent {
	return &fakeAgent{
		id:  id,
		cfg: agent.BaseConfig{ExternalForce: external, ScheduleEvery: every},
		action: func(decimal.Decimal) (*simtypes.AgentAction, error) {
			return &simtypes.AgentAction{Direction: dir, InternalForce: force}, nil
		},
	}
}

func mustEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{IterBlock: 10}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func launchAndRun(t *testing.T, e *Engine, count uint64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Launch(ctx); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Run(ctx, &count); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := e.WaitForPause(ctx); err != nil {
		t.Fatalf("WaitForPause: %v", err)
	}
}

func TestEngine_SingleConstantAgentComposesPriceEachTick(t *testing.T) {
	e := mustEngine(t)
	ctx := context.Background()

	a := constantFake(e.NextAgentID(), 1, simtypes.Up, 100, 0.5)
	if err := e.AddAgent(ctx, a); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}

	launchAndRun(t, e, 3)
	defer e.Stop(context.Background())

	hist, err := e.GetPriceHistory(ctx, false)
	if err != nil {
		t.Fatalf("GetPriceHistory: %v", err)
	}
	want := []string{"1.5", "2.25", "3.375"}
	for i, w := range want {
		v, present, err := hist.At(simtypes.Timepoint(i))
		if err != nil || !present {
			t.Fatalf("At(%d): present=%v err=%v", i, present, err)
		}
		if !v.Equal(decimal.RequireFromString(w)) {
			t.Errorf("price[%d] = %s, want %s", i, v.String(), w)
		}
	}
}

func TestEngine_TwoOpposingConstantsComposeInInsertionOrder(t *testing.T) {
	e := mustEngine(t)
	ctx := context.Background()

	up := constantFake(e.NextAgentID(), 1, simtypes.Up, 50, 0.2)
	down := constantFake(e.NextAgentID(), 1, simtypes.Down, 50, 0.2)
	if err := e.AddAgent(ctx, up); err != nil {
		t.Fatalf("AddAgent(up): %v", err)
	}
	if err := e.AddAgent(ctx, down); err != nil {
		t.Fatalf("AddAgent(down): %v", err)
	}

	launchAndRun(t, e, 1)
	defer e.Stop(context.Background())

	hist, err := e.GetPriceHistory(ctx, false)
	if err != nil {
		t.Fatalf("GetPriceHistory: %v", err)
	}
	v, present, err := hist.At(0)
	if err != nil || !present {
		t.Fatalf("At(0): present=%v err=%v", present, err)
	}
	if !v.Equal(decimal.RequireFromString("0.99")) {
		t.Errorf("price[0] = %s, want 0.99", v.String())
	}
}

func TestEngine_ScheduleIntervalLeavesSparseAgentHistory(t *testing.T) {
	e := mustEngine(t)
	ctx := context.Background()

	a := constantFake(e.NextAgentID(), 2, simtypes.Up, 1, 0.01)
	b := constantFake(e.NextAgentID(), 3, simtypes.Up, 1, 0.01)
	if err := e.AddAgent(ctx, a); err != nil {
		t.Fatalf("AddAgent(a): %v", err)
	}
	if err := e.AddAgent(ctx, b); err != nil {
		t.Fatalf("AddAgent(b): %v", err)
	}

	launchAndRun(t, e, 6)
	defer e.Stop(context.Background())

	histA, err := e.GetAgentHistory(ctx, a.ID(), false)
	if err != nil {
		t.Fatalf("GetAgentHistory(a): %v", err)
	}
	if histA.Len() != 5 {
		t.Errorf("histA.Len() = %d, want 5 (ticks 0..4)", histA.Len())
	}
	if absent := len(histA.MarkedTimepoints(0)); absent != 2 {
		t.Errorf("histA absent count = %d, want 2 (ticks 1,3)", absent)
	}

	histB, err := e.GetAgentHistory(ctx, b.ID(), false)
	if err != nil {
		t.Fatalf("GetAgentHistory(b): %v", err)
	}
	if histB.Len() != 4 {
		t.Errorf("histB.Len() = %d, want 4 (ticks 0..3)", histB.Len())
	}
	if absent := len(histB.MarkedTimepoints(0)); absent != 2 {
		t.Errorf("histB absent count = %d, want 2 (ticks 1,2)", absent)
	}
}

func TestEngine_EmitInfoMergesAtSameTimepointBeforeNextTick(t *testing.T) {
	e := mustEngine(t)

	first := simtypes.Infoset{simtypes.SubjectivePriceIndication{PriceIndication: 10}}
	second := simtypes.Infoset{simtypes.SubjectivePriceIndication{PriceIndication: 20}}
	if err := e.EmitInfo(first); err != nil {
		t.Fatalf("EmitInfo(first): %v", err)
	}
	if err := e.EmitInfo(second); err != nil {
		t.Fatalf("EmitInfo(second): %v", err)
	}

	reader := &fakeAgent{id: e.NextAgentID(), cfg: agent.BaseConfig{ExternalForce: 0.01, ScheduleEvery: 1}}
	if err := e.AddAgent(context.Background(), reader); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}

	launchAndRun(t, e, 1)
	defer e.Stop(context.Background())

	reader.mu.Lock()
	defer reader.mu.Unlock()
	if len(reader.seen) != 1 {
		t.Fatalf("seen = %d infosets, want 1", len(reader.seen))
	}
	if len(reader.seen[0]) != 2 {
		t.Fatalf("merged infoset has %d entries, want 2", len(reader.seen[0]))
	}
}

func TestEngine_PanicInEvaluateIsContainedAndSkipsThatAgent(t *testing.T) {
	e := mustEngine(t)
	ctx := context.Background()

	a := &fakeAgent{
		id:  e.NextAgentID(),
		cfg: agent.BaseConfig{ExternalForce: 0.5, ScheduleEvery: 1},
		action: func(decimal.Decimal) (*simtypes.AgentAction, error) {
			panic("boom")
		},
	}
	if err := e.AddAgent(ctx, a); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}

	launchAndRun(t, e, 1)
	defer e.Stop(context.Background())

	hist, err := e.GetPriceHistory(ctx, false)
	if err != nil {
		t.Fatalf("GetPriceHistory: %v", err)
	}
	v, present, err := hist.At(0)
	if err != nil || !present {
		t.Fatalf("At(0): present=%v err=%v", present, err)
	}
	if !v.Equal(simtypes.OneDollar()) {
		t.Errorf("price[0] = %s, want unchanged at 1", v.String())
	}

	agentHist, err := e.GetAgentHistory(ctx, a.ID(), false)
	if err != nil {
		t.Fatalf("GetAgentHistory: %v", err)
	}
	_, present, err = agentHist.At(0)
	if err != nil {
		t.Fatalf("At(0): %v", err)
	}
	if present {
		t.Error("a panicking evaluate should record an absent slot, not a present one")
	}
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *fakeNotifier) Update(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
}

type fakeDrainWaiter struct {
	mu       sync.Mutex
	subjects []HistorySubject
}

func (d *fakeDrainWaiter) WaitForDrain(ctx context.Context, subject HistorySubject) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subjects = append(d.subjects, subject)
	return nil
}

func (d *fakeDrainWaiter) WaitForFlush(ctx context.Context, subject HistorySubject) error {
	return nil
}

func TestEngine_NotifierIsCalledAfterEachBlock(t *testing.T) {
	e := mustEngine(t)
	ctx := context.Background()
	notifier := &fakeNotifier{}
	e.SetNotifier(notifier)

	a := constantFake(e.NextAgentID(), 1, simtypes.Up, 1, 0.01)
	if err := e.AddAgent(ctx, a); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}

	launchAndRun(t, e, 2)
	defer e.Stop(context.Background())

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.calls == 0 {
		t.Error("notifier.Update was never called")
	}
}

func TestEngine_DelAgentsWaitsForDrainBeforeRemoving(t *testing.T) {
	e := mustEngine(t)
	ctx := context.Background()
	drain := &fakeDrainWaiter{}
	e.SetDrainWaiter(drain)

	a := constantFake(e.NextAgentID(), 1, simtypes.Up, 1, 0.01)
	if err := e.AddAgent(ctx, a); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	launchAndRun(t, e, 1)
	defer e.Stop(context.Background())

	if err := e.DelAgents(ctx, []simtypes.AgentID{a.ID()}); err != nil {
		t.Fatalf("DelAgents: %v", err)
	}

	drain.mu.Lock()
	defer drain.mu.Unlock()
	if len(drain.subjects) != 1 || drain.subjects[0].AgentID != a.ID() {
		t.Errorf("drain.subjects = %+v, want one entry for agent %d", drain.subjects, a.ID())
	}

	for _, s := range e.ListAgents() {
		if s.ID == a.ID() {
			t.Error("deleted agent still present in ListAgents")
		}
	}
}
