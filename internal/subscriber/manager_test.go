package subscriber

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/marketsim/internal/agent"
	"github.com/rickgao/marketsim/internal/engine"
	"github.com/rickgao/marketsim/internal/simtypes"
	"github.com/rickgao/marketsim/internal/tsstore"
)

func addTickingAgent(t *testing.T, eng *engine.Engine) {
	t.Helper()
	a, err := agent.NewConstant(eng.NextAgentID(), agent.BaseConfig{ExternalForce: 0.01, ScheduleEvery: 1}, agent.ConstantConfig{Direction: simtypes.Up, InternalForce: 1})
	if err != nil {
		t.Fatalf("NewConstant: %v", err)
	}
	if err := eng.AddAgent(context.Background(), a); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
}

type captureSender struct {
	mu    sync.Mutex
	sends [][]byte
}

func (c *captureSender) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends = append(c.sends, payload)
	return nil
}

func (c *captureSender) snapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sends))
	copy(out, c.sends)
	return out
}

// priceChunkRecordCount returns the number of entries under the
// "PRICE" key, or -1 if payload isn't a PRICE chunk.
func priceChunkRecordCount(t *testing.T, payload []byte) int {
	t.Helper()
	var chunk map[string]map[string]json.RawMessage
	if err := json.Unmarshal(payload, &chunk); err != nil {
		t.Fatalf("unmarshal chunk: %v", err)
	}
	inner, ok := chunk["PRICE"]
	if !ok {
		return -1
	}
	return len(inner)
}

func isSentinelChunk(t *testing.T, payload []byte) bool {
	return priceChunkRecordCount(t, payload) == 0
}

func totalPriceRecords(t *testing.T, sends [][]byte) int {
	t.Helper()
	total := 0
	for _, payload := range sends {
		if n := priceChunkRecordCount(t, payload); n > 0 {
			total += n
		}
	}
	return total
}

func priceSeries(t *testing.T, n int) *tsstore.TS[decimal.Decimal] {
	t.Helper()
	ts := tsstore.New[decimal.Decimal](tsstore.MarkAbsent)
	for i := 0; i < n; i++ {
		ts.Append(decimal.NewFromInt(int64(i)))
	}
	return ts
}

func TestPollSeries_EncodesOnlyPresentSlotsAndAdvancesCursor(t *testing.T) {
	ts := priceSeries(t, 5)
	records, cursor, hasCursor, err := pollSeries(ts, 0, false, 1, encodePrice)
	if err != nil {
		t.Fatalf("pollSeries: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("len(records) = %d, want 5", len(records))
	}
	if !hasCursor || cursor != 5 {
		t.Errorf("cursor = (%d, %v), want (5, true)", cursor, hasCursor)
	}

	more, cursor2, _, err := pollSeries(ts, cursor, hasCursor, 1, encodePrice)
	if err != nil {
		t.Fatalf("pollSeries second call: %v", err)
	}
	if len(more) != 0 || cursor2 != cursor {
		t.Errorf("second poll with no new data should return nothing, got %d records, cursor=%d", len(more), cursor2)
	}
}

func TestPollSeries_StepsByGranularity(t *testing.T) {
	ts := priceSeries(t, 10)
	records, cursor, hasCursor, err := pollSeries(ts, 0, false, 3, encodePrice)
	if err != nil {
		t.Fatalf("pollSeries: %v", err)
	}
	// timepoints 0,3,6,9 are visited (10 slots, cursor at 9).
	if len(records) != 4 {
		t.Fatalf("len(records) = %d, want 4", len(records))
	}
	if !hasCursor || cursor != 12 {
		t.Errorf("cursor = (%d, %v), want (12, true)", cursor, hasCursor)
	}

	wantTPs := []simtypes.Timepoint{0, 3, 6, 9}
	for i, want := range wantTPs {
		if records[i].Timepoint != want {
			t.Errorf("records[%d].Timepoint = %d, want %d", i, records[i].Timepoint, want)
		}
	}
}

func TestConfigValidate_AllowsZeroChunkMinRecords(t *testing.T) {
	cfg := Config{Granularity: 1, ChunkMinRecords: 0}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil for chunk_min_records=0", err)
	}
}

func TestConfigValidate_RejectsZeroGranularity(t *testing.T) {
	cfg := Config{Granularity: 0, ChunkMinRecords: 0}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for granularity=0")
	}
}

func TestConfigValidate_RejectsNegativeChunkMinRecords(t *testing.T) {
	cfg := Config{Granularity: 1, ChunkMinRecords: -1}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for negative chunk_min_records")
	}
}

func TestManager_FlushesOnlyPastThresholdAndAppendsSentinel(t *testing.T) {
	eng, err := engine.New(engine.Config{IterBlock: 10}, nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	m := NewManager(eng, nil)

	sender := &captureSender{}
	subject := engine.HistorySubject{Kind: engine.PriceHistoryKind}
	if _, err := m.Subscribe(subject, Config{Granularity: 1, ChunkMinRecords: 2}, "", directSender(sender)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	addTickingAgent(t, eng)

	ctx := context.Background()
	if err := eng.Launch(ctx); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer eng.Stop(context.Background())
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	one := uint64(2)
	if err := eng.Run(ctx, &one); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := eng.WaitForPause(ctx); err != nil {
		t.Fatalf("WaitForPause: %v", err)
	}

	// 2 pending records, threshold is "exceeds 2", so nothing flushes yet.
	m.Update(ctx)
	if got := len(sender.snapshot()); got != 0 {
		t.Fatalf("sends after 2 pending (threshold 2) = %d, want 0", got)
	}

	two := uint64(1)
	if err := eng.Run(ctx, &two); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := eng.WaitForPause(ctx); err != nil {
		t.Fatalf("WaitForPause: %v", err)
	}

	m.Update(ctx)
	sends := sender.snapshot()
	if len(sends) != 2 {
		t.Fatalf("sends after crossing threshold = %d, want 2 (one real chunk + sentinel)", len(sends))
	}
	if got := priceChunkRecordCount(t, sends[0]); got != 3 {
		t.Errorf("first chunk record count = %d, want 3", got)
	}
	if !isSentinelChunk(t, sends[1]) {
		t.Error("second chunk should be the empty-chunk sentinel")
	}
}

func TestManager_ZeroChunkMinRecordsFlushesEveryPoll(t *testing.T) {
	eng, err := engine.New(engine.Config{IterBlock: 10}, nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	m := NewManager(eng, nil)

	sender := &captureSender{}
	subject := engine.HistorySubject{Kind: engine.PriceHistoryKind}
	if _, err := m.Subscribe(subject, Config{Granularity: 1, ChunkMinRecords: 0}, "", directSender(sender)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	addTickingAgent(t, eng)

	ctx := context.Background()
	if err := eng.Launch(ctx); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer eng.Stop(context.Background())
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 10; i++ {
		one := uint64(1)
		if err := eng.Run(ctx, &one); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if err := eng.WaitForPause(ctx); err != nil {
			t.Fatalf("WaitForPause: %v", err)
		}
		m.Update(ctx)
	}

	sends := sender.snapshot()
	var realChunks, sentinels int
	for _, payload := range sends {
		if isSentinelChunk(t, payload) {
			sentinels++
		} else {
			realChunks++
		}
	}
	if realChunks < 10 {
		t.Errorf("real chunks = %d, want >= 10", realChunks)
	}
	if sentinels < 10 {
		t.Errorf("sentinel chunks = %d, want >= 10 (one per flush)", sentinels)
	}
}

func TestManager_MaxRecordsPerDatagramCapsChunkSizeIndependentlyOfThreshold(t *testing.T) {
	eng, err := engine.New(engine.Config{IterBlock: 10}, nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	m := NewManager(eng, nil)
	m.SetMaxRecordsPerDatagram(2)

	sender := &captureSender{}
	subject := engine.HistorySubject{Kind: engine.PriceHistoryKind}
	if _, err := m.Subscribe(subject, Config{Granularity: 1, ChunkMinRecords: 0}, "", directSender(sender)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	addTickingAgent(t, eng)

	ctx := context.Background()
	if err := eng.Launch(ctx); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer eng.Stop(context.Background())
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	five := uint64(5)
	if err := eng.Run(ctx, &five); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := eng.WaitForPause(ctx); err != nil {
		t.Fatalf("WaitForPause: %v", err)
	}

	m.Update(ctx)
	sends := sender.snapshot()
	// 5 pending records capped at 2/chunk -> chunks of 2,2,1, then a sentinel.
	if len(sends) != 4 {
		t.Fatalf("sends = %d, want 4 (3 capped real chunks + sentinel)", len(sends))
	}
	for _, n := range []int{2, 2, 1} {
		if got := priceChunkRecordCount(t, sends[0]); got != n {
			t.Errorf("chunk record count = %d, want %d", got, n)
		}
		sends = sends[1:]
	}
	if !isSentinelChunk(t, sends[0]) {
		t.Error("final chunk should be the sentinel")
	}
}

func TestManager_WaitForDrainFlushesRemainderAndRemovesSubscriber(t *testing.T) {
	eng, err := engine.New(engine.Config{IterBlock: 10}, nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	m := NewManager(eng, nil)

	sender := &captureSender{}
	subject := engine.HistorySubject{Kind: engine.PriceHistoryKind}
	id, err := m.Subscribe(subject, Config{Granularity: 1, ChunkMinRecords: 100}, "endpoint-a", directSender(sender))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	addTickingAgent(t, eng)

	ctx := context.Background()
	if err := eng.Launch(ctx); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer eng.Stop(context.Background())
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	three := uint64(3)
	if err := eng.Run(ctx, &three); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := eng.WaitForPause(ctx); err != nil {
		t.Fatalf("WaitForPause: %v", err)
	}

	drainCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := m.WaitForDrain(drainCtx, subject); err != nil {
		t.Fatalf("WaitForDrain: %v", err)
	}

	sends := sender.snapshot()
	if got := totalPriceRecords(t, sends); got != 3 {
		t.Errorf("totalPriceRecords = %d, want 3 (forced drain flushes everything pending)", got)
	}
	if len(sends) == 0 || !isSentinelChunk(t, sends[len(sends)-1]) {
		t.Error("drain should end with the empty-chunk sentinel")
	}

	m.mu.Lock()
	_, stillPresent := m.subs[id]
	_, endpointStillPresent := m.endpoints["endpoint-a"]
	m.mu.Unlock()
	if stillPresent {
		t.Error("subscriber should have been removed after draining")
	}
	if endpointStillPresent {
		t.Error("endpoint should have been released once its last subscriber drained")
	}
}

// closableSender is a captureSender that also satisfies io.Closer, so
// tests can observe whether the manager actually closed a shared
// endpoint once its refcount dropped.
type closableSender struct {
	captureSender
	closed bool
}

func (c *closableSender) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func directSender(s Sender) func() (Sender, error) {
	return func() (Sender, error) { return s, nil }
}

func TestManager_SharesEndpointAcrossSubscribersAndClosesOnLastRelease(t *testing.T) {
	eng, err := engine.New(engine.Config{IterBlock: 10}, nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	m := NewManager(eng, nil)

	sender := &closableSender{}
	opens := 0
	open := func() (Sender, error) {
		opens++
		return sender, nil
	}

	priceSubject := engine.HistorySubject{Kind: engine.PriceHistoryKind}
	id1, err := m.Subscribe(priceSubject, Config{Granularity: 1, ChunkMinRecords: 0}, "shared", open)
	if err != nil {
		t.Fatalf("Subscribe 1: %v", err)
	}
	id2, err := m.Subscribe(priceSubject, Config{Granularity: 1, ChunkMinRecords: 0}, "shared", open)
	if err != nil {
		t.Fatalf("Subscribe 2: %v", err)
	}
	if opens != 1 {
		t.Fatalf("open called %d times, want 1 (second Subscribe should reuse the handle)", opens)
	}

	m.mu.Lock()
	refs := m.endpoints["shared"].refs
	m.mu.Unlock()
	if refs != 3 {
		t.Errorf("refcount = %d, want 3 (2 live subscribers + 1 for the map entry)", refs)
	}

	m.Unsubscribe(id1)
	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		m.mu.Lock()
		_, stillPresent := m.subs[id1]
		m.mu.Unlock()
		if !stillPresent {
			break
		}
		if err := drainCtx.Err(); err != nil {
			t.Fatalf("id1 never reaped: %v", err)
		}
		m.Update(drainCtx)
	}

	m.mu.Lock()
	refs = m.endpoints["shared"].refs
	m.mu.Unlock()
	if refs != 2 {
		t.Errorf("refcount after releasing one of two subscribers = %d, want 2", refs)
	}
	if sender.closed {
		t.Error("endpoint closed while a second subscriber still references it")
	}

	m.Unsubscribe(id2)
	for {
		m.mu.Lock()
		_, stillPresent := m.subs[id2]
		_, endpointPresent := m.endpoints["shared"]
		m.mu.Unlock()
		if !stillPresent && !endpointPresent {
			break
		}
		if err := drainCtx.Err(); err != nil {
			t.Fatalf("id2 never reaped or endpoint never released: %v", err)
		}
		m.Update(drainCtx)
	}

	sender.mu.Lock()
	closed := sender.closed
	sender.mu.Unlock()
	if !closed {
		t.Error("endpoint should have been closed once the last subscriber released it")
	}
}

func TestManager_WaitForFlushRetainsLiveSubscriber(t *testing.T) {
	eng, err := engine.New(engine.Config{IterBlock: 10}, nil)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	m := NewManager(eng, nil)

	sender := &captureSender{}
	subject := engine.HistorySubject{Kind: engine.PriceHistoryKind}
	id, err := m.Subscribe(subject, Config{Granularity: 1, ChunkMinRecords: 0}, "", directSender(sender))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	addTickingAgent(t, eng)

	ctx := context.Background()
	if err := eng.Launch(ctx); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer eng.Stop(context.Background())
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	three := uint64(3)
	if err := eng.Run(ctx, &three); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := eng.WaitForPause(ctx); err != nil {
		t.Fatalf("WaitForPause: %v", err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := m.WaitForFlush(flushCtx, subject); err != nil {
		t.Fatalf("WaitForFlush: %v", err)
	}

	if got := totalPriceRecords(t, sender.snapshot()); got != 3 {
		t.Errorf("totalPriceRecords after WaitForFlush = %d, want 3", got)
	}

	m.mu.Lock()
	_, stillPresent := m.subs[id]
	m.mu.Unlock()
	if !stillPresent {
		t.Error("WaitForFlush must not remove a live subscriber")
	}

	// A fresh record after the flush should be observable again once
	// flushed; Flushed must have been cleared by the new arrival.
	more := uint64(1)
	if err := eng.Run(ctx, &more); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := eng.WaitForPause(ctx); err != nil {
		t.Fatalf("WaitForPause: %v", err)
	}
	m.Update(ctx)
	if got := totalPriceRecords(t, sender.snapshot()); got != 4 {
		t.Errorf("totalPriceRecords after one more tick = %d, want 4", got)
	}
}
