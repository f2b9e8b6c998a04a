package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"

	"github.com/rickgao/marketsim/internal/engine"
	"github.com/rickgao/marketsim/internal/simtypes"
	"github.com/rickgao/marketsim/internal/tsstore"
)

// DefaultPollConcurrency bounds how many subscribers Update polls and
// chunk-encodes at once.
const DefaultPollConcurrency = 10

// subscription is one live subscriber's policy, cursor, and pending,
// not-yet-flushed batch.
type subscription struct {
	mu sync.Mutex

	id          simtypes.SubscriberID
	subject     engine.HistorySubject
	cfg         Config
	sender      Sender
	endpointKey string

	cursor    simtypes.Timepoint
	hasCursor bool

	pending []pendingRecord
	dying   bool
	flushed bool
}

// Manager polls the engine for newly-written price and agent-action
// records and delivers them to each subscriber's Sender in
// granularity-gated, chunked batches. It implements engine.Notifier
// and engine.DrainWaiter.
type Manager struct {
	logger *slog.Logger
	eng    *engine.Engine
	sem    *semaphore.Weighted

	mu        sync.Mutex
	subs      map[simtypes.SubscriberID]*subscription
	endpoints map[string]*endpointHandle
	next      simtypes.SubscriberID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	maxRecords int
}

// NewManager constructs a manager with no subscribers, polling eng. A
// nil logger defaults to slog.Default(). Update polls and
// chunk-encodes at most DefaultPollConcurrency subscribers at once.
func NewManager(eng *engine.Engine, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:    logger,
		eng:       eng,
		sem:       semaphore.NewWeighted(DefaultPollConcurrency),
		subs:      make(map[simtypes.SubscriberID]*subscription),
		endpoints: make(map[string]*endpointHandle),
	}
}

// SetMaxRecordsPerDatagram caps how many records one encoded chunk
// carries — the process-wide max-records-per-datagram the
// --subscriber-max-records flag controls, kept separate from each
// subscriber's own ChunkMinRecords threshold (which only decides
// whether a poll flushes at all, not how big the resulting chunks
// are). A value <= 0 packs an entire pending batch into a single
// chunk.
func (m *Manager) SetMaxRecordsPerDatagram(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxRecords = n
}

// Subscribe registers a new subscriber against subject and returns
// its assigned ID. If endpointKey is non-empty, the manager shares one
// Sender across every subscriber registered with the same key: open is
// called at most once per distinct key, and the resulting Sender is
// reused (with its refcount bumped) by every later Subscribe call using
// that key, matching §4.4's "multiple subscribers pointing at the same
// (address,port) share a single endpoint handle." An empty endpointKey
// opts a subscriber out of sharing — open is always called, and nothing
// is ever closed on its behalf — which is right for a sender that
// already has its own independent lifecycle, like the process-wide
// wsfeed broadcaster.
func (m *Manager) Subscribe(subject engine.HistorySubject, cfg Config, endpointKey string, open func() (Sender, error)) (simtypes.SubscriberID, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	sender, err := m.acquireEndpoint(endpointKey, open)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.subs[id] = &subscription{id: id, subject: subject, cfg: cfg, sender: sender, endpointKey: endpointKey}
	return id, nil
}

// Unsubscribe marks a subscriber as dying: Update keeps polling and
// flushing it until its pending batch is fully drained, at which
// point it is removed and its endpoint handle released.
func (m *Manager) Unsubscribe(id simtypes.SubscriberID) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	sub.mu.Lock()
	sub.dying = true
	sub.mu.Unlock()
}

// acquireEndpoint resolves the shared Sender for key, dialing it via
// open on the first reference to key and bumping its refcount on every
// later one. An empty key opts out of sharing entirely.
func (m *Manager) acquireEndpoint(key string, open func() (Sender, error)) (Sender, error) {
	if key == "" {
		return open()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.endpoints[key]; ok {
		h.refs++
		return h.sender, nil
	}
	sender, err := open()
	if err != nil {
		return nil, err
	}
	// refs=2: one for this subscriber, one for the registry's own entry
	// (testable invariant 5: refcount = live subscribers + 1).
	m.endpoints[key] = &endpointHandle{sender: sender, refs: 2}
	return sender, nil
}

// releaseEndpoint drops key's refcount by one. Once it falls back to 1
// (no subscribers left referencing it, only the registry's own entry)
// the entry is removed and the sender closed, if it implements
// io.Closer. Must be called exactly once per subscriber teardown.
func (m *Manager) releaseEndpoint(key string) {
	if key == "" {
		return
	}
	m.mu.Lock()
	h, ok := m.endpoints[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	h.refs--
	drop := h.refs <= 1
	if drop {
		delete(m.endpoints, key)
	}
	m.mu.Unlock()

	if drop {
		if c, ok := h.sender.(io.Closer); ok {
			if err := c.Close(); err != nil {
				m.logger.Error("endpoint close failed", "endpoint_key", key, "err", err)
			}
		}
	}
}

// Update implements engine.Notifier. It polls and flushes every
// subscriber, bounding concurrency at DefaultPollConcurrency so a large
// subscriber count cannot stall the caller (typically the engine's own
// post-block hook) on serial encode-and-send work.
func (m *Manager) Update(ctx context.Context) {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			defer m.sem.Release(1)
			if err := m.poll(ctx, sub); err != nil {
				m.logger.Error("subscriber poll failed", "subscriber_id", sub.id, "err", err)
			}
		}(sub)
	}
	wg.Wait()
	m.reapFlushed()
}

// Serve starts the manager's own poll loop, scanning every subscriber
// every interval in addition to whatever Update calls the engine
// makes directly after each iteration block (engine.Notifier) — the
// same belt-and-suspenders shape as the engine's own push notification
// plus a caller polling get_price_history independently. An
// interval <= 0 makes Serve return immediately without starting a
// loop, so the manager exits permanently rather than scanning on a
// timer, matching the CLI's --subscriber-poll-interval semantics.
func (m *Manager) Serve(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(interval)

	m.logger.Info("subscriber manager poll loop started", "interval", interval)
	return nil
}

// Stop cancels the poll loop started by Serve and waits for it to
// exit, or returns ctx's error if it expires first.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("subscriber manager poll loop stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Update(m.ctx)
		}
	}
}

// WaitForDrain implements engine.DrainWaiter: it marks every
// subscriber on subject as dying and polls until all of them have
// flushed and been removed.
func (m *Manager) WaitForDrain(ctx context.Context, subject engine.HistorySubject) error {
	m.mu.Lock()
	for _, sub := range m.subs {
		if sub.subject == subject {
			sub.mu.Lock()
			sub.dying = true
			sub.mu.Unlock()
		}
	}
	m.mu.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !m.anySubscriberOn(subject) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Update(ctx)
		}
	}
}

// WaitForFlush implements engine.DrainWaiter's companion contract for
// a history that is being erased and replaced, not destroyed: it polls
// every subscriber on subject until each has observed Flushed, without
// ever marking any of them dying, so they come out the other side
// still attached and ready to keep reading the fresh TS that replaces
// subject's history. Used by get_price_history/get_agent_history(erase)
// — unlike WaitForDrain, no subscriber is removed by this call.
func (m *Manager) WaitForFlush(ctx context.Context, subject engine.HistorySubject) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		m.Update(ctx)
		if m.allFlushedOn(subject) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) allFlushedOn(subject engine.HistorySubject) bool {
	m.mu.Lock()
	subs := make([]*subscription, 0)
	for _, s := range m.subs {
		if s.subject == subject {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		flushed := sub.flushed
		sub.mu.Unlock()
		if !flushed {
			return false
		}
	}
	return true
}

// SubscriberSummary is the public, read-only snapshot returned by
// ListSubscribers.
type SubscriberSummary struct {
	ID      simtypes.SubscriberID `json:"id"`
	Subject engine.HistorySubject `json:"subject"`
	Config  Config                `json:"config"`
	Pending int                   `json:"pending"`
}

// ListSubscribers returns a snapshot of every currently attached
// subscriber, including those marked dying but not yet reaped.
func (m *Manager) ListSubscribers() []SubscriberSummary {
	m.mu.Lock()
	subs := make([]*subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	out := make([]SubscriberSummary, 0, len(subs))
	for _, sub := range subs {
		sub.mu.Lock()
		out = append(out, SubscriberSummary{
			ID:      sub.id,
			Subject: sub.subject,
			Config:  sub.cfg,
			Pending: len(sub.pending),
		})
		sub.mu.Unlock()
	}
	return out
}

func (m *Manager) anySubscriberOn(subject engine.HistorySubject) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.subject == subject {
			return true
		}
	}
	return false
}

// reapFlushed removes every subscriber that is both dying and flushed.
// A flushed-but-live subscriber (the ordinary, non-dying case) is never
// removed here — Flushed only gates teardown once the subscriber has
// actually been told to go away via Unsubscribe/del_subscribers or
// del_agents, not on every routine catch-up.
func (m *Manager) reapFlushed() {
	m.mu.Lock()
	var toClose []string
	for id, sub := range m.subs {
		sub.mu.Lock()
		reap := sub.dying && sub.flushed
		endpointKey := sub.endpointKey
		sub.mu.Unlock()
		if reap {
			delete(m.subs, id)
			toClose = append(toClose, endpointKey)
		}
	}
	m.mu.Unlock()

	for _, key := range toClose {
		m.releaseEndpoint(key)
	}
}

// poll fetches whatever new records are available for one subscriber
// since its last cursor, appends them to its pending batch (clearing
// Flushed the moment any new record lands), and, once the pending
// count exceeds ChunkMinRecords (or the subscriber is dying), drains
// all of it to its Sender as one or more max-records-per-datagram-sized
// chunks followed by an empty-chunk sentinel, setting Flushed once that
// drain completes. Flushed is set on every such flush, live or dying —
// reaping a subscriber still additionally requires it to be dying.
func (m *Manager) poll(ctx context.Context, sub *subscription) error {
	sub.mu.Lock()
	subject, cfg, cursor, hasCursor, dying := sub.subject, sub.cfg, sub.cursor, sub.hasCursor, sub.dying
	sub.mu.Unlock()

	var fresh []pendingRecord
	var newCursor simtypes.Timepoint
	var newHasCursor bool
	var err error

	switch subject.Kind {
	case engine.PriceHistoryKind:
		ts, e := m.eng.GetPriceHistory(ctx, false)
		if e != nil {
			return e
		}
		fresh, newCursor, newHasCursor, err = pollSeries(ts, cursor, hasCursor, cfg.Granularity, encodePrice)
	case engine.AgentHistoryKind:
		ts, e := m.eng.GetAgentHistory(ctx, subject.AgentID, false)
		if e != nil {
			return e
		}
		fresh, newCursor, newHasCursor, err = pollSeries(ts, cursor, hasCursor, cfg.Granularity, encodeAgent)
	}
	if err != nil {
		return err
	}

	sub.mu.Lock()
	sub.cursor, sub.hasCursor = newCursor, newHasCursor
	if len(fresh) > 0 {
		sub.flushed = false
	}
	sub.pending = append(sub.pending, fresh...)
	shouldFlush := dying || uint64(len(sub.pending)) > uint64(cfg.ChunkMinRecords)
	pending := sub.pending
	sub.mu.Unlock()

	if !shouldFlush {
		return nil
	}

	m.mu.Lock()
	maxRecords := m.maxRecords
	m.mu.Unlock()

	for len(pending) > 0 {
		n := len(pending)
		if maxRecords > 0 && n > maxRecords {
			n = maxRecords
		}
		payload, err := buildChunk(subject, pending[:n])
		if err != nil {
			return err
		}
		if err := sub.sender.Send(ctx, payload); err != nil {
			return err
		}
		pending = pending[n:]
	}

	sentinel, err := buildChunk(subject, nil)
	if err != nil {
		return err
	}
	if err := sub.sender.Send(ctx, sentinel); err != nil {
		return err
	}

	sub.mu.Lock()
	sub.pending = pending
	sub.flushed = true
	sub.mu.Unlock()
	return nil
}

// pollSeries walks ts in steps of granularity, starting at cursor (or
// ts's first slot, on a subscriber's first-ever poll) up to its
// current cursor, encoding every present slot it lands on along the
// way. newCursor is the first not-yet-visited step past ts's current
// cursor, so the next poll resumes exactly granularity steps on from
// wherever this one stopped.
func pollSeries[T any](ts *tsstore.TS[T], cursor simtypes.Timepoint, hasCursor bool, granularity uint64, encode func(T) (json.RawMessage, error)) ([]pendingRecord, simtypes.Timepoint, bool, error) {
	cur, ok := ts.Cursor()
	if !ok {
		return nil, cursor, hasCursor, nil
	}
	start := ts.FirstTP()
	if hasCursor {
		start = cursor
	}
	if start > cur {
		return nil, start, true, nil
	}

	step := simtypes.Timepoint(granularity)
	var out []pendingRecord
	tp := start
	for tp <= cur {
		v, present, err := ts.At(tp)
		if err != nil {
			return nil, cursor, hasCursor, err
		}
		if present {
			raw, err := encode(v)
			if err != nil {
				return nil, cursor, hasCursor, err
			}
			out = append(out, pendingRecord{Timepoint: tp, Value: raw})
		}
		tp += step
	}
	return out, tp, true, nil
}

func encodePrice(v decimal.Decimal) (json.RawMessage, error) {
	return json.Marshal(v.String())
}

func encodeAgent(v simtypes.AgentAction) (json.RawMessage, error) {
	return json.Marshal(agentActionValue{Direction: v.Direction, InternalForce: v.InternalForce})
}

// buildChunk assembles records into the outer-shaped wire chunk §4.4
// specifies: {PRICE: {timepoint: value, ...}} or {AGENT_ACTION:
// {agent_id: {timepoint: action, ...}}}. A nil records is the
// empty-chunk sentinel: the same outer shape with an empty inner
// object.
func buildChunk(subject engine.HistorySubject, records []pendingRecord) ([]byte, error) {
	inner := make(map[simtypes.Timepoint]json.RawMessage, len(records))
	for _, r := range records {
		inner[r.Timepoint] = r.Value
	}
	switch subject.Kind {
	case engine.PriceHistoryKind:
		return json.Marshal(map[string]map[simtypes.Timepoint]json.RawMessage{"PRICE": inner})
	case engine.AgentHistoryKind:
		return json.Marshal(map[string]map[simtypes.AgentID]map[simtypes.Timepoint]json.RawMessage{
			"AGENT_ACTION": {subject.AgentID: inner},
		})
	default:
		return nil, fmt.Errorf("subscriber: unknown history kind %v", subject.Kind)
	}
}
