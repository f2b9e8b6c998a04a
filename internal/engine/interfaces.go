package engine

import "context"

// Notifier is the subscriber manager's "update" entry point: called by
// the engine after any iteration block that produced new records,
// distinct from the manager's own background poller.
type Notifier interface {
	Update(ctx context.Context)
}

// DrainWaiter blocks until every subscriber attached to subject has
// flushed its pending records, satisfying the drain contract before
// the engine erases or deletes the backing history.
type DrainWaiter interface {
	// WaitForDrain marks every subscriber on subject dying and blocks
	// until each has flushed and been destroyed. Used before the
	// subject's backing history is gone for good (del_agents).
	WaitForDrain(ctx context.Context, subject HistorySubject) error
	// WaitForFlush blocks until every subscriber on subject has
	// flushed its currently pending records, without marking any of
	// them dying or destroying them. Used before subject's history is
	// swapped out for a fresh one but subscribers must keep reading it
	// (get_price_history/get_agent_history with erase=true).
	WaitForFlush(ctx context.Context, subject HistorySubject) error
}
