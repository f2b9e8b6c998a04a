package subscriber

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rickgao/marketsim/internal/simtypes"
)

// Sender delivers one encoded batch of records to a subscriber's
// external destination — a UDP datagram, a websocket frame, or
// whatever other transport the caller wires in.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// Config holds one subscriber's delivery policy.
type Config struct {
	// Granularity is the stride, in timepoints, the cursor advances by
	// on each poll: a subscriber with granularity N only ever looks at
	// timepoints cursor, cursor+N, cursor+2N, ... Must be >= 1.
	Granularity uint64 `json:"granularity"`
	// ChunkMinRecords is the threshold a subscriber's pending count
	// must exceed before a poll flushes it at all; 0 means no minimum,
	// so any pending record is flushed on the next poll. It does not
	// bound how many records land in one encoded chunk — that's
	// Manager's process-wide max-records-per-datagram cap.
	ChunkMinRecords int `json:"chunk_min_records"`
}

// Validate checks the config's field-level constraints.
func (c Config) Validate() error {
	if c.Granularity == 0 {
		return fmt.Errorf("granularity must be >= 1, got %d", c.Granularity)
	}
	if c.ChunkMinRecords < 0 {
		return fmt.Errorf("chunk_min_records must be >= 0, got %d", c.ChunkMinRecords)
	}
	return nil
}

// pendingRecord is one not-yet-encoded slot awaiting delivery: Value
// holds just the inner JSON value (a quoted price string, or an
// agent-action object), ready to be keyed by Timepoint into the
// outer per-kind chunk object at flush time.
type pendingRecord struct {
	Timepoint simtypes.Timepoint
	Value     json.RawMessage
}

// agentActionValue is the wire encoding of one agent-action slot's
// value, nested under its timepoint key in an AGENT_ACTION chunk.
type agentActionValue struct {
	Direction     simtypes.Direction     `json:"direction"`
	InternalForce simtypes.InternalForce `json:"internal_force"`
}

// endpointHandle is one shared Sender kept alive in Manager's endpoint
// registry. refs counts live subscribers referencing it plus one for
// the registry's own map entry, so a handle opened by its first
// subscriber starts at 2 and the handle is dropped and closed the
// moment refs falls back to 1.
type endpointHandle struct {
	sender Sender
	refs   int
}
