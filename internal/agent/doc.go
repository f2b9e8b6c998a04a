// Package agent defines the abstract agent contract the engine drives
// each iteration block, plus three reference implementations
// (constant, gaussian, cohort) that exercise it.
//
// The contract is grounded in the teacher's client/API abstractions
// (internal/api.Client's interface-first design), reworked around the
// evaluate-with-a-borrowed-view shape described for this simulator:
// an agent receives the current price and an optional sparse view over
// the information stream, and returns the action it takes for this
// step.
package agent
