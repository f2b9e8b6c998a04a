// Package engine implements the simulation engine: the scheduler
// loop, the price and information time series it owns, the per-agent
// action histories, and the external API facade external callers
// drive it through.
//
// Engine is grounded on the teacher's market.registryImpl and
// connection.manager — both own a background goroutine behind a
// Start/Stop/context.CancelFunc/sync.WaitGroup lifecycle and guard
// their state with a mutex taken for short, well-defined critical
// sections. Per the design note calling the original's recursive API
// mutex out for replacement, Engine does not use a recursive lock:
// each public facade method either takes the single non-recursive
// Engine.mu for a short critical section or queues an op that the loop
// goroutine applies. Where the same logic is needed by code already
// holding the lock, it lives in a "Locked" helper (addAgentLocked,
// emitInfoLocked) that the facade method and the loop both call.
package engine
