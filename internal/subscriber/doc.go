// Package subscriber implements the subscriber manager: it polls the
// engine for newly-written price and agent-action records and
// delivers them, batched, to each subscriber's transport.
//
// Manager is grounded on poller.Poller and writer.TradeWriter: the
// same ticker-driven Serve/run/Stop lifecycle, nil-logger-defaults
// construction pattern, and bounded-concurrency fan-out. Delivery has
// two triggers: the engine calling Update directly after every
// iteration block (engine.Notifier), and Manager's own Serve loop
// scanning on a fixed interval, mirroring poller.Poller.run's
// ticker. Either alone is enough to keep subscribers current; running
// both means a subscriber still sees fresh records on a bounded delay
// even across a long idle stretch with the engine paused. Serve's
// interval can be zero or negative, in which case it returns
// immediately and only the engine-driven path remains active.
package subscriber
