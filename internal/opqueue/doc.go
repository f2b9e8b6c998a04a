// Package opqueue implements the FIFO of control operations the
// engine drains between iteration blocks, each carrying a one-shot
// completion slot so a caller can wait for its effect without
// blocking the simulation loop.
//
// Queue is grounded on the teacher's router.GrowableBuffer: both are a
// mutex-and-sync.Cond-guarded FIFO of generic items with blocking and
// non-blocking pop variants. Queue drops GrowableBuffer's
// grow-at-70%-capacity behavior — the op queue is never expected to
// hold more than a handful of pending ops — and adds TryPop, a
// non-blocking pop via sync.Mutex.TryLock, for the engine's
// opportunistic drain step.
package opqueue
