// Package tsstore implements TS, the append-only, timepoint-indexed
// time series that backs every history the engine keeps (price,
// per-agent actions, information events).
//
// TS is a generic rewrite of the teacher's router.GrowableBuffer: both
// are mutex-guarded generic containers with head/tail bookkeeping, but
// where GrowableBuffer is a ring-buffer queue (consumed items are gone
// for good), TS is a sparse timeline that can be read by timepoint at
// any point after it was written, trimmed only from the low end, and
// observed through two kinds of read-only views (DenseView,
// SparseView) that do not copy the underlying storage.
package tsstore
