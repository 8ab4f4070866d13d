// Package cache implements the size-bounded media cache that prefetch and
// playback share. Resources are stored as non-overlapping byte spans under
// <root>/spans, one file per span, and described by a badger index under
// <root>/index. Span files are written with temp file + fsync + rename and are
// only recorded in the index afterwards, so a crash can leave orphan files but
// never an index record that points at missing bytes; Open reconciles both
// sides. Writes that would exceed the capacity evict least-recently-used spans
// across all resources first.
package cache
