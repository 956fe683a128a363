package kv

// The kv engine is the hosted key/value primitive: microsecond reads against
// the cache, with every successful mutation mirrored best-effort into the
// durable log so a lost cache can be rebuilt with Restore.
//
// The consistency contract, stated once here and relied on everywhere:
//
//   - The cache is the sole source of truth for reads. Get never consults
//     the durable store; doing so would turn a cache outage into silent
//     stale reads instead of an honest ErrCacheUnavailable.
//   - The durable mirror is at-least-once and best-effort. A failed mirror
//     write degrades durability, never availability: the call still reports
//     success for the cache write and the failure is surfaced through the
//     Written result and the durability metrics.
//   - Values and their metadata side-records share a fate: identical TTLs,
//     set and cleared together in one pipelined batch.
//
// Key layout is {namespace}:{storeID}:{key} with metadata at the parallel
// {namespace}:{storeID}:{key}:meta key. The ":meta" suffix is therefore
// reserved; user keys ending in it are rejected before any I/O.
