package redis

// This package is the cache connector: the single owner of the pooled redis
// connection that the kv and admission engines share.
//
// There are three concerns here:
//
//	1. primitives - get, conditional set with expiry, delete, atomic
//	   increment, expire/persist/ttl, scan and pipelined batches.
//	2. retries - transient transport errors are retried with capped
//	   exponential backoff. Exhausting the retries surfaces ErrUnavailable.
//	   A reply from the server, including "no such key", is never retried.
//	3. health - a three state signal (ready/degraded/unreachable). The
//	   connector degrades after consecutive transient failures and becomes
//	   unreachable when a retry budget is exhausted. It recovers to ready
//	   only after consecutive successful pings, which prevents a flapping
//	   connection from bouncing the supervisor between backends.
//
// Absence versus unavailability is load bearing everywhere in this module:
// a missing key is reported through a found flag or TTL sentinel, an
// unreachable cache through ErrUnavailable. Conflating the two would let
// rate limits be bypassed and kv reads return false negatives, so the
// connector never converts one into the other.
