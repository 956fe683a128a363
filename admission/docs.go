// Package admission is the distributed rate limiting and ban tier. Requests
// are admitted against named presets using fixed windows counted in the
// shared cache, so every replica draws on one budget. The window TTL is set
// exactly once, by the same script that increments, and never refreshed
// mid-window.
//
// Admission is the one tier permitted to degrade: while the cache is
// unreachable the limiter counts in a per-process table with the identical
// algorithm and keeps answering. Callers therefore never see an
// unavailability error from Check, only from misconfiguration.
package admission
