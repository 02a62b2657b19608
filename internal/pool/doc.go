// Package pool keeps at most one warm container per (language, backend) key.
//
// Each key moves through a small state machine:
//
//	cold -> building -> idle <-> busy
//	building -> failed -> building (next acquisition)
//	idle|busy -> stale -> cold (unhealthy release, reaping)
//
// Concurrent acquisitions of a cold key share a single build through
// singleflight. Entries are never removed from the pool; eviction resets an
// entry to cold so the next acquisition rebuilds it.
package pool
