// Package cachepool implements the shared buffer pool that backs every
// per-connection page cache.
//
// A Pool hands out fixed-size page buffers to the caches created from it
// and recycles them through a least-recently-used list of unpinned pages.
// Budgets are kept per group:
//
//	maxPages  sum of every purgeable cache's configured size
//	minPages  10 per purgeable cache
//	maxPinned maxPages + 10 - minPages
//
// After any call returns, the number of unpinned pages allocated by a
// group never exceeds maxPages. Pinned pages cannot be evicted; a cache
// that has pinned too much receives nil from Fetch and is expected to
// spill dirty pages and retry with CreateForce.
//
// In ModeUnified every purgeable cache shares one group guarded by a
// mutex. In ModeSeparate each cache owns its group and no locking is done.
// The mutex is released while a new buffer is allocated.
package cachepool
