package models

import "time"

// CacheEntry stores a cached completion keyed by request fingerprint.
type CacheEntry struct {
	Key       string    `json:"key"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}

// CacheStats reports cache performance metrics. Hits and Misses count
// lookups made by the current process; Entries is read from the store.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}
