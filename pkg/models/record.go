package models

import "time"

// RequestRecord captures the outcome of a single proxied completion.
type RequestRecord struct {
	Model     string    `json:"model"`
	CacheHit  bool      `json:"cache_hit"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// ModelSummary aggregates request records per model.
type ModelSummary struct {
	Model        string  `json:"model"`
	Requests     int64   `json:"requests"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}
