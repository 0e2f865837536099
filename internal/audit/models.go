package audit

import "time"

// JobRecord is the append-only audit event emitted for every finished
// job: what ran (by content hash), for whom, how it ended, and whether
// the result came from cache.
type JobRecord struct {
	ID          string     `json:"id" db:"id"`
	ContentHash string     `json:"content_hash" db:"content_hash"`
	Tenant      string     `json:"tenant" db:"tenant"`
	Outcome     string     `json:"outcome" db:"outcome"` // completed, failed, timed_out, cancelled
	ExitCode    int        `json:"exit_code" db:"exit_code"`
	DurationMS  int64      `json:"duration_ms" db:"duration_ms"`
	CacheHit    bool       `json:"cache_hit" db:"cache_hit"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// RecordFilter provides criteria for querying job records.
type RecordFilter struct {
	Tenant  string
	Outcome string
	Since   *time.Time
	Until   *time.Time
	Limit   int
	Offset  int
}
