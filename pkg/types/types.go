package types

import (
	"errors"
	"time"
)

// ErrPayloadNotFound is matched by errors returned from PayloadStore.OpenRead
// when nothing is stored at the requested location.
var ErrPayloadNotFound = errors.New("payload not found")

// Severity is the level attached to a log record
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityWarn:
		return "WARN"
	case SeverityError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// CacheStats represents cache statistics
type CacheStats struct {
	Hits             uint64  `json:"hits"`
	Misses           uint64  `json:"misses"`
	Evictions        uint64  `json:"evictions"`
	PendingDeletions int64   `json:"pending_deletions"`
	Entries          int     `json:"entries"`
	Size             int64   `json:"size"`
	HitRate          float64 `json:"hit_rate"`
}

// PoolStats represents buffer pool statistics
type PoolStats struct {
	Enabled   bool   `json:"enabled"`
	Idle      int    `json:"idle"`
	IdleBytes int64  `json:"idle_bytes"`
	Reused    uint64 `json:"reused"`
	Allocated uint64 `json:"allocated"`
	Released  uint64 `json:"released"`
	Dropped   uint64 `json:"dropped"`
	Evicted   uint64 `json:"evicted"`
}

// SweepResult summarizes one maintenance or clear pass
type SweepResult struct {
	Expired    int           `json:"expired"`
	Evicted    int           `json:"evicted"`
	FreedBytes int64         `json:"freed_bytes"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

// Add accumulates other into r.
func (r *SweepResult) Add(other SweepResult) {
	r.Expired += other.Expired
	r.Evicted += other.Evicted
	r.FreedBytes += other.FreedBytes
	r.Failed += other.Failed
	r.Duration += other.Duration
}
