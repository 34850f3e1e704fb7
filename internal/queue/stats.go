package queue

import "sync/atomic"

// Stats holds the running counters of spec.md §3's QueueStats entity.
// Every field except Processing is monotonic; Processing tracks the
// current in-flight count.
type Stats struct {
	total      atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	timeout    atomic.Int64
	skipped    atomic.Int64
	processing atomic.Int64

	scanTotal     atomic.Int64
	scanCompleted atomic.Int64
}

// Snapshot is an immutable point-in-time copy of Stats, safe to
// marshal directly as an IPC response payload.
type Snapshot struct {
	Total      int64 `json:"total"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Timeout    int64 `json:"timeout"`
	Skipped    int64 `json:"skipped"`
	Processing int64 `json:"processing"`

	ScanTotal     int64 `json:"scan_total"`
	ScanCompleted int64 `json:"scan_completed"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Total:         s.total.Load(),
		Completed:     s.completed.Load(),
		Failed:        s.failed.Load(),
		Timeout:       s.timeout.Load(),
		Skipped:       s.skipped.Load(),
		Processing:    s.processing.Load(),
		ScanTotal:     s.scanTotal.Load(),
		ScanCompleted: s.scanCompleted.Load(),
	}
}
