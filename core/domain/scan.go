package domain

import "time"

// =============================================================================
// History scans
// =============================================================================

// ScanStatus is the scan lifecycle. completed, cancelled and failed are
// terminal; pause is only legal from in_progress and resume only from
// paused.
type ScanStatus string

const (
	ScanInProgress ScanStatus = "in_progress"
	ScanPaused     ScanStatus = "paused"
	ScanCompleted  ScanStatus = "completed"
	ScanCancelled  ScanStatus = "cancelled"
	ScanFailed     ScanStatus = "failed"
)

// IsTerminal reports whether the scan can never run again.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanCompleted || s == ScanCancelled || s == ScanFailed
}

// ScanConfig is the immutable request a scan was started with.
type ScanConfig struct {
	Query                string `json:"query,omitempty"`
	BatchSize            int    `json:"batch_size"`
	SkipAlreadyProcessed bool   `json:"skip_already_processed"`
	MaxMessages          int    `json:"max_messages,omitempty"` // 0 = no cap
}

// BatchStat is one completed batch in the rolling rate window.
type BatchStat struct {
	Messages   int   `json:"messages"`
	DurationMS int64 `json:"duration_ms"`
}

// ScanState is the resumable progress record of one scan. The checkpoint
// (NextPageToken, LastProcessedEmailID) advances once per batch, so a
// resume never re-enters a finished batch.
type ScanState struct {
	ScanID            int64      `json:"scan_id"` // snowflake
	AccountID         string     `json:"account_id"`
	Config            ScanConfig `json:"config"`
	Status            ScanStatus `json:"status"`
	Processed         int        `json:"processed"`
	Skipped           int        `json:"skipped"`
	Failed            int        `json:"failed"`
	EstimatedTotal    int    `json:"estimated_total,omitempty"`
	ConsecutiveErrorBatches int  `json:"consecutive_error_batches"`
	RecentBatches     []BatchStat `json:"recent_batches,omitempty"`
	NextPageToken     string     `json:"next_page_token,omitempty"`
	LastProcessedEmailID string  `json:"last_processed_email_id,omitempty"`
	Error             string     `json:"error,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	LastUpdatedAt     time.Time  `json:"last_updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// Seen is the total number of messages accounted for so far.
func (s *ScanState) Seen() int {
	return s.Processed + s.Skipped + s.Failed
}

// RecordBatch appends a batch to the rolling window, keeping at most size
// entries.
func (s *ScanState) RecordBatch(stat BatchStat, size int) {
	if size <= 0 {
		size = 5
	}
	s.RecentBatches = append(s.RecentBatches, stat)
	if len(s.RecentBatches) > size {
		s.RecentBatches = s.RecentBatches[len(s.RecentBatches)-size:]
	}
}

// ETASeconds estimates the remaining duration from the rolling window.
// Returns 0, false when no estimate is possible (no window, no total).
func (s *ScanState) ETASeconds() (int64, bool) {
	if len(s.RecentBatches) == 0 || s.EstimatedTotal <= 0 {
		return 0, false
	}
	var msgs int
	var durMS int64
	for _, b := range s.RecentBatches {
		msgs += b.Messages
		durMS += b.DurationMS
	}
	if msgs == 0 || durMS == 0 {
		return 0, false
	}
	remaining := s.EstimatedTotal - s.Seen()
	if remaining <= 0 {
		return 0, true
	}
	perMsgMS := float64(durMS) / float64(msgs)
	return int64(perMsgMS * float64(remaining) / 1000), true
}
