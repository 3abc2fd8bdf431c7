package scans

import (
	"encoding/json"
	"time"
)

// ScanID is the opaque identifier of a scan.
type ScanID string

// Status enum
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ParseStatus returns the Status named by s.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return st, true
	}
	return "", false
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Aggregate Root: Scan
//
// SourceURL, CanonicalName and StartedAt never change after creation.
// CompletedAt is set exactly when Status becomes terminal; the result
// fields are only written by a terminal callback.
type Scan struct {
	ID              ScanID          `json:"id"`
	SourceURL       string          `json:"source_url"`
	CanonicalName   string          `json:"canonical_name"`
	Status          Status          `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	DurationSeconds *float64        `json:"duration_seconds,omitempty"`
	FilesScanned    *int            `json:"files_scanned,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
}

// Summary returns a copy of the scan without its result payload.
func (s *Scan) Summary() *Scan {
	c := *s
	c.Result = nil
	return &c
}

// TerminalFields carries the values a transition may write. Fields other
// than ErrorMessage are ignored unless the target status is terminal.
type TerminalFields struct {
	CompletedAt     time.Time
	DurationSeconds *float64
	FilesScanned    *int
	Result          json.RawMessage
	ErrorMessage    *string
}

// ListFilter narrows List results.
type ListFilter struct {
	Status        Status
	Search        string
	Limit         int
	IncludeResult bool
}

// Stats is the scan rollup served to dashboards.
type Stats struct {
	Total             int            `json:"total_scans"`
	ByStatus          map[Status]int `json:"by_status"`
	Pending           int            `json:"pending_scans"`
	Running           int            `json:"running_scans"`
	Completed         int            `json:"completed_scans"`
	Failed            int            `json:"failed_scans"`
	AvgDuration       float64        `json:"avg_duration_seconds"`
	TotalFilesScanned int64          `json:"total_files_scanned"`
}

// FindingStats is the finding rollup served to dashboards.
type FindingStats struct {
	Total            int              `json:"total"`
	BySeverity       map[Severity]int `json:"by_severity"`
	Critical         int              `json:"critical"`
	High             int              `json:"high"`
	Medium           int              `json:"medium"`
	Low              int              `json:"low"`
	Unknown          int              `json:"unknown"`
	DistinctPackages int              `json:"distinct_packages"`
}
