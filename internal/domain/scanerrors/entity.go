package scanerrors

import "time"

// Phases a scan error can be recorded in.
const (
	PhaseDispatch = "dispatch"
	PhaseCallback = "callback"
)

// ScanError represents a persisted scan error entry
type ScanError struct {
	ID          int64     `json:"id"`
	ScanID      string    `json:"scan_id"`
	Phase       string    `json:"phase"` // dispatch | callback
	Message     string    `json:"message"`
	DetailsJSON string    `json:"details_json,omitempty"` // raw JSON string
	CreatedAt   time.Time `json:"created_at"`
}
