package scans

// Event types pushed to observers.
const (
	EventConnection = "connection"
	EventScanUpdate = "scan_update"
)

// Event is one notification fanned out to observers.
type Event struct {
	Type    string `json:"type"`
	Scan    *Scan  `json:"scan,omitempty"`
	Message string `json:"message,omitempty"`
}

// ScanUpdate builds the event published after every state change.
func ScanUpdate(s *Scan) Event {
	return Event{Type: EventScanUpdate, Scan: s}
}
