package scans

import "context"

// Store is the transactional persistence for scans and their findings.
type Store interface {
	Create(ctx context.Context, sourceURL, canonicalName string) (*Scan, error)
	Get(ctx context.Context, id ScanID) (*Scan, error)
	List(ctx context.Context, f ListFilter) ([]*Scan, error)

	// Transition is the only way a scan changes status. A move the state
	// machine does not allow returns the current scan and false.
	Transition(ctx context.Context, id ScanID, to Status, fields TerminalFields) (*Scan, bool, error)

	// ReplaceFindings atomically swaps the whole finding set of a scan.
	ReplaceFindings(ctx context.Context, id ScanID, findings []Finding) error
	FindingsFor(ctx context.Context, id ScanID) ([]Finding, error)

	AggregateStats(ctx context.Context) (Stats, error)
	FindingStats(ctx context.Context) (FindingStats, error)
}

// Dispatcher starts the remote scan job.
type Dispatcher interface {
	// CheckTarget verifies the repository exists before a job is requested.
	CheckTarget(ctx context.Context, canonicalName string) error
	Dispatch(ctx context.Context, job JobSpec) error
}

// Publisher fans scan events out to live observers.
type Publisher interface {
	Publish(e Event)
}

// CallbackArchive keeps raw callback bodies for later inspection.
type CallbackArchive interface {
	Archive(ctx context.Context, id ScanID, body []byte) (string, error)
}
