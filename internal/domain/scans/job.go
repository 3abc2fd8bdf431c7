package scans

// JobSpec is what the remote worker needs to run one scan.
type JobSpec struct {
	ScanID        ScanID
	SourceURL     string
	CanonicalName string
	CallbackURL   string
	CallbackToken string
}
