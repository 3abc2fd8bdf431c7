package scans

import (
	"sort"
	"strings"
)

// Severity enum
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityUnknown  Severity = "UNKNOWN"
)

// NormalizeSeverity maps worker-reported severities onto the known set.
// Anything unrecognised is unclassified.
func NormalizeSeverity(s string) Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH":
		return SeverityHigh
	case "MEDIUM", "MODERATE":
		return SeverityMedium
	case "LOW":
		return SeverityLow
	default:
		return SeverityUnknown
	}
}

// Rank orders severities from most to least severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

// Finding is one issue reported by the worker for a scan.
type Finding struct {
	ScanID           ScanID   `json:"scan_id"`
	FindingID        string   `json:"finding_id,omitempty"`
	Severity         Severity `json:"severity"`
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	PackageName      string   `json:"package_name"`
	InstalledVersion string   `json:"installed_version"`
	FixedVersion     string   `json:"fixed_version"`
	References       []string `json:"references"`
}

// SortBySeverity orders findings most severe first, keeping the input order
// within a severity.
func SortBySeverity(fs []Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		return fs[i].Severity.Rank() < fs[j].Severity.Rank()
	})
}
