package scans

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Callback is the validated outcome report of a remote scan job. It is
// either a *CompletedCallback or a *FailedCallback.
type Callback interface {
	Scan() ScanID
	Target() Status
	// Fields returns what the terminal transition writes.
	Fields(completedAt time.Time) TerminalFields
	// Body is the raw request body as received.
	Body() []byte
	sealed()
}

// CompletedCallback reports a finished scan and its findings.
type CompletedCallback struct {
	ScanID          ScanID
	DurationSeconds *float64
	FilesScanned    *int
	Findings        []Finding
	Result          json.RawMessage
	Raw             []byte
}

func (c *CompletedCallback) Scan() ScanID   { return c.ScanID }
func (c *CompletedCallback) Target() Status { return StatusCompleted }
func (c *CompletedCallback) Body() []byte   { return c.Raw }
func (c *CompletedCallback) sealed()        {}

func (c *CompletedCallback) Fields(completedAt time.Time) TerminalFields {
	return TerminalFields{
		CompletedAt:     completedAt,
		DurationSeconds: c.DurationSeconds,
		FilesScanned:    c.FilesScanned,
		Result:          c.Result,
	}
}

// FailedCallback reports a scan the worker could not finish.
type FailedCallback struct {
	ScanID          ScanID
	ErrorMessage    string
	DurationSeconds *float64
	FilesScanned    *int
	Result          json.RawMessage
	Raw             []byte
}

func (c *FailedCallback) Scan() ScanID   { return c.ScanID }
func (c *FailedCallback) Target() Status { return StatusFailed }
func (c *FailedCallback) Body() []byte   { return c.Raw }
func (c *FailedCallback) sealed()        {}

func (c *FailedCallback) Fields(completedAt time.Time) TerminalFields {
	msg := c.ErrorMessage
	return TerminalFields{
		CompletedAt:     completedAt,
		DurationSeconds: c.DurationSeconds,
		FilesScanned:    c.FilesScanned,
		Result:          c.Result,
		ErrorMessage:    &msg,
	}
}

// wire shapes accepted from the worker

type callbackBody struct {
	ScanID       string          `json:"scanId"`
	ScanIDSnake  string          `json:"scan_id"`
	Status       string          `json:"status"`
	Results      json.RawMessage `json:"results"`
	Duration     *float64        `json:"duration"`
	FilesScanned *int            `json:"filesScanned"`
	Error        string          `json:"error"`
	ErrorMessage string          `json:"errorMessage"`
}

type resultsBody struct {
	FilesScanned      *int          `json:"filesScanned"`
	FilesScannedSnake *int          `json:"files_scanned"`
	DetailedFindings  []findingBody `json:"detailedFindings"`
	// older workflow revisions used this key
	DetailedVulnerabilities []findingBody `json:"detailed_vulnerabilities"`
}

type findingBody struct {
	ID                    json.RawMessage `json:"id"`
	Severity              string          `json:"severity"`
	Title                 string          `json:"title"`
	Description           string          `json:"description"`
	Package               string          `json:"package"`
	PackageName           string          `json:"package_name"`
	InstalledVersion      string          `json:"installedVersion"`
	InstalledVersionSnake string          `json:"installed_version"`
	FixedVersion          string          `json:"fixedVersion"`
	FixedVersionSnake     string          `json:"fixed_version"`
	References            json.RawMessage `json:"references"`
}

// ParseCallback validates a callback body and returns its tagged variant.
// Every rejection wraps ErrInvalidCallback.
func ParseCallback(raw []byte) (Callback, error) {
	var body callbackBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCallback, err)
	}
	id := strings.TrimSpace(firstNonEmpty(body.ScanID, body.ScanIDSnake))
	if id == "" {
		return nil, fmt.Errorf("%w: scanId is required", ErrInvalidCallback)
	}
	if body.Duration != nil && *body.Duration < 0 {
		return nil, fmt.Errorf("%w: duration must not be negative", ErrInvalidCallback)
	}

	var results resultsBody
	result := trimNull(body.Results)
	if result != nil {
		if result[0] != '{' {
			return nil, fmt.Errorf("%w: results must be an object", ErrInvalidCallback)
		}
		if err := json.Unmarshal(result, &results); err != nil {
			return nil, fmt.Errorf("%w: results: %v", ErrInvalidCallback, err)
		}
	}

	files := body.FilesScanned
	if files == nil {
		files = results.FilesScanned
	}
	if files == nil {
		files = results.FilesScannedSnake
	}
	if files != nil && *files < 0 {
		return nil, fmt.Errorf("%w: filesScanned must not be negative", ErrInvalidCallback)
	}

	switch Status(strings.ToLower(strings.TrimSpace(body.Status))) {
	case StatusCompleted:
		entries := results.DetailedFindings
		if entries == nil {
			entries = results.DetailedVulnerabilities
		}
		findings := make([]Finding, 0, len(entries))
		for i, e := range entries {
			f, err := e.toFinding(ScanID(id))
			if err != nil {
				return nil, fmt.Errorf("%w: finding %d: %v", ErrInvalidCallback, i, err)
			}
			findings = append(findings, f)
		}
		return &CompletedCallback{
			ScanID:          ScanID(id),
			DurationSeconds: body.Duration,
			FilesScanned:    files,
			Findings:        findings,
			Result:          result,
			Raw:             raw,
		}, nil
	case StatusFailed:
		msg := firstNonEmpty(body.ErrorMessage, body.Error)
		if msg == "" {
			msg = "scan failed"
		}
		return &FailedCallback{
			ScanID:          ScanID(id),
			ErrorMessage:    msg,
			DurationSeconds: body.Duration,
			FilesScanned:    files,
			Result:          result,
			Raw:             raw,
		}, nil
	default:
		return nil, fmt.Errorf("%w: status must be completed or failed, got %q", ErrInvalidCallback, body.Status)
	}
}

func (e findingBody) toFinding(scanID ScanID) (Finding, error) {
	id, err := scalarString(e.ID)
	if err != nil {
		return Finding{}, fmt.Errorf("id: %w", err)
	}
	refs, err := stringList(e.References)
	if err != nil {
		return Finding{}, fmt.Errorf("references: %w", err)
	}
	return Finding{
		ScanID:           scanID,
		FindingID:        id,
		Severity:         NormalizeSeverity(e.Severity),
		Title:            e.Title,
		Description:      e.Description,
		PackageName:      firstNonEmpty(e.Package, e.PackageName),
		InstalledVersion: firstNonEmpty(e.InstalledVersion, e.InstalledVersionSnake),
		FixedVersion:     firstNonEmpty(e.FixedVersion, e.FixedVersionSnake),
		References:       refs,
	}, nil
}

// scalarString accepts a JSON string or number.
func scalarString(raw json.RawMessage) (string, error) {
	raw = trimNull(raw)
	if raw == nil {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// stringList accepts an array of strings or a single comma separated string.
func stringList(raw json.RawMessage) ([]string, error) {
	raw = trimNull(raw)
	if raw == nil {
		return []string{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		out := []string{}
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

func trimNull(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return raw
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
