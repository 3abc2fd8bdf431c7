package scans

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCallback_Completed(t *testing.T) {
	t.Parallel()
	body := []byte(`{
		"scanId": "s-1",
		"status": "completed",
		"duration": 12.5,
		"results": {
			"filesScanned": 42,
			"detailedFindings": [
				{"id": "CVE-2024-1", "severity": "high", "title": "proto pollution",
				 "package": "left-pad", "installed_version": "1.0.0", "fixedVersion": "1.0.1",
				 "references": ["https://a", "https://b"]},
				{"id": 7, "severity": "weird", "package_name": "lodash", "references": "https://c, https://d"}
			]
		}
	}`)
	cb, err := ParseCallback(body)
	require.NoError(t, err)

	c, ok := cb.(*CompletedCallback)
	require.True(t, ok)
	assert.Equal(t, ScanID("s-1"), c.Scan())
	assert.Equal(t, StatusCompleted, c.Target())
	require.NotNil(t, c.FilesScanned)
	assert.Equal(t, 42, *c.FilesScanned)
	require.NotNil(t, c.DurationSeconds)
	assert.Equal(t, 12.5, *c.DurationSeconds)
	assert.Equal(t, body, c.Body())
	require.Len(t, c.Findings, 2)

	f := c.Findings[0]
	assert.Equal(t, "CVE-2024-1", f.FindingID)
	assert.Equal(t, SeverityHigh, f.Severity)
	assert.Equal(t, "left-pad", f.PackageName)
	assert.Equal(t, "1.0.0", f.InstalledVersion)
	assert.Equal(t, "1.0.1", f.FixedVersion)
	assert.Equal(t, []string{"https://a", "https://b"}, f.References)
	assert.Equal(t, ScanID("s-1"), f.ScanID)

	g := c.Findings[1]
	assert.Equal(t, "7", g.FindingID)
	assert.Equal(t, SeverityUnknown, g.Severity)
	assert.Equal(t, "lodash", g.PackageName)
	assert.Equal(t, []string{"https://c", "https://d"}, g.References)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fields := c.Fields(now)
	assert.Equal(t, now, fields.CompletedAt)
	assert.Nil(t, fields.ErrorMessage)
	assert.JSONEq(t, string(c.Result), string(fields.Result))
}

func TestParseCallback_TopLevelFilesScannedWins(t *testing.T) {
	t.Parallel()
	cb, err := ParseCallback([]byte(`{"scan_id":"s","status":"completed","filesScanned":3,"results":{"filesScanned":9}}`))
	require.NoError(t, err)
	c := cb.(*CompletedCallback)
	assert.Equal(t, 3, *c.FilesScanned)
	assert.Empty(t, c.Findings)
}

func TestParseCallback_Failed(t *testing.T) {
	t.Parallel()
	cb, err := ParseCallback([]byte(`{"scanId":"s-2","status":"FAILED","error":"clone failed"}`))
	require.NoError(t, err)
	f, ok := cb.(*FailedCallback)
	require.True(t, ok)
	assert.Equal(t, "clone failed", f.ErrorMessage)
	assert.Nil(t, f.Result)

	fields := f.Fields(time.Now())
	require.NotNil(t, fields.ErrorMessage)
	assert.Equal(t, "clone failed", *fields.ErrorMessage)

	cb, err = ParseCallback([]byte(`{"scanId":"s-2","status":"failed"}`))
	require.NoError(t, err)
	assert.Equal(t, "scan failed", cb.(*FailedCallback).ErrorMessage)
}

func TestParseCallback_Rejects(t *testing.T) {
	t.Parallel()
	for name, body := range map[string]string{
		"not json":          `{`,
		"missing scan id":   `{"status":"completed"}`,
		"bad status":        `{"scanId":"s","status":"running"}`,
		"empty status":      `{"scanId":"s"}`,
		"results not obj":   `{"scanId":"s","status":"completed","results":[1]}`,
		"negative duration": `{"scanId":"s","status":"completed","duration":-1}`,
		"negative files":    `{"scanId":"s","status":"completed","filesScanned":-4}`,
		"bad references":    `{"scanId":"s","status":"completed","results":{"detailedFindings":[{"references":{"a":1}}]}}`,
	} {
		_, err := ParseCallback([]byte(body))
		assert.Truef(t, errors.Is(err, ErrInvalidCallback), "%s: %v", name, err)
	}
}

func TestDispatchErrorMatchesSentinel(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")
	err := error(&DispatchError{Attempts: 3, Err: cause})
	assert.True(t, errors.Is(err, ErrDispatchFailed))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "3 attempt")
}
