package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bryanwahyu/scanrelay/internal/domain/ai"
	"github.com/bryanwahyu/scanrelay/internal/domain/scans"
)

// MaxFindings caps how many findings are sent to the model.
const MaxFindings = 50

// GetSystemPrompt provides strict directions and schema for JSON output.
func GetSystemPrompt() string {
	return `You are a senior application security analyst triaging dependency scan results. You must produce one valid JSON object only (no markdown, no commentary) that follows the schema below. Do not include code fences.

Requirements:
- Output must be a single JSON object.
- Use lowercase severity values: critical, high, medium, low, unknown.
- counts must reflect the findings you were given, not only the ones you prioritise.
- priorities lists at most 10 items, most urgent first. Prefer findings that have a fixed version.
- Never invent packages, versions or identifiers that are not in the input.

Schema (example with empty values):
{
  "repository": "<string>",
  "counts": {"critical": 0, "high": 0, "medium": 0, "low": 0, "unknown": 0, "total": 0},
  "priorities": [
    {
      "finding_id": "<string>",
      "package": "<string>",
      "severity": "<critical|high|medium|low|unknown>",
      "summary": "<string>",
      "recommendation": "<string>"
    }
  ],
  "advice": "<string>"
}`
}

type promptFinding struct {
	ID        string `json:"id,omitempty"`
	Severity  string `json:"severity"`
	Title     string `json:"title,omitempty"`
	Package   string `json:"package,omitempty"`
	Installed string `json:"installed,omitempty"`
	Fixed     string `json:"fixed,omitempty"`
}

// GetUserPrompt renders the findings of one scan, most severe first.
func GetUserPrompt(req ai.Request) (string, error) {
	fs := append([]scans.Finding(nil), req.Findings...)
	scans.SortBySeverity(fs)

	counts := map[string]int{}
	for _, f := range fs {
		counts[strings.ToLower(string(f.Severity))]++
	}

	omitted := 0
	if len(fs) > MaxFindings {
		omitted = len(fs) - MaxFindings
		fs = fs[:MaxFindings]
	}
	items := make([]promptFinding, 0, len(fs))
	for _, f := range fs {
		items = append(items, promptFinding{
			ID:        f.FindingID,
			Severity:  strings.ToLower(string(f.Severity)),
			Title:     f.Title,
			Package:   f.PackageName,
			Installed: f.InstalledVersion,
			Fixed:     f.FixedVersion,
		})
	}

	b, err := json.Marshal(map[string]any{
		"repository": req.Repository,
		"counts":     counts,
		"findings":   items,
		"omitted":    omitted,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal findings: %w", err)
	}
	return fmt.Sprintf("Triage the scan results for %s and respond with the JSON per schema. Input: %s", req.Repository, b), nil
}
