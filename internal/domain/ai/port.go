package ai

import (
	"context"

	"github.com/bryanwahyu/scanrelay/internal/domain/scans"
)

// Request is the material handed to the model for one scan.
type Request struct {
	ScanID     scans.ScanID
	Repository string
	Findings   []scans.Finding
}

type Client interface {
	Analyze(ctx context.Context, req Request) (string, error)
	ModelName() string
}
