package analyst

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a scan has no stored analysis.
var ErrNotFound = errors.New("analysis not found")

// Repository port for persisting and querying analyses
type Repository interface {
	Save(ctx context.Context, a *Analysis) error
	LatestByScan(ctx context.Context, scanID string) (*Analysis, error)
}
