package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/bryanwahyu/scanrelay/internal/domain/analyst"
)

var _ domain.Repository = (*AnalystRepository)(nil)

type AnalystRepository struct {
	db *sql.DB
	d  Dialect
}

func NewAnalystRepository(db *sql.DB, d Dialect) *AnalystRepository {
	return &AnalystRepository{db: db, d: d}
}

// Save inserts an analysis record
func (r *AnalystRepository) Save(ctx context.Context, a *domain.Analysis) error {
	q := r.d.rebind(`
INSERT INTO scan_analyses (id, scan_id, model, result_json, created_at)
VALUES (?,?,?,?,?)`)
	if a.ID == "" {
		a.ID = domain.AnalysisID(uuid.NewString())
	}
	result := a.Result
	if strings.TrimSpace(result) == "" {
		// result_json column requires valid JSON; use empty object
		result = "{}"
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if _, err := r.db.ExecContext(ctx, q, string(a.ID), a.ScanID, dashIfEmpty(a.Model), result, a.CreatedAt.UTC()); err != nil {
		return persistErr("save analysis", err)
	}
	return nil
}

// LatestByScan returns the most recent analysis of a scan.
func (r *AnalystRepository) LatestByScan(ctx context.Context, scanID string) (*domain.Analysis, error) {
	q := r.d.rebind(`
SELECT id, scan_id, model, result_json, created_at
FROM scan_analyses
WHERE scan_id = ?
ORDER BY created_at DESC, id DESC
LIMIT 1`)
	var (
		a       domain.Analysis
		id      string
		created dbTime
	)
	err := r.db.QueryRowContext(ctx, q, scanID).Scan(&id, &a.ScanID, &a.Model, &a.Result, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, persistErr("get analysis", err)
	}
	a.ID = domain.AnalysisID(id)
	a.CreatedAt = created.Time
	return &a, nil
}
