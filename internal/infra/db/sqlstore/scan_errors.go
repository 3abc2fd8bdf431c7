package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	domain "github.com/bryanwahyu/scanrelay/internal/domain/scanerrors"
)

var _ domain.Repository = (*ScanErrorRepository)(nil)

type ScanErrorRepository struct {
	db *sql.DB
	d  Dialect
}

func NewScanErrorRepository(db *sql.DB, d Dialect) *ScanErrorRepository {
	return &ScanErrorRepository{db: db, d: d}
}

func (r *ScanErrorRepository) Save(ctx context.Context, e *domain.ScanError) error {
	q := r.d.rebind(`
INSERT INTO scan_errors (scan_id, phase, message, details_json, created_at)
VALUES (?,?,?,?,?)`)
	phase := dashIfEmpty(e.Phase)
	msg := dashIfEmpty(e.Message)
	details := e.DetailsJSON
	if strings.TrimSpace(details) == "" {
		details = "{}"
	} else {
		// ensure valid json; if invalid, wrap as string field
		var js any
		if json.Unmarshal([]byte(details), &js) != nil {
			b, _ := json.Marshal(map[string]string{"raw": details})
			details = string(b)
		}
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	if _, err := r.db.ExecContext(ctx, q, e.ScanID, phase, msg, details, created.UTC()); err != nil {
		return persistErr("save scan error", err)
	}
	return nil
}

// ListByScan returns the newest errors first.
func (r *ScanErrorRepository) ListByScan(ctx context.Context, scanID string, limit int) ([]*domain.ScanError, error) {
	if limit <= 0 {
		limit = 20
	}
	q := r.d.rebind(`
SELECT id, scan_id, phase, message, details_json, created_at
FROM scan_errors
WHERE scan_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`)
	rows, err := r.db.QueryContext(ctx, q, scanID, limit)
	if err != nil {
		return nil, persistErr("list scan errors", err)
	}
	defer rows.Close()

	out := []*domain.ScanError{}
	for rows.Next() {
		var (
			e       domain.ScanError
			details sql.NullString
			created dbTime
		)
		if err := rows.Scan(&e.ID, &e.ScanID, &e.Phase, &e.Message, &details, &created); err != nil {
			return nil, persistErr("list scan errors", err)
		}
		e.DetailsJSON = details.String
		e.CreatedAt = created.Time
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list scan errors", err)
	}
	return out, nil
}

func dashIfEmpty(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
