// Package sqlstore implements scan persistence on database/sql for SQLite,
// MySQL and Postgres.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/bryanwahyu/scanrelay/internal/domain/scans"
)

// Compile-time interface check.
var _ domain.Store = (*Store)(nil)

const (
	defaultLimit = 20
	maxLimit     = 100
)

const scanColumns = `id, source_url, canonical_name, status, started_at, completed_at,
       duration_seconds, files_scanned, result_blob, error_message`

const scanSummaryColumns = `id, source_url, canonical_name, status, started_at, completed_at,
       duration_seconds, files_scanned, NULL AS result_blob, error_message`

// Store is the ScanStore. Status changes and finding replacement each run
// in one transaction that locks the scan row.
type Store struct {
	db    *sql.DB
	d     Dialect
	now   func() time.Time
	newID func() string
}

type Option func(*Store)

// WithClock overrides the time source used for StartedAt/CompletedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides scan id allocation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

func New(db *sql.DB, d Dialect, opts ...Option) *Store {
	s := &Store{db: db, d: d, now: time.Now, newID: uuid.NewString}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create inserts a pending scan.
func (s *Store) Create(ctx context.Context, sourceURL, canonicalName string) (*domain.Scan, error) {
	scan := &domain.Scan{
		ID:            domain.ScanID(s.newID()),
		SourceURL:     sourceURL,
		CanonicalName: canonicalName,
		Status:        domain.StatusPending,
		StartedAt:     s.now().UTC(),
	}
	q := s.d.rebind(`
INSERT INTO scans (id, source_url, canonical_name, status, started_at)
VALUES (?,?,?,?,?)`)
	if _, err := s.db.ExecContext(ctx, q,
		string(scan.ID), scan.SourceURL, scan.CanonicalName, string(scan.Status), scan.StartedAt,
	); err != nil {
		return nil, persistErr("create scan", err)
	}
	return scan, nil
}

// Get by ID
func (s *Store) Get(ctx context.Context, id domain.ScanID) (*domain.Scan, error) {
	q := s.d.rebind(`SELECT ` + scanColumns + ` FROM scans WHERE id=?`)
	scan, err := scanRow(s.db.QueryRowContext(ctx, q, string(id)))
	if err != nil {
		return nil, persistErr("get scan", err)
	}
	return scan, nil
}

// List returns scans newest first.
func (s *Store) List(ctx context.Context, f domain.ListFilter) ([]*domain.Scan, error) {
	cols := scanSummaryColumns
	if f.IncludeResult {
		cols = scanColumns
	}
	query := `SELECT ` + cols + ` FROM scans WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		pattern := "%" + escapeLikePattern(strings.ToLower(search)) + "%"
		query += " AND (LOWER(source_url) LIKE ? ESCAPE '!' OR LOWER(canonical_name) LIKE ? ESCAPE '!')"
		args = append(args, pattern, pattern)
	}
	query += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, clampLimit(f.Limit))

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, persistErr("list scans", err)
	}
	defer rows.Close()

	out := []*domain.Scan{}
	for rows.Next() {
		scan, err := scanRow(rows)
		if err != nil {
			return nil, persistErr("list scans", err)
		}
		out = append(out, scan)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list scans", err)
	}
	return out, nil
}

// Transition moves a scan to another status if the state machine allows it.
// Terminal fields are written only when the target status is terminal, and
// completed_at is never overwritten once set.
func (s *Store) Transition(ctx context.Context, id domain.ScanID, to domain.Status, fields domain.TerminalFields) (*domain.Scan, bool, error) {
	var (
		out     *domain.Scan
		applied bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.lockScan(ctx, tx, id)
		if err != nil {
			return err
		}
		if !domain.CanTransition(cur.Status, to) {
			out = cur
			return nil
		}

		if to.Terminal() {
			completedAt := fields.CompletedAt
			if completedAt.IsZero() {
				completedAt = s.now()
			}
			q := s.d.rebind(`
UPDATE scans
SET status = ?,
    completed_at = COALESCE(completed_at, ?),
    duration_seconds = ?,
    files_scanned = ?,
    result_blob = ?,
    error_message = ?
WHERE id = ?`)
			_, err = tx.ExecContext(ctx, q,
				string(to), completedAt.UTC(),
				nullFloat(fields.DurationSeconds), nullInt(fields.FilesScanned),
				nullJSON(fields.Result), nullString(fields.ErrorMessage),
				string(id),
			)
		} else {
			_, err = tx.ExecContext(ctx, s.d.rebind(`UPDATE scans SET status = ? WHERE id = ?`), string(to), string(id))
		}
		if err != nil {
			return err
		}

		q := s.d.rebind(`SELECT ` + scanColumns + ` FROM scans WHERE id=?`)
		out, err = scanRow(tx.QueryRowContext(ctx, q, string(id)))
		applied = err == nil
		return err
	})
	if err != nil {
		return nil, false, persistErr("transition scan", err)
	}
	return out, applied, nil
}

// lockScan reads a scan inside tx, holding its row lock where the dialect
// supports one.
func (s *Store) lockScan(ctx context.Context, tx *sql.Tx, id domain.ScanID) (*domain.Scan, error) {
	q := s.d.rebind(`SELECT ` + scanColumns + ` FROM scans WHERE id=?` + s.d.lockRow)
	return scanRow(tx.QueryRowContext(ctx, q, string(id)))
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()
	return fn(tx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRow(row rowScanner) (*domain.Scan, error) {
	var (
		s                  domain.Scan
		id, status         string
		started, completed dbTime
		duration           sql.NullFloat64
		files              sql.NullInt64
		result, errMsg     sql.NullString
	)
	if err := row.Scan(
		&id, &s.SourceURL, &s.CanonicalName, &status, &started, &completed,
		&duration, &files, &result, &errMsg,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrScanNotFound
		}
		return nil, err
	}
	s.ID = domain.ScanID(id)
	s.Status = domain.Status(status)
	s.StartedAt = started.Time
	s.CompletedAt = completed.ptr()
	if duration.Valid {
		v := duration.Float64
		s.DurationSeconds = &v
	}
	if files.Valid {
		v := int(files.Int64)
		s.FilesScanned = &v
	}
	if result.Valid && result.String != "" {
		s.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		v := errMsg.String
		s.ErrorMessage = &v
	}
	return &s, nil
}

// persistErr tags storage faults with ErrPersistence, leaving not-found as is.
func persistErr(op string, err error) error {
	if errors.Is(err, domain.ErrScanNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrPersistence, err)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// escapeLikePattern escapes LIKE wildcards using '!' as the escape character,
// which every supported dialect accepts without string-literal quirks.
func escapeLikePattern(s string) string {
	s = strings.ReplaceAll(s, "!", "!!")
	s = strings.ReplaceAll(s, "%", "!%")
	s = strings.ReplaceAll(s, "_", "!_")
	return s
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}
