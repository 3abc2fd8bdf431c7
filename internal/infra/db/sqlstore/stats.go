package sqlstore

import (
	"context"
	"database/sql"

	domain "github.com/bryanwahyu/scanrelay/internal/domain/scans"
)

// AggregateStats counts scans per status. Average duration and files
// scanned only consider scans that reported them.
func (s *Store) AggregateStats(ctx context.Context) (domain.Stats, error) {
	st := domain.Stats{ByStatus: map[domain.Status]int{
		domain.StatusPending:   0,
		domain.StatusRunning:   0,
		domain.StatusCompleted: 0,
		domain.StatusFailed:    0,
	}}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scans GROUP BY status`)
	if err != nil {
		return st, persistErr("scan stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return st, persistErr("scan stats", err)
		}
		st.ByStatus[domain.Status(status)] = n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return st, persistErr("scan stats", err)
	}
	st.Pending = st.ByStatus[domain.StatusPending]
	st.Running = st.ByStatus[domain.StatusRunning]
	st.Completed = st.ByStatus[domain.StatusCompleted]
	st.Failed = st.ByStatus[domain.StatusFailed]

	var (
		avg   sql.NullFloat64
		files sql.NullInt64
	)
	if err := s.db.QueryRowContext(ctx,
		`SELECT AVG(duration_seconds), SUM(files_scanned) FROM scans`,
	).Scan(&avg, &files); err != nil {
		return st, persistErr("scan stats", err)
	}
	st.AvgDuration = avg.Float64
	st.TotalFilesScanned = files.Int64
	return st, nil
}

// FindingStats counts findings per severity across all scans.
func (s *Store) FindingStats(ctx context.Context) (domain.FindingStats, error) {
	st := domain.FindingStats{BySeverity: map[domain.Severity]int{
		domain.SeverityCritical: 0,
		domain.SeverityHigh:     0,
		domain.SeverityMedium:   0,
		domain.SeverityLow:      0,
		domain.SeverityUnknown:  0,
	}}

	rows, err := s.db.QueryContext(ctx, `SELECT severity, COUNT(*) FROM findings GROUP BY severity`)
	if err != nil {
		return st, persistErr("finding stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			sev string
			n   int
		)
		if err := rows.Scan(&sev, &n); err != nil {
			return st, persistErr("finding stats", err)
		}
		st.BySeverity[domain.NormalizeSeverity(sev)] += n
		st.Total += n
	}
	if err := rows.Err(); err != nil {
		return st, persistErr("finding stats", err)
	}
	st.Critical = st.BySeverity[domain.SeverityCritical]
	st.High = st.BySeverity[domain.SeverityHigh]
	st.Medium = st.BySeverity[domain.SeverityMedium]
	st.Low = st.BySeverity[domain.SeverityLow]
	st.Unknown = st.BySeverity[domain.SeverityUnknown]

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT package_name) FROM findings WHERE package_name <> ''`,
	).Scan(&st.DistinctPackages); err != nil {
		return st, persistErr("finding stats", err)
	}
	return st, nil
}
