package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"

	domain "github.com/bryanwahyu/scanrelay/internal/domain/scans"
)

// ReplaceFindings deletes every finding of the scan and inserts the given set
// in one transaction. A missing scan leaves storage untouched.
func (s *Store) ReplaceFindings(ctx context.Context, id domain.ScanID, findings []domain.Finding) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.lockScan(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM findings WHERE scan_id=?`), string(id)); err != nil {
			return err
		}
		if len(findings) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, s.d.rebind(`
INSERT INTO findings (scan_id, finding_id, severity, title, description,
                      package_name, installed_version, fixed_version, reference_links)
VALUES (?,?,?,?,?,?,?,?,?)`))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, f := range findings {
			refs := f.References
			if refs == nil {
				refs = []string{}
			}
			b, err := json.Marshal(refs)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				string(id), f.FindingID, string(domain.NormalizeSeverity(string(f.Severity))), f.Title, f.Description,
				f.PackageName, f.InstalledVersion, f.FixedVersion, string(b),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return persistErr("replace findings", err)
	}
	return nil
}

// FindingsFor returns the findings of a scan in insertion order.
func (s *Store) FindingsFor(ctx context.Context, id domain.ScanID) ([]domain.Finding, error) {
	q := s.d.rebind(`
SELECT finding_id, severity, title, description, package_name,
       installed_version, fixed_version, reference_links
FROM findings
WHERE scan_id=?
ORDER BY id ASC`)
	rows, err := s.db.QueryContext(ctx, q, string(id))
	if err != nil {
		return nil, persistErr("list findings", err)
	}
	defer rows.Close()

	out := []domain.Finding{}
	for rows.Next() {
		var (
			f        domain.Finding
			severity string
			refs     sql.NullString
		)
		if err := rows.Scan(&f.FindingID, &severity, &f.Title, &f.Description, &f.PackageName,
			&f.InstalledVersion, &f.FixedVersion, &refs); err != nil {
			return nil, persistErr("list findings", err)
		}
		f.ScanID = id
		f.Severity = domain.Severity(severity)
		f.References = []string{}
		if refs.Valid && refs.String != "" {
			if err := json.Unmarshal([]byte(refs.String), &f.References); err != nil {
				return nil, persistErr("decode finding references", err)
			}
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("list findings", err)
	}
	return out, nil
}
