package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations
var migrationsFS embed.FS

// Migrate applies the embedded schema for the dialect.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	sub, err := fs.Sub(migrationsFS, "migrations/"+d.Name)
	if err != nil {
		return fmt.Errorf("migrations for %s: %w", d.Name, err)
	}
	p, err := goose.NewProvider(d.goose, db, sub)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("migrate %s: %w", d.Name, err)
	}
	return nil
}
