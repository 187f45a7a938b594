// Package migrations embeds and applies the identity store schema.
package migrations

import (
	"embed"
	"errors"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
)

//go:embed sql/*.sql
var sqlFS embed.FS

// New returns a migrator for databaseURL, which must use the pgx5:// scheme
// (see postgres.Config.MigrationURL).
func New(databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "migrations: failed to open embedded source")
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "migrations: failed to create migrator")
	}
	return m, nil
}

// Up applies all pending migrations. An up-to-date schema is not an error.
func Up(databaseURL string) error {
	m, err := New(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return sserr.Wrap(err, sserr.CodeInternalDatabase, "migrations: failed to apply")
	}
	version, dirty, err := m.Version()
	if err == nil {
		slog.Info("migrations: schema is current", "version", version, "dirty", dirty)
	}
	return nil
}
