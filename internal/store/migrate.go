package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed migrations
var migrationsFS embed.FS

// Schemas that can be migrated. Each service owns one.
const (
	SchemaOrder   = "order"
	SchemaPayment = "payment"
)

// Migrate applies the embedded migrations of schema ("order" or "payment").
func (s *Store) Migrate(schema string, logger *zap.Logger) error {
	if schema != SchemaOrder && schema != SchemaPayment {
		return fmt.Errorf("unknown schema %q", schema)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+schema)
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{
		MigrationsTable: schema + "_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	logger.Info("Running migrations up", zap.String("schema", schema))
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("No migrations to apply", zap.String("schema", schema))
			return nil
		}
		return fmt.Errorf("migration up failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	logger.Info("Migrations completed",
		zap.String("schema", schema),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty))
	return nil
}
