package database

import (
	"embed"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"yade-server/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewMigrator возвращает мигратор схемы игрового сервера.
func NewMigrator(pool *pgxpool.Pool, logger *zap.Logger) *migration.Migrator {
	return migration.NewMigrator(migration.Config{
		MigrationsPath: "migrations",
		MigrationsFS:   migrationsFS,
	}, pool, logger)
}

// ApplyMigrations применяет все миграции из встроенной FS.
func ApplyMigrations(pool *pgxpool.Pool, logger *zap.Logger) error {
	return NewMigrator(pool, logger).Up()
}
