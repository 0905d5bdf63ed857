package postgres

import (
	"context"
	"embed"
	"fmt"
	"strings"

	"github.com/UniQw/datatask"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// MigrationsTable is the goose version table of the datatask schema.
const MigrationsTable = "datatask_schema_migrations"

// gooseLogger routes goose output to a datatask.Logger.
type gooseLogger struct{ l datatask.Logger }

func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.l.Infof("goose: %s", strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	g.l.Errorf("goose: %s", strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Migrate applies the embedded migrations to the database behind pool.
// goose is configured globally, so concurrent calls are not supported.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log datatask.Logger) error {
	if log == nil {
		log = datatask.NopLogger
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	goose.SetTableName(MigrationsTable)
	goose.SetLogger(gooseLogger{log})
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("postgres: apply migrations: %w", err)
	}
	return nil
}
