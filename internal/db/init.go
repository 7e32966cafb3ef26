package db

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"jobdispatch/internal/config"
	"jobdispatch/internal/constants"
	"jobdispatch/internal/lock"
	"jobdispatch/internal/store/sqlstore"
)

//go:embed migrations
var migrationsFS embed.FS

// Open connects to the configured job store and verifies the connection.
func Open(ctx context.Context, cfg config.Storage) (*sql.DB, sqlstore.Dialect, error) {
	dialect, ok := sqlstore.DialectFor(string(cfg.Driver))
	if !ok {
		return nil, sqlstore.Dialect{}, errors.Newf("unsupported storage driver %q", cfg.Driver)
	}

	db, err := sql.Open(dialect.DriverName, cfg.DSN)
	if err != nil {
		return nil, dialect, errors.Wrap(err, "failed to open job store")
	}
	if dialect == sqlstore.SQLite {
		// one writer; also keeps ":memory:" databases on a single connection
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, dialect, errors.Wrap(err, "failed to ping job store")
	}

	return db, dialect, nil
}

// Migrate applies the embedded migration scripts of the dialect that have
// not been applied yet. Only one process migrates at a time.
func Migrate(ctx context.Context, db *sql.DB, dialect sqlstore.Dialect, locks lock.DistributedLockManager, logger zerolog.Logger) error {
	if err := locks.Acquire(ctx, constants.MigrationLock); err != nil {
		return err
	}
	defer locks.Release(context.WithoutCancel(ctx), constants.MigrationLock)

	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS scheduler_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return errors.Wrap(err, "failed to create migrations table")
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	scripts, err := readSQLScripts(dialect)
	if err != nil {
		return err
	}

	for _, script := range scripts {
		if applied[script.version] {
			continue
		}
		logger.Info().Str("version", script.version).Msg("applying migration")
		if _, err := db.ExecContext(ctx, script.body); err != nil {
			return errors.Wrapf(err, "failed to apply migration %s", script.version)
		}
		_, err := db.ExecContext(ctx,
			dialect.Rebind(`INSERT INTO scheduler_migrations (version, applied_at) VALUES (?, ?)`),
			script.version, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return errors.Wrapf(err, "failed to record migration %s", script.version)
		}
	}

	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM scheduler_migrations`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "failed to scan migration version")
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

type sqlScript struct {
	version string
	body    string
}

func readSQLScripts(dialect sqlstore.Dialect) ([]sqlScript, error) {
	dir := path.Join("migrations", dialect.Name)
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read migrations for %s", dialect.Name)
	}

	var scripts []sqlScript
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read migration %s", entry.Name())
		}

		scripts = append(scripts, sqlScript{
			version: strings.TrimSuffix(entry.Name(), ".sql"),
			body:    string(content),
		})
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].version < scripts[j].version })

	return scripts, nil
}

// Database is an open job store connection with its dialect. Shutdown
// closes it.
type Database struct {
	*sql.DB
	Dialect sqlstore.Dialect
}

func (d *Database) Shutdown() error {
	return errors.Wrap(d.Close(), "failed to close job store")
}
