// Package storage provides the GLADyS persistence layer: a Postgres-backed
// relational store for episodic memory, heuristics, and feedback, mirrored
// by a sqlite-vec ANN index for heuristic condition embeddings.
package storage

import (
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/gladys-project/gladys/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps the sqlx handle plus the sqlite-vec mirror used for ANN
// heuristic lookups.
type Client struct {
	db  *sqlx.DB
	vec *VecIndex

	Episodes   *EpisodeRepo
	Heuristics *HeuristicRepo
	Feedback   *FeedbackRepo
}

// DB returns the underlying *sqlx.DB, e.g. for health checks.
func (c *Client) DB() *sqlx.DB {
	return c.db
}

// Vec returns the sqlite-vec ANN index mirror.
func (c *Client) Vec() *VecIndex {
	return c.vec
}

// Close releases both the Postgres pool and the vec index file.
func (c *Client) Close() error {
	var errs []error
	if c.vec != nil {
		if err := c.vec.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// NewClient opens the Postgres pool, applies embedded migrations, and opens
// the sqlite-vec mirror at vecPath/vecDim.
func NewClient(cfg config.DatabaseConfig, vecPath string, vecDim int) (*Client, error) {
	stdDB, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	stdDB.SetMaxOpenConns(cfg.MaxOpenConns)
	stdDB.SetMaxIdleConns(cfg.MaxIdleConns)
	stdDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	stdDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := stdDB.Ping(); err != nil {
		_ = stdDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(stdDB, cfg.Database); err != nil {
		_ = stdDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	vec, err := OpenVecIndex(vecPath, vecDim)
	if err != nil {
		_ = stdDB.Close()
		return nil, fmt.Errorf("open vec index: %w", err)
	}

	db := sqlx.NewDb(stdDB, "pgx")
	return &Client{
		db:         db,
		vec:        vec,
		Episodes:   &EpisodeRepo{db: db},
		Heuristics: &HeuristicRepo{db: db, vec: vec},
		Feedback:   &FeedbackRepo{db: db},
	}, nil
}

// runMigrations applies embedded SQL migrations using golang-migrate.
//
// Migration workflow:
//  1. Add a pkg/storage/migrations/NNNNNN_name.up.sql (+ .down.sql) pair.
//  2. Files are embedded into the binary at compile time via go:embed.
//  3. The app applies pending migrations on startup (this function).
func runMigrations(db *stdsql.DB, dbName string) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found — binary built incorrectly")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, dbName, driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	// Close only the migration source driver, not m.Close(): that would also
	// close the database driver, which closes the shared *sql.DB passed via
	// postgres.WithInstance() above.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && len(name) > 4 && name[len(name)-4:] == ".sql" {
			return true, nil
		}
	}
	return false, nil
}
