package snapshot

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresConfig holds database connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN renders the pgx-compatible connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// PostgresStore persists snapshots in PostgreSQL. Migrations are embedded
// into the binary and applied on startup.
type PostgresStore struct {
	db *stdsql.DB
}

// NewPostgresStore opens the database, applies pending migrations, and
// returns the store.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	db, err := stdsql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection, applying migrations.
// Useful for tests that manage the connection themselves.
func NewPostgresStoreFromDB(db *stdsql.DB, database string) (*PostgresStore, error) {
	if err := runMigrations(db, database); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func runMigrations(db *stdsql.DB, database string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, database, driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	// Close only the source driver: closing m would also close the shared
	// *sql.DB the store keeps using.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("closing migration source: %w", err)
	}
	return nil
}

// SavePipeline implements Store with an upsert keyed on pipeline id.
func (s *PostgresStore) SavePipeline(ctx context.Context, rec Record) error {
	state, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_snapshots (pipeline_id, name, owner, status, state, created_at, saved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (pipeline_id) DO UPDATE SET
			status = EXCLUDED.status,
			state = EXCLUDED.state,
			saved_at = EXCLUDED.saved_at`,
		rec.Pipeline.ID, rec.Pipeline.Name, rec.Pipeline.Owner,
		string(rec.Pipeline.Status), state, rec.Pipeline.CreatedAt, rec.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("saving snapshot for %s: %w", rec.Pipeline.ID, err)
	}
	return nil
}

// LoadPipeline implements Store.
func (s *PostgresStore) LoadPipeline(ctx context.Context, pipelineID string) (Record, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM pipeline_snapshots WHERE pipeline_id = $1`,
		pipelineID,
	).Scan(&state)
	if errors.Is(err, stdsql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, pipelineID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("loading snapshot for %s: %w", pipelineID, err)
	}

	var rec Record
	if err := json.Unmarshal(state, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding snapshot for %s: %w", pipelineID, err)
	}
	return rec, nil
}

// ListPipelines implements Store.
func (s *PostgresStore) ListPipelines(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state FROM pipeline_snapshots ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(state, &rec); err != nil {
			return nil, fmt.Errorf("decoding snapshot row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeletePipeline implements Store.
func (s *PostgresStore) DeletePipeline(ctx context.Context, pipelineID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pipeline_snapshots WHERE pipeline_id = $1`, pipelineID)
	if err != nil {
		return fmt.Errorf("deleting snapshot for %s: %w", pipelineID, err)
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
