package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clan-roster/internal/config"
	"github.com/clan-roster/internal/domain"
)

// Repository provides PostgreSQL-based data access for the member store
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks that the database is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS config (
			rank VARCHAR(64) PRIMARY KEY,
			rank_order INT NOT NULL UNIQUE,
			total_points BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS members (
			id BIGSERIAL PRIMARY KEY,
			external_id BIGINT NOT NULL DEFAULT 0,
			username VARCHAR(64) NOT NULL,
			username_key VARCHAR(64) NOT NULL UNIQUE,
			rank VARCHAR(64) NOT NULL,
			rank_obtained_at TIMESTAMPTZ,
			joined_at TIMESTAMPTZ,
			points BIGINT NOT NULL DEFAULT 0 CHECK (points >= 0),
			given_points BIGINT NOT NULL DEFAULT 0 CHECK (given_points >= 0),
			last_rank_update TIMESTAMPTZ,
			last_roster_update TIMESTAMPTZ,
			deleted BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS rank_requirements (
			id BIGSERIAL PRIMARY KEY,
			rank VARCHAR(64) NOT NULL REFERENCES config(rank) ON DELETE CASCADE,
			requirement_type VARCHAR(64) NOT NULL,
			required_value VARCHAR(255) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS validation_log (
			id BIGSERIAL PRIMARY KEY,
			character_name VARCHAR(64) NOT NULL,
			rank VARCHAR(64) NOT NULL,
			requirement_id BIGINT NOT NULL,
			validated_by VARCHAR(64) NOT NULL,
			validated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(character_name, requirement_id)
		)`,
		`CREATE TABLE IF NOT EXISTS points_transactions (
			id BIGSERIAL PRIMARY KEY,
			character_name VARCHAR(64) NOT NULL,
			points_change BIGINT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			related_user VARCHAR(64) NOT NULL DEFAULT '',
			previous_points BIGINT NOT NULL,
			new_points BIGINT NOT NULL,
			event_id VARCHAR(64) UNIQUE,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS rank_history (
			id BIGSERIAL PRIMARY KEY,
			external_id BIGINT NOT NULL,
			username VARCHAR(64) NOT NULL,
			rank VARCHAR(64) NOT NULL,
			rank_obtained_at TIMESTAMPTZ,
			pulled_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS discord_users (
			discord_uid VARCHAR(32) PRIMARY KEY,
			character_name VARCHAR(64) NOT NULL,
			character_key VARCHAR(64) NOT NULL UNIQUE,
			rank VARCHAR(64) NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS duplicate_entries (
			id BIGSERIAL PRIMARY KEY,
			discord_uid VARCHAR(32) NOT NULL,
			character_name VARCHAR(64) NOT NULL,
			existing_uid VARCHAR(32) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS name_changes (
			id BIGSERIAL PRIMARY KEY,
			old_name VARCHAR(64) NOT NULL,
			new_name VARCHAR(64) NOT NULL,
			change_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(old_name, new_name)
		)`,
		`CREATE TABLE IF NOT EXISTS disc_config (
			key_name VARCHAR(64) PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		renameColumn("disc_config", "key", "key_name"),
		renameColumn("duplicate_entries", "reported_at", "created_at"),
		// A rank holds at most one requirement per type; older databases keep
		// the newest row of each pair.
		`DELETE FROM rank_requirements a USING rank_requirements b
			WHERE a.rank = b.rank AND a.requirement_type = b.requirement_type AND a.id < b.id`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_rank_requirements_rank_type
			ON rank_requirements(rank, requirement_type)`,
		`CREATE INDEX IF NOT EXISTS idx_members_roster_update ON members(last_roster_update) WHERE deleted = FALSE`,
		`CREATE INDEX IF NOT EXISTS idx_rank_requirements_rank ON rank_requirements(rank)`,
		`CREATE INDEX IF NOT EXISTS idx_points_transactions_character ON points_transactions(character_name, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_points_transactions_related ON points_transactions(related_user, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_rank_history_username ON rank_history(username, pulled_at DESC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// renameColumn renames a column left over from an older schema, if present
func renameColumn(table, from, to string) string {
	return fmt.Sprintf(`DO $$
		BEGIN
			IF EXISTS (SELECT 1 FROM information_schema.columns
				WHERE table_name = '%[1]s' AND column_name = '%[2]s') THEN
				ALTER TABLE %[1]s RENAME COLUMN %[2]s TO %[3]s;
			END IF;
		END $$`, table, from, to)
}

// GetSetting reads a disc_config value
func (r *Repository) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT value FROM disc_config WHERE key_name = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, storeErr("getting setting", err)
	}
	return value, true, nil
}

// SetSetting writes a disc_config value
func (r *Repository) SetSetting(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO disc_config (key_name, value) VALUES ($1, $2)
		ON CONFLICT (key_name) DO UPDATE SET value = $2
	`
	if _, err := r.pool.Exec(ctx, query, key, value); err != nil {
		return storeErr("setting setting", err)
	}
	return nil
}

// storeErr wraps a driver error so callers can classify it as a store failure
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreError, err)
}
