package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"parsewatch/internal/logging"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS parsewatch_session (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore shares session values between hosts through PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects to dsn and ensures the session table exists.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("session: postgres dsn is required")
	}
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pc.MaxConns = 4
	pc.MaxConnIdleTime = 5 * time.Minute
	pc.ConnConfig.RuntimeParams["application_name"] = "parsewatch"

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(dialCtx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create session table: %w", err)
	}
	logger = logging.NewComponentLogger(logger, "session")
	logger.Debug("postgres session store ready", logging.String("host", pc.ConnConfig.Host))
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.pool.QueryRow(ctx, "SELECT value FROM parsewatch_session WHERE key = $1", key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

func (p *PostgresStore) Set(ctx context.Context, key, value string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO parsewatch_session (key, value, updated_at) VALUES ($1, $2, now())
         ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx, "DELETE FROM parsewatch_session WHERE key = ANY($1)", keys); err != nil {
		return fmt.Errorf("delete session keys: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT key, value FROM parsewatch_session WHERE starts_with(key, $1)",
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan session value: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}
