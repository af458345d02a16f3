package tracecache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ongoingai/agentconsole/migrations"
)

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn cannot be empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrations.Apply(ctx, db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return &PostgresStore{db: db, now: time.Now}, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM trace_snapshots WHERE cache_key = $1 AND expires_at_ms > $2`,
		key, s.now().UnixMilli(),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read postgres snapshot %q: %w", key, err)
	}
	return payload, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, payload []byte, nodeCount int, ttl time.Duration) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO trace_snapshots (cache_key, payload, node_count, stored_at_ms, expires_at_ms)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (cache_key) DO UPDATE SET
    payload = EXCLUDED.payload,
    node_count = EXCLUDED.node_count,
    stored_at_ms = EXCLUDED.stored_at_ms,
    expires_at_ms = EXCLUDED.expires_at_ms`,
		key, payload, nodeCount, now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("write postgres snapshot %q: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trace_snapshots WHERE expires_at_ms <= $1`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune postgres snapshots: %w", err)
	}
	return res.RowsAffected()
}
