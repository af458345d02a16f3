package tracecache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/agentconsole/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	now  func() time.Time
	// SQLite allows one writer at a time.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}
	store := &SQLiteStore{Path: path, db: db, now: time.Now}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{`PRAGMA journal_mode = WAL;`, "enable sqlite WAL mode"},
		{`PRAGMA synchronous = NORMAL;`, "set sqlite synchronous mode"},
		{`PRAGMA busy_timeout = 5000;`, "set sqlite busy timeout"},
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma.sql); err != nil {
			return fmt.Errorf("%s: %w", pragma.desc, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM trace_snapshots WHERE cache_key = ? AND expires_at_ms > ?`,
		key, s.now().UnixMilli(),
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read sqlite snapshot %q: %w", key, err)
	}
	return payload, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, payload []byte, nodeCount int, ttl time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now()
	return retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO trace_snapshots (cache_key, payload, node_count, stored_at_ms, expires_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (cache_key) DO UPDATE SET
    payload = excluded.payload,
    node_count = excluded.node_count,
    stored_at_ms = excluded.stored_at_ms,
    expires_at_ms = excluded.expires_at_ms`,
			key, payload, nodeCount, now.UnixMilli(), now.Add(ttl).UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("write sqlite snapshot %q: %w", key, err)
		}
		return nil
	})
}

func (s *SQLiteStore) Prune(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var removed int64
	err := retrySQLiteBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM trace_snapshots WHERE expires_at_ms <= ?`, s.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("prune sqlite snapshots: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

const (
	sqliteBusyMaxRetries     = 5
	sqliteBusyInitialBackoff = 10 * time.Millisecond
	sqliteBusyMaxBackoff     = 200 * time.Millisecond
)

// retrySQLiteBusy retries lock contention with capped exponential backoff.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil || ClassifyError(err) != ErrorClassContention || retries >= sqliteBusyMaxRetries {
			return err
		}
		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
