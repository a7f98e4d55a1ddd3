package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists sessions in a single table so they survive restarts without redis.
// Lock only serializes within this process.
type SQLiteStore struct {
	*keyedMutex

	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path. ttl <= 0 keeps sessions until Delete.
func NewSQLiteStore(path string, ttl time.Duration) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// 单写连接，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{keyedMutex: newKeyedMutex(), db: db, ttl: ttl, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`
	_, err := s.db.Exec(query)
	return err
}

// expiresAt 为 0 表示不过期
func (s *SQLiteStore) expiresAt(now time.Time) int64 {
	if s.ttl <= 0 {
		return 0
	}
	return now.Add(s.ttl).UnixNano()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*State, error) {
	var (
		data    string
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT state_json, expires_at FROM sessions WHERE id = ?`, id).Scan(&data, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("读取会话失败: %w", err)
	}
	if expires > 0 && s.now().UnixNano() > expires {
		return nil, ErrNotFound
	}

	var st State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("解析会话失败: %w", err)
	}
	return &st, nil
}

func (s *SQLiteStore) Save(ctx context.Context, st *State) error {
	now := s.now()
	st.UpdatedAt = now
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("序列化会话失败: %w", err)
	}

	query := `
	INSERT INTO sessions (id, state_json, updated_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		state_json = excluded.state_json,
		updated_at = excluded.updated_at,
		expires_at = excluded.expires_at`
	if _, err := s.db.ExecContext(ctx, query, st.ID, string(data), now.UnixNano(), s.expiresAt(now)); err != nil {
		return fmt.Errorf("保存会话失败: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// Sweep deletes expired rows and reports how many were removed.
func (s *SQLiteStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at > 0 AND expires_at < ?`, s.now().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StartJanitor sweeps every interval until ctx is done.
func (s *SQLiteStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if s.ttl <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.Sweep(ctx)
			}
		}
	}()
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
