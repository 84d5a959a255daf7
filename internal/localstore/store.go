// Package localstore は端末ローカルの永続化層を提供する。
//
// セッショントークン、エンタイトルメントのキャッシュ、入力履歴、
// ストアのレシートをSQLiteファイルに保存し、アプリ再起動後も復元できるようにする。
// ゲートウェイのトークン保存領域に相当し、「この端末が認証済みか」の正とする。
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS receipts (
	fetch_token TEXT PRIMARY KEY,
	app_user_id TEXT NOT NULL,
	product_id  TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipts_app_user_id ON receipts (app_user_id);
`

// Config はStoreの設定。
type Config struct {
	// Path はSQLiteファイルのパス。親ディレクトリは存在している必要がある。
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

// Store は端末ローカルのSQLiteストア。並行利用に対して安全。
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
	now    func() time.Time
}

// Open はストアを開き、スキーマを作成する。
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("localstore: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("localstore: opening %s: %w", cfg.Path, err)
	}

	logger.Info("local store opened", slog.String("path", cfg.Path))

	return &Store{
		pool:   pool,
		logger: logger,
		path:   cfg.Path,
		now:    time.Now,
	}, nil
}

// Close はすべての接続を閉じる。
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("localstore: closing %s: %w", s.path, err)
	}
	s.logger.Info("local store closed", slog.String("path", s.path))
	return nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("localstore: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("localstore: schema: %w", err)
	}
	return nil
}

// Ping は接続を1つ取得してストアが利用可能かを確認する。
func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("localstore: take: %w", err)
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
}

// putJSON はvをJSONにしてkeyに保存する。
func (s *Store) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("localstore: marshal %s: %w", key, err)
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("localstore: take: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{
			Args: []any{key, string(data), s.now().UnixMilli()},
		})
	if err != nil {
		return fmt.Errorf("localstore: put %s: %w", key, err)
	}
	return nil
}

// getJSON はkeyの値をvに読み込む。キーが存在しない場合はfalseを返す。
func (s *Store) getJSON(ctx context.Context, key string, v any) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("localstore: take: %w", err)
	}
	defer s.pool.Put(conn)

	var raw string
	found := false
	err = sqlitex.Execute(conn, `SELECT value FROM kv WHERE key = ?`, &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			raw = stmt.ColumnText(0)
			found = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("localstore: get %s: %w", key, err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("localstore: unmarshal %s: %w", key, err)
	}
	return true, nil
}

// deleteKeys は複数のキーを1トランザクションで削除する。
func (s *Store) deleteKeys(ctx context.Context, keys ...string) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("localstore: take: %w", err)
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("localstore: begin: %w", err)
	}
	defer endFn(&err)

	for _, key := range keys {
		if err = sqlitex.Execute(conn, `DELETE FROM kv WHERE key = ?`, &sqlitex.ExecOptions{
			Args: []any{key},
		}); err != nil {
			return fmt.Errorf("localstore: delete %s: %w", key, err)
		}
	}
	return nil
}
