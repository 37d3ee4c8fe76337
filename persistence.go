package gamebus

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// EventStore 持久化协作方：发布时追加事件用于审计/回放。
// 该调用失败绝不中止分发，只记录日志。
type EventStore interface {
	Append(ctx context.Context, e Event) error
	// Prune 清理保留窗口之外的记录，返回删除条数。
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}

// sqliteStore 基于 modernc.org/sqlite 的默认实现。
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore 打开（必要时建表）审计事件库。
func NewSQLiteStore(path string) (EventStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	const schema = `CREATE TABLE IF NOT EXISTS events (
		event_id   TEXT PRIMARY KEY,
		category   TEXT NOT NULL,
		type       TEXT NOT NULL,
		source_id  TEXT NOT NULL,
		envelope   BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Append(ctx context.Context, e Event) error {
	env, err := encodeEvent(e)
	if err != nil {
		return err
	}
	// 重复 eventId 幂等忽略：生产者重试不会写入两份审计记录
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (event_id, category, type, source_id, envelope, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Category), e.Type, e.SourceID, env, e.Timestamp.UnixMilli())
	return err
}

func (s *sqliteStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// persistenceMiddleware 分发前追加审计记录；失败只记录，继续分发。
func persistenceMiddleware(store EventStore, logger Logger) Middleware {
	return func(next PublishFunc) PublishFunc {
		return func(ctx context.Context, e *Event) error {
			if err := store.Append(ctx, *e); err != nil {
				logger.Error(ctx, "event store append failed", "event", e.ID, "err", err)
			}
			return next(ctx, e)
		}
	}
}
