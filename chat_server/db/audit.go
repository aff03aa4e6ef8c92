package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

const createAuditTable = `CREATE TABLE IF NOT EXISTS chat_session_audit (
	id         BIGINT AUTO_INCREMENT PRIMARY KEY,
	session_id CHAR(36)     NOT NULL,
	event      VARCHAR(8)   NOT NULL,
	remote     VARCHAR(64)  NOT NULL DEFAULT '',
	name       VARCHAR(255) NOT NULL DEFAULT '',
	reason     VARCHAR(32)  NOT NULL DEFAULT '',
	created_at DATETIME(3)  NOT NULL,
	INDEX idx_session (session_id)
)`

const (
	insertJoin = "INSERT INTO chat_session_audit (session_id, event, remote, created_at) VALUES (?, 'join', ?, ?)"
	insertPart = "INSERT INTO chat_session_audit (session_id, event, name, reason, created_at) VALUES (?, 'part', ?, ?, ?)"
)

// AuditEvent is one row of the audit trail.
type AuditEvent struct {
	SessionID string
	Event     string // join or part
	Remote    string
	Name      string
	Reason    string
	CreatedAt time.Time
}

// SessionAudit records when chat sessions start and end in MySQL.
// Only session metadata is stored, never message text.
type SessionAudit struct {
	db *sql.DB
}

// ParseDSN checks a MySQL DSN and returns it with the options the audit needs (parseTime).
func ParseDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "invalid audit DSN")
	}
	if cfg.DBName == "" {
		return "", errors.New("invalid audit DSN: no database name")
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// OpenSessionAudit 连接 MySQL 数据库，审计表不存在时自动创建
// 参数:
//   - ctx: 限制 ping 和建表的时间
//   - dsn: MySQL 连接串，必须包含数据库名
//
// 返回值:
//   - 成功时返回 *SessionAudit
//   - DSN 非法或数据库不可用时返回错误
func OpenSessionAudit(ctx context.Context, dsn string) (*SessionAudit, error) {
	dsn, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open audit database")
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connect audit database")
	}
	if _, err := db.ExecContext(ctx, createAuditTable); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create audit table")
	}
	return &SessionAudit{db: db}, nil
}

// RecordJoin stores the start of a session.
func (a *SessionAudit) RecordJoin(ctx context.Context, sessionID, remote string) error {
	if _, err := a.db.ExecContext(ctx, insertJoin, sessionID, remote, time.Now().UTC()); err != nil {
		return errors.Wrap(err, "record session join")
	}
	return nil
}

// RecordPart stores the end of a session, with the display name it ended with.
func (a *SessionAudit) RecordPart(ctx context.Context, sessionID, name, reason string) error {
	if _, err := a.db.ExecContext(ctx, insertPart, sessionID, name, reason, time.Now().UTC()); err != nil {
		return errors.Wrap(err, "record session part")
	}
	return nil
}

// Events 按插入顺序查询某个会话的审计记录
// 参数 sessionID 是会话的 uuid
// 返回值：该会话的 join/part 事件列表，查询失败时返回错误
func (a *SessionAudit) Events(ctx context.Context, sessionID string) ([]AuditEvent, error) {
	rows, err := a.db.QueryContext(ctx,
		"SELECT session_id, event, remote, name, reason, created_at FROM chat_session_audit WHERE session_id = ? ORDER BY id",
		sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "query session audit")
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.SessionID, &e.Event, &e.Remote, &e.Name, &e.Reason, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan session audit")
		}
		events = append(events, e)
	}
	return events, errors.Wrap(rows.Err(), "read session audit")
}

// Close closes the database connection.
func (a *SessionAudit) Close() error {
	return a.db.Close()
}
