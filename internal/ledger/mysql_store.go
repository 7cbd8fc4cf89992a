package ledger

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "TrustClaw/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化账本。条件 UPDATE 和主键唯一约束
// 共同构成 Claim 与 MarkAnnounced 的原子性。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ledger_events (
        event_key VARCHAR(32) PRIMARY KEY,
        agent_id BIGINT UNSIGNED NOT NULL,
        owner VARCHAR(64) DEFAULT '',
        tx_hash VARCHAR(80) DEFAULT '',
        via_skill TINYINT(1) NOT NULL DEFAULT 0,
        state VARCHAR(16) NOT NULL,
        terminal TINYINT(1) NOT NULL DEFAULT 0,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 3,
        reason VARCHAR(64) DEFAULT '',
        last_error TEXT,
        error_code VARCHAR(64) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_ledger_state (state),
        INDEX idx_ledger_agent (agent_id),
        INDEX idx_ledger_updated (updated_at)
)`,
		`CREATE TABLE IF NOT EXISTS announced_agents (
        agent_id BIGINT UNSIGNED PRIMARY KEY,
        event_key VARCHAR(32) NOT NULL,
        announced_at BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS scan_cursor (
        name VARCHAR(32) PRIMARY KEY,
        height BIGINT UNSIGNED NOT NULL,
        updated_at BIGINT NOT NULL
)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化账本表失败")
		}
	}
	return nil
}

const entryColumns = `e.event_key, e.agent_id, e.owner, e.tx_hash, e.via_skill, e.state, e.terminal,
        e.attempts, e.max_retries, e.reason, COALESCE(e.last_error, ''), e.error_code,
        EXISTS(SELECT 1 FROM announced_agents a WHERE a.agent_id = e.agent_id),
        e.created_at, e.updated_at`

// Record 插入新的事件记录,主键冲突映射为 ErrEventConflict。
func (s *MySQLStore) Record(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry 不能为空")
	}
	if strings.TrimSpace(entry.Key) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "事件键不能为空")
	}

	now := time.Now().Unix()
	state := entry.State
	if state == "" {
		state = StateSeen
	}

	const stmt = `INSERT INTO ledger_events
        (event_key, agent_id, owner, tx_hash, via_skill, state, terminal, attempts, max_retries, reason, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, '', '', '', ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		entry.Key,
		entry.AgentID,
		entry.Owner,
		entry.TxHash,
		entry.ViaSkill,
		state,
		entry.Attempts,
		entry.MaxRetries,
		now,
		now,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrEventConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入事件记录失败")
	}
	return nil
}

// Get 查询指定事件。
func (s *MySQLStore) Get(ctx context.Context, key string) (*Entry, error) {
	query := fmt.Sprintf(`SELECT %s FROM ledger_events e WHERE e.event_key = ?`, entryColumns)
	row := s.db.QueryRowContext(ctx, query, key)
	entry, err := scanEntry(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件记录失败")
	}
	return entry, nil
}

// Claim 以条件 UPDATE 实现认领。没有命中任何行时根据当前状态分类返回。
func (s *MySQLStore) Claim(ctx context.Context, key string) (*Entry, error) {
	const updateStmt = `UPDATE ledger_events
        SET state = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE event_key = ? AND terminal = 0 AND state IN (?, ?) AND attempts < max_retries`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StateProcessing,
		now,
		key,
		StateSeen,
		StateFailed,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新事件状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		entry, getErr := s.Get(ctx, key)
		if getErr != nil {
			return nil, getErr
		}
		switch {
		case entry.State == StateDone:
			return entry, ErrEventDone
		case entry.State == StateProcessing:
			return entry, ErrEventConflict
		case entry.Terminal || entry.Attempts >= entry.MaxRetries:
			return entry, ErrEventExhausted
		default:
			return entry, ErrEventConflict
		}
	}
	return s.Get(ctx, key)
}

// Release 把 processing 状态的事件退回 seen,尝试次数保留。
func (s *MySQLStore) Release(ctx context.Context, key string) error {
	const stmt = `UPDATE ledger_events SET state = ?, updated_at = ? WHERE event_key = ? AND state = ?`

	res, err := s.db.ExecContext(ctx, stmt, StateSeen, time.Now().Unix(), key, StateProcessing)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放事件失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// 事件不存在或已不在 processing 状态,二者都无需处理。
		if _, getErr := s.Get(ctx, key); getErr != nil {
			return getErr
		}
	}
	return nil
}

// MarkDone 将事件标记为处理完毕。
func (s *MySQLStore) MarkDone(ctx context.Context, key string, reason string) error {
	const stmt = `UPDATE ledger_events SET state = ?, reason = ?, updated_at = ?, last_error = '', error_code = '' WHERE event_key = ?`

	res, err := s.db.ExecContext(ctx, stmt, StateDone, reason, time.Now().Unix(), key)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记事件完成失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

// MarkFailed 将事件标记为失败。
func (s *MySQLStore) MarkFailed(ctx context.Context, key string, code xerrors.Code, lastError string, terminal bool) error {
	const stmt = `UPDATE ledger_events SET state = ?, terminal = ?, last_error = ?, error_code = ?, updated_at = ? WHERE event_key = ?`

	res, err := s.db.ExecContext(ctx, stmt, StateFailed, terminal, lastError, string(code), time.Now().Unix(), key)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记事件失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

// MarkAnnounced 依赖 announced_agents 的主键唯一约束实现单赢者语义。
func (s *MySQLStore) MarkAnnounced(ctx context.Context, agentID uint64, key string) error {
	const stmt = `INSERT INTO announced_agents (agent_id, event_key, announced_at) VALUES (?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt, agentID, key, time.Now().Unix())
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrAlreadyAnnounced
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记公告失败")
	}
	return nil
}

// Announced 查询代理是否已公告。
func (s *MySQLStore) Announced(ctx context.Context, agentID uint64) (bool, error) {
	const stmt = `SELECT COUNT(*) FROM announced_agents WHERE agent_id = ?`

	var count int64
	if err := s.db.QueryRowContext(ctx, stmt, agentID).Scan(&count); err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询公告记录失败")
	}
	return count > 0, nil
}

// Cursor 返回扫描游标。
func (s *MySQLStore) Cursor(ctx context.Context) (uint64, bool, error) {
	const stmt = `SELECT height FROM scan_cursor WHERE name = 'registry'`

	var height uint64
	if err := s.db.QueryRowContext(ctx, stmt).Scan(&height); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询扫描游标失败")
	}
	return height, true, nil
}

// SetCursor 推进扫描游标,只增不减。
func (s *MySQLStore) SetCursor(ctx context.Context, height uint64) error {
	const stmt = `INSERT INTO scan_cursor (name, height, updated_at) VALUES ('registry', ?, ?)
        ON DUPLICATE KEY UPDATE height = GREATEST(height, VALUES(height)), updated_at = VALUES(updated_at)`

	if _, err := s.db.ExecContext(ctx, stmt, height, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新扫描游标失败")
	}
	return nil
}

// ListUndelivered 返回所有未完成的事件,按事件键排序。
func (s *MySQLStore) ListUndelivered(ctx context.Context) ([]*Entry, error) {
	query := fmt.Sprintf(`SELECT %s FROM ledger_events e
        WHERE e.state IN (?, ?, ?) AND e.terminal = 0
        ORDER BY e.event_key ASC`, entryColumns)

	rows, err := s.db.QueryContext(ctx, query, StateSeen, StateProcessing, StateFailed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询未完成事件失败")
	}
	defer rows.Close()

	return collectEntries(rows)
}

// List 按更新时间倒序返回事件。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Entry, error) {
	opts.applyDefaults()

	query := fmt.Sprintf(`SELECT %s FROM ledger_events e`, entryColumns)

	conditions := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if len(opts.States) > 0 {
		placeholders := make([]string, 0, len(opts.States))
		for _, state := range opts.States {
			placeholders = append(placeholders, "?")
			args = append(args, state)
		}
		conditions = append(conditions, fmt.Sprintf("e.state IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.AgentID != 0 {
		conditions = append(conditions, "e.agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY e.updated_at DESC, e.event_key DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件列表失败")
	}
	defer rows.Close()

	return collectEntries(rows)
}

// Stats 返回账本聚合统计。
func (s *MySQLStore) Stats(ctx context.Context) (Stats, error) {
	const stmt = `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS seen,
        SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS processing,
        SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS done,
        SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS failed,
        (SELECT COUNT(*) FROM announced_agents) AS announced
        FROM ledger_events`

	row := s.db.QueryRowContext(ctx, stmt, StateSeen, StateProcessing, StateDone, StateFailed)

	var stats Stats
	var seen, processing, done, failed sql.NullInt64
	if err := row.Scan(&stats.Total, &seen, &processing, &done, &failed, &stats.Announced); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询账本统计失败")
	}
	stats.Seen = seen.Int64
	stats.Processing = processing.Int64
	stats.Done = done.Int64
	stats.Failed = failed.Int64
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var entry Entry
	if err := row.Scan(
		&entry.Key,
		&entry.AgentID,
		&entry.Owner,
		&entry.TxHash,
		&entry.ViaSkill,
		&entry.State,
		&entry.Terminal,
		&entry.Attempts,
		&entry.MaxRetries,
		&entry.Reason,
		&entry.LastError,
		&entry.ErrorCode,
		&entry.Announced,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &entry, nil
}

func collectEntries(rows *sql.Rows) ([]*Entry, error) {
	entries := make([]*Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件记录失败")
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历事件记录失败")
	}
	return entries, nil
}

var _ Store = (*MySQLStore)(nil)
