package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/betbot/botdeck/internal/domain"
)

// SQLite is the default Store, a single-file database opened with one
// connection so every call is serialised by the driver.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite 打开（必要时创建）数据库文件并执行迁移
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("db path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "mkdir db dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  username TEXT NOT NULL UNIQUE COLLATE NOCASE,
  email TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);`,
		`
CREATE TABLE IF NOT EXISTS bots (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  token TEXT NOT NULL DEFAULT '',
  prefix TEXT NOT NULL DEFAULT '',
  user_id TEXT NOT NULL DEFAULT '',
  is_running INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'OFFLINE',
  memory_usage REAL NOT NULL DEFAULT 0,
  server_count INTEGER NOT NULL DEFAULT 0,
  command_count INTEGER NOT NULL DEFAULT 0,
  uptime INTEGER NOT NULL DEFAULT 0,
  last_started TEXT,
  category TEXT NOT NULL DEFAULT 'GENERAL',
  permissions INTEGER NOT NULL DEFAULT 0,
  invite_config TEXT NOT NULL DEFAULT '{}',
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_bots_user_id ON bots(user_id);`,
		`
CREATE TABLE IF NOT EXISTS logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts TEXT NOT NULL,
  bot_id TEXT,     -- NULL = system
  level TEXT NOT NULL,
  message TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_logs_bot_id ON logs(bot_id, id DESC);`,
		`
CREATE TABLE IF NOT EXISTS metrics (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts TEXT NOT NULL,
  cpu_usage REAL NOT NULL,
  memory_used INTEGER NOT NULL,
  memory_total INTEGER NOT NULL,
  disk_used INTEGER NOT NULL,
  disk_total INTEGER NOT NULL,
  network_usage REAL NOT NULL
);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "migrate exec failed")
		}
	}

	// 兼容：早期库没有 invite_config 列
	ok, err := hasColumn(ctx, s.db, "bots", "invite_config")
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE bots ADD COLUMN invite_config TEXT NOT NULL DEFAULT '{}';`); err != nil {
			return errors.Wrap(err, "alter bots add invite_config")
		}
	}
	return nil
}

func hasColumn(ctx context.Context, db *sql.DB, table string, col string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	// PRAGMA table_info 返回：cid,name,type,notnull,dflt_value,pk
	for rows.Next() {
		var (
			cid       int
			name      string
			typ       string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == col {
			return true, nil
		}
	}
	return false, rows.Err()
}

// ---- users ----

func (s *SQLite) GetUser(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,username,email,created_at FROM users WHERE id=?`, id)
	return scanUser(row)
}

func (s *SQLite) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,username,email,created_at FROM users WHERE username=?`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	var createdAt string
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "scan user")
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &u, nil
}

func (s *SQLite) CreateUser(ctx context.Context, u domain.User) (*domain.User, error) {
	existing, err := s.GetUserByUsername(ctx, u.Username)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrConflict
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO users (id,username,email,created_at) VALUES (?,?,?,?)`,
		u.ID, u.Username, u.Email, formatTS(u.CreatedAt)); err != nil {
		return nil, errors.Wrap(err, "insert user")
	}
	return &u, nil
}

// ---- bots ----

const botColumns = `id,name,token,prefix,user_id,is_running,status,memory_usage,server_count,command_count,uptime,last_started,category,permissions,invite_config,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(r rowScanner) (*domain.Bot, error) {
	var (
		b           domain.Bot
		isRunning   int
		status      string
		category    string
		lastStarted sql.NullString
		invite      string
		createdAt   string
		updatedAt   string
	)
	if err := r.Scan(&b.ID, &b.Name, &b.Token, &b.Prefix, &b.UserID, &isRunning, &status, &b.MemoryUsage,
		&b.ServerCount, &b.CommandCount, &b.Uptime, &lastStarted, &category, &b.Permissions, &invite,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	b.IsRunning = isRunning == 1
	b.Status = domain.BotStatus(status)
	b.Category = domain.BotCategory(category)
	if lastStarted.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastStarted.String); err == nil {
			b.LastStarted = &t
		}
	}
	if strings.TrimSpace(invite) != "" {
		if err := json.Unmarshal([]byte(invite), &b.InviteConfig); err != nil {
			return nil, errors.Wrapf(err, "decode invite_config for bot %s", b.ID)
		}
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &b, nil
}

func (s *SQLite) GetAllBots(ctx context.Context) ([]domain.Bot, error) {
	return s.queryBots(ctx, `SELECT `+botColumns+` FROM bots ORDER BY created_at DESC`)
}

func (s *SQLite) GetBotsByUserID(ctx context.Context, userID string) ([]domain.Bot, error) {
	return s.queryBots(ctx, `SELECT `+botColumns+` FROM bots WHERE user_id=? ORDER BY created_at DESC`, userID)
}

func (s *SQLite) queryBots(ctx context.Context, q string, args ...any) ([]domain.Bot, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query bots")
	}
	defer rows.Close()

	out := []domain.Bot{}
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan bot")
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (s *SQLite) GetBot(ctx context.Context, id string) (*domain.Bot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id=?`, id)
	b, err := scanBot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get bot")
	}
	return b, nil
}

func (s *SQLite) CreateBot(ctx context.Context, b domain.Bot) (*domain.Bot, error) {
	now := s.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = now
	}
	args, err := botArgs(b)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO bots (`+botColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, ErrConflict
		}
		return nil, errors.Wrap(err, "insert bot")
	}
	return &b, nil
}

func botArgs(b domain.Bot) ([]any, error) {
	invite, err := json.Marshal(b.InviteConfig)
	if err != nil {
		return nil, errors.Wrap(err, "encode invite_config")
	}
	var lastStarted any
	if b.LastStarted != nil {
		lastStarted = formatTS(*b.LastStarted)
	}
	running := 0
	if b.IsRunning {
		running = 1
	}
	return []any{
		b.ID, b.Name, b.Token, b.Prefix, b.UserID, running, string(b.Status), b.MemoryUsage,
		b.ServerCount, b.CommandCount, b.Uptime, lastStarted, string(b.Category), b.Permissions, string(invite),
		formatTS(b.CreatedAt), formatTS(b.UpdatedAt),
	}, nil
}

// UpdateBot reads, patches and rewrites the row inside one transaction.
func (s *SQLite) UpdateBot(ctx context.Context, id string, upd domain.BotUpdate) (*domain.Bot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin update bot")
	}
	defer func() { _ = tx.Rollback() }()

	b, err := scanBot(tx.QueryRowContext(ctx, `SELECT `+botColumns+` FROM bots WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get bot for update")
	}
	upd.Apply(b, s.now())
	args, err := botArgs(*b)
	if err != nil {
		return nil, err
	}
	// args[0] 是 id，放到 WHERE
	_, err = tx.ExecContext(ctx, `
UPDATE bots
SET name=?, token=?, prefix=?, user_id=?, is_running=?, status=?, memory_usage=?, server_count=?,
    command_count=?, uptime=?, last_started=?, category=?, permissions=?, invite_config=?,
    created_at=?, updated_at=?
WHERE id=?
`, append(args[1:], id)...)
	if err != nil {
		return nil, errors.Wrap(err, "update bot")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit update bot")
	}
	return b, nil
}

func (s *SQLite) DeleteBot(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE id=?`, id)
	if err != nil {
		return false, errors.Wrap(err, "delete bot")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ---- logs ----

func (s *SQLite) GetLogs(ctx context.Context, limit int) ([]domain.LogEntry, error) {
	limit = clampLimit(limit, 100, domain.MaxLogEntries)
	return s.queryLogs(ctx, `SELECT id,ts,bot_id,level,message FROM logs ORDER BY id DESC LIMIT ?`, limit)
}

func (s *SQLite) GetLogsByBotID(ctx context.Context, botID string, limit int) ([]domain.LogEntry, error) {
	limit = clampLimit(limit, 100, domain.MaxLogEntries)
	return s.queryLogs(ctx, `SELECT id,ts,bot_id,level,message FROM logs WHERE bot_id=? ORDER BY id DESC LIMIT ?`, botID, limit)
}

func (s *SQLite) queryLogs(ctx context.Context, q string, args ...any) ([]domain.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query logs")
	}
	defer rows.Close()

	out := []domain.LogEntry{}
	for rows.Next() {
		var (
			e     domain.LogEntry
			ts    string
			botID sql.NullString
			level string
		)
		if err := rows.Scan(&e.ID, &ts, &botID, &level, &e.Message); err != nil {
			return nil, errors.Wrap(err, "scan log")
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if botID.Valid {
			v := botID.String
			e.BotID = &v
		}
		e.Level = domain.LogLevel(level)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateLog(ctx context.Context, e domain.LogEntry) (*domain.LogEntry, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO logs (ts,bot_id,level,message) VALUES (?,?,?,?)`,
		formatTS(e.Timestamp), e.BotID, string(e.Level), e.Message)
	if err != nil {
		return nil, errors.Wrap(err, "insert log")
	}
	e.ID, _ = res.LastInsertId()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM logs WHERE id NOT IN (SELECT id FROM logs ORDER BY id DESC LIMIT ?)`, domain.MaxLogEntries); err != nil {
		return nil, errors.Wrap(err, "trim logs")
	}
	return &e, nil
}

// ---- metrics ----

const metricColumns = `id,ts,cpu_usage,memory_used,memory_total,disk_used,disk_total,network_usage`

func scanMetric(r rowScanner) (*domain.MetricSample, error) {
	var (
		m                                       domain.MetricSample
		ts                                      string
		memUsed, memTotal, diskUsed, diskTotal int64
	)
	if err := r.Scan(&m.ID, &ts, &m.CPUUsage, &memUsed, &memTotal, &diskUsed, &diskTotal, &m.NetworkUsage); err != nil {
		return nil, err
	}
	m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	m.MemoryUsed, m.MemoryTotal = uint64(memUsed), uint64(memTotal)
	m.DiskUsed, m.DiskTotal = uint64(diskUsed), uint64(diskTotal)
	return &m, nil
}

func (s *SQLite) GetLatestMetrics(ctx context.Context) (*domain.MetricSample, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+metricColumns+` FROM metrics ORDER BY id DESC LIMIT 1`)
	m, err := scanMetric(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get latest metrics")
	}
	return m, nil
}

func (s *SQLite) GetMetricsHistory(ctx context.Context, limit int) ([]domain.MetricSample, error) {
	limit = clampLimit(limit, domain.MaxMetricSamples, domain.MaxMetricSamples)
	rows, err := s.db.QueryContext(ctx, `SELECT `+metricColumns+` FROM metrics ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query metrics")
	}
	defer rows.Close()

	out := []domain.MetricSample{}
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan metrics")
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateMetrics(ctx context.Context, m domain.MetricSample) (*domain.MetricSample, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO metrics (ts,cpu_usage,memory_used,memory_total,disk_used,disk_total,network_usage)
VALUES (?,?,?,?,?,?,?)
`, formatTS(m.Timestamp), m.CPUUsage, int64(m.MemoryUsed), int64(m.MemoryTotal),
		int64(m.DiskUsed), int64(m.DiskTotal), m.NetworkUsage)
	if err != nil {
		return nil, errors.Wrap(err, "insert metrics")
	}
	m.ID, _ = res.LastInsertId()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM metrics WHERE id NOT IN (SELECT id FROM metrics ORDER BY id DESC LIMIT ?)`, domain.MaxMetricSamples); err != nil {
		return nil, errors.Wrap(err, "trim metrics")
	}
	return &m, nil
}

// 固定小数位，保证按字符串排序与时间顺序一致
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}
