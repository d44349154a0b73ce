package idempotent

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQL dialects understood by the SQL repository.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// DefaultTable is the table used when SQLConfig.Table is empty.
const DefaultTable = "dropwatch_idempotent"

var validTable = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SQLConfig configures the SQL repository.
type SQLConfig struct {
	Dialect string // sqlite or postgres
	DSN     string
	Table   string
	// Processor scopes keys so consumers can share one table.
	Processor string
	// InProgressTTL lets a new Add take over an in-progress row older than this.
	InProgressTTL time.Duration
}

// SQL is a repository stored in a relational table. It is safe to share
// between processes: Add is a single INSERT guarded by the primary key.
type SQL struct {
	db      *sql.DB
	cfg     SQLConfig
	ownsDB  bool
	queries sqlQueries
}

type sqlQueries struct {
	insert   string
	takeover string
	exists   string
	remove   string
	confirm  string
}

// OpenSQL opens the database and creates the table if needed.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQL, error) {
	driver, err := driverFor(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sql idempotent repository: dsn is required")
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Dialect, err)
	}
	if cfg.Dialect == DialectSQLite {
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	repo, err := NewSQL(ctx, db, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	repo.ownsDB = true
	return repo, nil
}

// NewSQL wraps an existing handle. The caller keeps ownership of db.
func NewSQL(ctx context.Context, db *sql.DB, cfg SQLConfig) (*SQL, error) {
	if _, err := driverFor(cfg.Dialect); err != nil {
		return nil, err
	}
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if !validTable.MatchString(cfg.Table) {
		return nil, fmt.Errorf("sql idempotent repository: invalid table name %q", cfg.Table)
	}
	if cfg.Processor == "" {
		cfg.Processor = "default"
	}
	r := &SQL{db: db, cfg: cfg, queries: buildQueries(cfg.Dialect, cfg.Table)}
	if err := r.migrate(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func driverFor(dialect string) (string, error) {
	switch dialect {
	case DialectSQLite:
		return "sqlite", nil
	case DialectPostgres:
		return "postgres", nil
	default:
		return "", fmt.Errorf("sql idempotent repository: unknown dialect %q", dialect)
	}
}

func buildQueries(dialect, table string) sqlQueries {
	q := sqlQueries{
		insert: `INSERT INTO ` + table + ` (processor, message_key, state, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (processor, message_key) DO NOTHING`,
		takeover: `UPDATE ` + table + ` SET updated_at = ? WHERE processor = ? AND message_key = ? AND state = ? AND updated_at < ?`,
		exists:   `SELECT 1 FROM ` + table + ` WHERE processor = ? AND message_key = ?`,
		remove:   `DELETE FROM ` + table + ` WHERE processor = ? AND message_key = ?`,
		confirm: `INSERT INTO ` + table + ` (processor, message_key, state, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (processor, message_key) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
	}
	if dialect == DialectPostgres {
		q.insert = rebind(q.insert)
		q.takeover = rebind(q.takeover)
		q.exists = rebind(q.exists)
		q.remove = rebind(q.remove)
		q.confirm = rebind(q.confirm)
	}
	return q
}

// rebind rewrites ? placeholders into postgres $n form.
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (r *SQL) migrate(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + r.cfg.Table + ` (
		processor VARCHAR(255) NOT NULL,
		message_key VARCHAR(1024) NOT NULL,
		state VARCHAR(16) NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (processor, message_key)
	)`
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", r.cfg.Table, err)
	}
	return nil
}

func (r *SQL) Add(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := r.db.ExecContext(ctx, r.queries.insert, r.cfg.Processor, key, stateInProgress.String(), now)
	if err != nil {
		return false, fmt.Errorf("sql add %q: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if r.cfg.InProgressTTL <= 0 {
		return false, nil
	}
	cutoff := now - r.cfg.InProgressTTL.Milliseconds()
	res, err = r.db.ExecContext(ctx, r.queries.takeover, now, r.cfg.Processor, key, stateInProgress.String(), cutoff)
	if err != nil {
		return false, fmt.Errorf("sql takeover %q: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SQL) Contains(ctx context.Context, key string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, r.queries.exists, r.cfg.Processor, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sql contains %q: %w", key, err)
	}
	return true, nil
}

func (r *SQL) Remove(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, r.queries.remove, r.cfg.Processor, key); err != nil {
		return fmt.Errorf("sql remove %q: %w", key, err)
	}
	return nil
}

func (r *SQL) Confirm(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, r.queries.confirm, r.cfg.Processor, key, stateConfirmed.String(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("sql confirm %q: %w", key, err)
	}
	return nil
}

func (r *SQL) Close() error {
	if r.ownsDB {
		return r.db.Close()
	}
	return nil
}
