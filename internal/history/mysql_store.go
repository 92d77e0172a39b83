package history

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "PluginHub/internal/errors"
	"PluginHub/internal/plugin"
)

// MySQLConfig carries the connection settings for the MySQL store.
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore persists records in a MySQL table.
type MySQLStore struct {
	db *sql.DB
}

const createTableStatement = `
CREATE TABLE IF NOT EXISTS plugin_history (
    id         VARCHAR(64)  NOT NULL PRIMARY KEY,
    plugin_id  VARCHAR(128) NOT NULL,
    task_type  VARCHAR(16)  NOT NULL,
    kind       VARCHAR(32)  NOT NULL,
    outcome    VARCHAR(16)  NOT NULL,
    detail     TEXT,
    error_code VARCHAR(64),
    bytes      BIGINT       NOT NULL DEFAULT 0,
    created_at BIGINT       NOT NULL,
    KEY idx_plugin_created (plugin_id, created_at)
)`

// NewMySQLStore connects to MySQL and ensures the history table exists.
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "mysql dsn cannot be empty")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open mysql connection")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping mysql")
	}
	store := &MySQLStore{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableStatement); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "create plugin_history table")
	}
	return nil
}

// Append implements Store.
func (s *MySQLStore) Append(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record cannot be nil")
	}
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "record id cannot be empty")
	}
	createdAt := record.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plugin_history (id, plugin_id, task_type, kind, outcome, detail, error_code, bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.PluginID, string(record.TaskType), string(record.Kind),
		string(record.Outcome), record.Detail, record.ErrorCode, record.Bytes, createdAt,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert history record")
	}
	return nil
}

// List implements Store.
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	query := strings.Builder{}
	query.WriteString(`SELECT id, plugin_id, task_type, kind, outcome, detail, error_code, bytes, created_at FROM plugin_history`)
	var (
		clauses []string
		args    []any
	)
	if opts.PluginID != "" {
		clauses = append(clauses, "plugin_id = ?")
		args = append(args, opts.PluginID)
	}
	if opts.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(opts.Kind))
	}
	if len(clauses) > 0 {
		query.WriteString(" WHERE " + strings.Join(clauses, " AND "))
	}
	query.WriteString(" ORDER BY created_at DESC, id DESC LIMIT ?")
	args = append(args, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query history records")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var (
			record    Record
			taskType  string
			kind      string
			outcome   string
			detail    sql.NullString
			errorCode sql.NullString
		)
		if err := rows.Scan(&record.ID, &record.PluginID, &taskType, &kind, &outcome,
			&detail, &errorCode, &record.Bytes, &record.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan history record")
		}
		record.TaskType = plugin.TaskType(taskType)
		record.Kind = Kind(kind)
		record.Outcome = Outcome(outcome)
		record.Detail = detail.String
		record.ErrorCode = errorCode.String
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate history records")
	}
	return records, nil
}

// Close implements Store.
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
