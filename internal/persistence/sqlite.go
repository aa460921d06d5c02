package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/types"
	"github.com/mnemos/mnemos/pkg/utils"
)

// SQLiteConfig holds SQLite collaborator configuration
type SQLiteConfig struct {
	// Path is the database file; ":memory:" keeps state in process
	Path string `yaml:"path" json:"path"`

	// BusyTimeout bounds how long a statement waits on a locked database
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"`

	// MaxOpenConns defaults to 1. Values above 1 allow concurrent readers
	// under WAL for file databases; ":memory:" must stay at 1 because
	// every new connection would open its own empty database.
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`

	Logger *utils.StructuredLogger `yaml:"-" json:"-"`
}

// DefaultSQLiteConfig returns defaults for a single-process install
func DefaultSQLiteConfig() *SQLiteConfig {
	return &SQLiteConfig{
		Path:         "mnemos.db",
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 1,
	}
}

// SQLiteExecutor runs statements against a local SQLite file through
// database/sql. The driver takes ?-style placeholders natively, so
// statements pass through unmodified.
type SQLiteExecutor struct {
	db         *sql.DB
	logger     *utils.StructuredLogger
	ownsLogger bool
}

var _ types.Executor = (*SQLiteExecutor)(nil)

// NewSQLiteExecutor opens the database file, creating parent directories
// as needed, and verifies it with a ping
func NewSQLiteExecutor(config *SQLiteConfig) (*SQLiteExecutor, error) {
	if config == nil {
		config = DefaultSQLiteConfig()
	}
	if config.Path == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig,
			"sqlite path is required").WithComponent("sqlite")
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}
	if config.MaxOpenConns <= 0 {
		config.MaxOpenConns = 1
	}

	if config.Path != ":memory:" {
		if dir := filepath.Dir(config.Path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, errors.NewError(errors.ErrCodeConnectionFailed,
					fmt.Sprintf("failed to create database directory: %v", err)).
					WithComponent("sqlite").WithCause(err)
			}
		}
	}

	// WAL keeps readers unblocked during writes; foreign keys are off by
	// default in SQLite and the tier schema relies on its cascades
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on",
		config.Path, config.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeConnectionFailed,
			fmt.Sprintf("sqlite open failed: %v", err)).
			WithComponent("sqlite").WithCause(err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.NewError(errors.ErrCodeConnectionFailed,
			fmt.Sprintf("sqlite ping failed: %v", err)).
			WithComponent("sqlite").WithCause(err)
	}

	ownsLogger := false
	logger := config.Logger
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		ownsLogger = true
	}

	return &SQLiteExecutor{
		db:         db,
		logger:     logger.WithComponent("sqlite"),
		ownsLogger: ownsLogger,
	}, nil
}

// Execute runs a statement and reports the affected row count
func (s *SQLiteExecutor) Execute(ctx context.Context, stmt string, args ...any) (int64, error) {
	result, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, translateStatementError(err, "sqlite", stmt)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		// The driver supports RowsAffected; treat a failure here as a
		// completed write with an unknown count
		s.logger.Warn("Affected row count unavailable", map[string]interface{}{
			"operation": statementVerb(stmt),
			"error":     err.Error(),
		})
		return 0, nil
	}
	return affected, nil
}

// Query runs a statement and materializes the full result set
func (s *SQLiteExecutor) Query(ctx context.Context, stmt string, args ...any) ([]types.Row, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, translateStatementError(err, "sqlite", stmt)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, translateStatementError(err, "sqlite", stmt)
	}

	var out []types.Row
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, translateStatementError(err, "sqlite", stmt)
		}
		row := make(types.Row, len(columns))
		for i, column := range columns {
			// TEXT comes back as []byte; rows carry strings
			if b, ok := values[i].([]byte); ok {
				row[column] = string(b)
			} else {
				row[column] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, translateStatementError(err, "sqlite", stmt)
	}
	return out, nil
}

// Ping checks the database handle, for health probes
func (s *SQLiteExecutor) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return translateConnectionError(err, "sqlite")
	}
	return nil
}

// Close releases the database handle
func (s *SQLiteExecutor) Close() error {
	err := s.db.Close()
	if s.ownsLogger {
		_ = s.logger.Close()
	}
	return err
}
