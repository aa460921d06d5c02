package persistence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/types"
	"github.com/mnemos/mnemos/pkg/utils"
)

// PostgresConfig holds Postgres collaborator configuration
type PostgresConfig struct {
	// DSN is a pgx connection string, URL or key=value form
	DSN string `yaml:"dsn" json:"dsn"`

	MaxConns        int32         `yaml:"max_conns" json:"max_conns"`
	MinConns        int32         `yaml:"min_conns" json:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" json:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" json:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	Logger *utils.StructuredLogger `yaml:"-" json:"-"`
}

// DefaultPostgresConfig returns sensible defaults for a local database
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		DSN:            "postgres://localhost:5432/mnemos",
		MaxConns:       8,
		MinConns:       1,
		ConnectTimeout: 5 * time.Second,
	}
}

// PostgresExecutor runs statements against a pgx connection pool. Callers
// write ?-style placeholders; they are rewritten to the positional $n form
// the wire protocol requires before execution.
type PostgresExecutor struct {
	pool       *pgxpool.Pool
	logger     *utils.StructuredLogger
	ownsLogger bool
}

var _ types.Executor = (*PostgresExecutor)(nil)

// NewPostgresExecutor connects a pool and verifies it with a bounded ping
func NewPostgresExecutor(ctx context.Context, config *PostgresConfig) (*PostgresExecutor, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	if config.DSN == "" {
		return nil, errors.NewError(errors.ErrCodeMissingConfig,
			"postgres dsn is required").WithComponent("postgres")
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}

	poolCfg, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig,
			fmt.Sprintf("invalid postgres dsn: %v", err)).
			WithComponent("postgres").WithCause(err)
	}
	if config.MaxConns > 0 {
		poolCfg.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolCfg.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeConnectionFailed,
			fmt.Sprintf("postgres pool setup failed: %v", err)).
			WithComponent("postgres").WithCause(err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.NewError(errors.ErrCodeConnectionFailed,
			fmt.Sprintf("postgres ping failed: %v", err)).
			WithComponent("postgres").WithCause(err)
	}

	ownsLogger := false
	logger := config.Logger
	if logger == nil {
		logger, _ = utils.NewStructuredLogger(utils.DefaultStructuredLoggerConfig())
		ownsLogger = true
	}

	return &PostgresExecutor{
		pool:       pool,
		logger:     logger.WithComponent("postgres"),
		ownsLogger: ownsLogger,
	}, nil
}

// Execute runs a statement and reports the affected row count
func (p *PostgresExecutor) Execute(ctx context.Context, stmt string, args ...any) (int64, error) {
	tag, err := p.pool.Exec(ctx, rewritePlaceholders(stmt), args...)
	if err != nil {
		return 0, translateStatementError(err, "postgres", stmt)
	}
	return tag.RowsAffected(), nil
}

// Query runs a statement and materializes the full result set. Tier metadata
// result sets are small by construction, so streaming is not worth the
// cursor bookkeeping.
func (p *PostgresExecutor) Query(ctx context.Context, stmt string, args ...any) ([]types.Row, error) {
	rows, err := p.pool.Query(ctx, rewritePlaceholders(stmt), args...)
	if err != nil {
		return nil, translateStatementError(err, "postgres", stmt)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []types.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, translateStatementError(err, "postgres", stmt)
		}
		row := make(types.Row, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, translateStatementError(err, "postgres", stmt)
	}
	return out, nil
}

// Ping checks pool connectivity, for health probes
func (p *PostgresExecutor) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return translateConnectionError(err, "postgres")
	}
	return nil
}

// Close drains the connection pool
func (p *PostgresExecutor) Close() error {
	p.pool.Close()
	if p.ownsLogger {
		_ = p.logger.Close()
	}
	return nil
}

// translateConnectionError wraps a connectivity failure with the code the
// retry policy treats as transient
func translateConnectionError(err error, component string) error {
	return errors.NewError(errors.ErrCodeConnectionFailed,
		fmt.Sprintf("%s unreachable: %v", component, err)).
		WithComponent(component).WithCause(err)
}

// rewritePlaceholders converts ?-style placeholders to $1..$n. Question
// marks inside single or double quoted sections are literal and left alone.
func rewritePlaceholders(stmt string) string {
	if !strings.Contains(stmt, "?") {
		return stmt
	}

	var b strings.Builder
	b.Grow(len(stmt) + 8)
	n := 0
	inSingle := false
	inDouble := false
	for _, r := range stmt {
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			b.WriteRune(r)
		case r == '"' && !inSingle:
			inDouble = !inDouble
			b.WriteRune(r)
		case r == '?' && !inSingle && !inDouble:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
