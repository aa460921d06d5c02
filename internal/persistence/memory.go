package persistence

import (
	"context"
	"sync"

	"github.com/mnemos/mnemos/pkg/errors"
	"github.com/mnemos/mnemos/pkg/types"
)

// Statement is one recorded collaborator call
type Statement struct {
	SQL  string
	Args []any
}

// MemoryExecutor is an in-process Executor. It records every statement and
// serves queries from a scripted result queue. Engine tests use it to
// observe exactly what the tier manager and coordinator mirror out, and
// memory-only deployments use it to keep mirroring wiring in place without
// a real backend.
//
// Statements are recorded before any injected failure is applied, so a
// caller's retry attempts stay observable.
type MemoryExecutor struct {
	mu       sync.Mutex
	execs    []Statement
	queries  []Statement
	results  [][]types.Row
	affected int64
	closed   bool

	execErr      error
	execErrLeft  int // 0 means every call while execErr is set
	queryErr     error
	queryErrLeft int
	pingErr      error
}

var _ types.Executor = (*MemoryExecutor)(nil)

// NewMemoryExecutor creates an executor that accepts everything
func NewMemoryExecutor() *MemoryExecutor {
	return &MemoryExecutor{affected: 1}
}

// Execute records the statement and returns the configured affected count
func (m *MemoryExecutor) Execute(ctx context.Context, stmt string, args ...any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, translateStatementError(err, "memory", stmt)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.NewError(errors.ErrCodePersistenceUnavailable,
			"memory executor is closed").WithComponent("memory")
	}
	m.execs = append(m.execs, Statement{SQL: stmt, Args: args})
	if err := m.nextExecErr(); err != nil {
		return 0, err
	}
	return m.affected, nil
}

// Query records the statement and pops the next scripted result set. With
// nothing scripted it returns an empty result, the same as querying a
// fresh table.
func (m *MemoryExecutor) Query(ctx context.Context, stmt string, args ...any) ([]types.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateStatementError(err, "memory", stmt)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.NewError(errors.ErrCodePersistenceUnavailable,
			"memory executor is closed").WithComponent("memory")
	}
	m.queries = append(m.queries, Statement{SQL: stmt, Args: args})
	if m.queryErr != nil {
		err := m.queryErr
		if m.queryErrLeft > 0 {
			m.queryErrLeft--
			if m.queryErrLeft == 0 {
				m.queryErr = nil
			}
		}
		return nil, err
	}
	if len(m.results) == 0 {
		return nil, nil
	}
	rows := m.results[0]
	m.results = m.results[1:]
	return rows, nil
}

// Ping reports the injected health state
func (m *MemoryExecutor) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.NewError(errors.ErrCodePersistenceUnavailable,
			"memory executor is closed").WithComponent("memory")
	}
	return m.pingErr
}

// Close rejects all further calls
func (m *MemoryExecutor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Test controls

// SetExecuteError makes every subsequent Execute fail with err until
// cleared with nil
func (m *MemoryExecutor) SetExecuteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execErr = err
	m.execErrLeft = 0
}

// FailNextExecutes makes the next n Execute calls fail with err, then
// recovers. Retry tests use it to model a transient outage.
func (m *MemoryExecutor) FailNextExecutes(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execErr = err
	m.execErrLeft = n
}

// SetQueryError makes every subsequent Query fail with err until cleared
func (m *MemoryExecutor) SetQueryError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryErr = err
	m.queryErrLeft = 0
}

// SetPingError controls what Ping reports
func (m *MemoryExecutor) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// SetAffected sets the count Execute reports
func (m *MemoryExecutor) SetAffected(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.affected = n
}

// QueueResult appends a result set for a future Query to return
func (m *MemoryExecutor) QueueResult(rows []types.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, rows)
}

// Executed returns a copy of the recorded Execute statements
func (m *MemoryExecutor) Executed() []Statement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Statement, len(m.execs))
	copy(out, m.execs)
	return out
}

// Queried returns a copy of the recorded Query statements
func (m *MemoryExecutor) Queried() []Statement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Statement, len(m.queries))
	copy(out, m.queries)
	return out
}

// ExecuteCount reports how many Execute calls arrived
func (m *MemoryExecutor) ExecuteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.execs)
}

// Reset clears recorded statements, scripted results and injected errors
func (m *MemoryExecutor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = nil
	m.queries = nil
	m.results = nil
	m.execErr = nil
	m.execErrLeft = 0
	m.queryErr = nil
	m.queryErrLeft = 0
	m.pingErr = nil
}

// nextExecErr consumes one injected Execute failure. Callers hold mu.
func (m *MemoryExecutor) nextExecErr() error {
	if m.execErr == nil {
		return nil
	}
	err := m.execErr
	if m.execErrLeft > 0 {
		m.execErrLeft--
		if m.execErrLeft == 0 {
			m.execErr = nil
		}
	}
	return err
}
