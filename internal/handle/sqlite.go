package handle

import (
	"context"

	"tether/internal/operr"
	"tether/internal/ops"
)

// RunResult reports the effect of a write statement.
type RunResult struct {
	Changes         int64
	LastInsertRowID int64
}

func runResult(v any) RunResult {
	m, _ := v.(map[string]any)
	changes, _ := ops.Args{m["changes"]}.Int(0)
	last, _ := ops.Args{m["lastInsertRowId"]}.Int(0)
	return RunResult{Changes: changes, LastInsertRowID: last}
}

// Connection is an open SQLite database. Closing it twice fails with an
// InvalidState error rather than BadResource.
type Connection struct {
	*Handle
	path string
}

// OpenDatabase opens the database at path (":memory:" for an in-memory one).
func OpenDatabase(ctx context.Context, d *ops.Dispatcher, path string, readOnly bool) (*Connection, error) {
	h, _, err := create(ctx, d, "sqliteConnection", "op_sqlite_open", path, readOnly)
	if err != nil {
		return nil, err
	}
	return &Connection{Handle: h, path: path}, nil
}

// Path returns the database location.
func (c *Connection) Path() string { return c.path }

// IsOpen reports whether the connection can still be used.
func (c *Connection) IsOpen() bool { return c.State() == Bound }

func (c *Connection) notOpen(op string) error {
	return &operr.InvalidStateError{Op: op, State: "database is not open"}
}

// Exec runs one or more statements without returning rows.
func (c *Connection) Exec(ctx context.Context, sql string, params ...any) (RunResult, error) {
	if !c.IsOpen() {
		return RunResult{}, c.notOpen("exec")
	}
	v, err := c.Async(ctx, "op_sqlite_exec", sql, params).Await(ctx)
	if err != nil {
		return RunResult{}, err
	}
	return runResult(v), nil
}

// Prepare compiles sql into a Statement owned by this connection.
func (c *Connection) Prepare(ctx context.Context, sql string) (*Statement, error) {
	if !c.IsOpen() {
		return nil, c.notOpen("prepare")
	}
	v, err := c.Async(ctx, "op_sqlite_prepare", sql).Await(ctx)
	if err != nil {
		return nil, err
	}
	rid, err := RIDOf(v)
	if err != nil {
		return nil, err
	}
	return &Statement{Handle: Bind(c.d, "sqliteStatement", rid), sql: sql}, nil
}

// Close closes the database and finalizes every statement prepared on it.
func (c *Connection) Close() error {
	if c.State() == Closed {
		return c.notOpen("close")
	}
	return c.Handle.Close()
}

// Statement is a prepared SQL statement. Close is idempotent.
type Statement struct {
	*Handle
	sql string
}

// SQL returns the source text.
func (s *Statement) SQL() string { return s.sql }

// Run executes the statement and reports its effect.
func (s *Statement) Run(ctx context.Context, params ...any) (RunResult, error) {
	v, err := s.Async(ctx, "op_sqlite_stmt_run", params).Await(ctx)
	if err != nil {
		return RunResult{}, err
	}
	return runResult(v), nil
}

// All returns every row as a column-keyed record.
func (s *Statement) All(ctx context.Context, params ...any) ([]map[string]any, error) {
	return ops.Await[[]map[string]any](ctx, s.Async(ctx, "op_sqlite_stmt_all", params))
}

// Get returns the first row, or nil when the result set is empty.
func (s *Statement) Get(ctx context.Context, params ...any) (map[string]any, error) {
	return ops.Await[map[string]any](ctx, s.Async(ctx, "op_sqlite_stmt_get", params))
}

// Close finalizes the statement. Statements already finalized by their
// connection close silently.
func (s *Statement) Close() error {
	return s.CloseOnce()
}
