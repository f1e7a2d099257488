package native

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"tether/internal/operr"
	"tether/internal/ops"
	"tether/internal/resource"
)

var sqlitePragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA foreign_keys=ON",
	"PRAGMA busy_timeout=5000",
}

// database is an open SQLite connection. Its prepared statements form a
// managed set torn down with the connection.
type database struct {
	db    *sql.DB
	path  string
	stmts *resource.ManagedSet
}

func (d *database) Name() string { return "sqliteConnection" }

func (d *database) Close() error {
	d.stmts.Teardown()
	return d.db.Close()
}

// statement is a prepared statement owned by a database.
type statement struct {
	st    *sql.Stmt
	owner *resource.ManagedSet

	mu  sync.Mutex
	rid resource.ID
}

func (s *statement) Name() string { return "sqliteStatement" }

func (s *statement) Close() error {
	s.mu.Lock()
	rid := s.rid
	s.mu.Unlock()
	s.owner.Remove(rid)
	return s.st.Close()
}

func openDatabase(ctx context.Context, path string, readOnly bool) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := sqlitePragmas
	if readOnly {
		pragmas = append([]string{"PRAGMA query_only=ON"}, pragmas[1:]...)
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	return db, nil
}

func sqlParams(a ops.Args, i int) ([]any, error) {
	switch v := a.Any(i).(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	default:
		return nil, operr.Invalid("params", "expected array, got %T", v)
	}
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func runResult(res sql.Result) map[string]any {
	changes, _ := res.RowsAffected()
	last, _ := res.LastInsertId()
	return map[string]any{"changes": changes, "lastInsertRowId": last}
}

func registerSQLite(reg *ops.Registry, env *Env) {
	reg.Creates("op_sqlite_open", func(ctx context.Context, a ops.Args) (any, error) {
		path, err := a.String(0)
		if err != nil {
			return nil, err
		}
		readOnly, err := a.Bool(1)
		if err != nil {
			return nil, err
		}
		if path != ":memory:" {
			if path, err = env.Permissions.CheckPath(path); err != nil {
				return nil, err
			}
		}
		db, err := openDatabase(ctx, path, readOnly)
		if err != nil {
			return nil, err
		}
		rid, err := env.Table.Add(&database{db: db, path: path, stmts: resource.NewManagedSet(env.Table)})
		if err != nil {
			db.Close()
			return nil, err
		}
		return record(rid, "path", path), nil
	})

	reg.Async("op_sqlite_exec", func(ctx context.Context, a ops.Args) (any, error) {
		d, rid, err := lookup[*database](env, a, "exec")
		if err != nil {
			return nil, err
		}
		query, err := a.String(1)
		if err != nil {
			return nil, err
		}
		params, err := sqlParams(a, 2)
		if err != nil {
			return nil, err
		}
		res, err := d.db.ExecContext(ctx, query, params...)
		if err != nil {
			return nil, env.stale(rid, "exec", err)
		}
		return runResult(res), nil
	})

	reg.Creates("op_sqlite_prepare", func(ctx context.Context, a ops.Args) (any, error) {
		d, rid, err := lookup[*database](env, a, "prepare")
		if err != nil {
			return nil, err
		}
		query, err := a.String(1)
		if err != nil {
			return nil, err
		}
		st, err := d.db.PrepareContext(ctx, query)
		if err != nil {
			return nil, env.stale(rid, "prepare", err)
		}
		s := &statement{st: st, owner: d.stmts}
		s.mu.Lock()
		srid, err := env.Table.Add(s)
		if err != nil {
			s.mu.Unlock()
			st.Close()
			return nil, err
		}
		s.rid = srid
		s.mu.Unlock()
		// The connection may have closed while preparing; Add then
		// closes the statement itself.
		d.stmts.Add(srid)
		return record(srid), nil
	})

	reg.Async("op_sqlite_stmt_run", func(ctx context.Context, a ops.Args) (any, error) {
		s, rid, err := lookup[*statement](env, a, "run")
		if err != nil {
			return nil, err
		}
		params, err := sqlParams(a, 1)
		if err != nil {
			return nil, err
		}
		res, err := s.st.ExecContext(ctx, params...)
		if err != nil {
			return nil, env.stale(rid, "run", err)
		}
		return runResult(res), nil
	})

	reg.Async("op_sqlite_stmt_all", func(ctx context.Context, a ops.Args) (any, error) {
		s, rid, err := lookup[*statement](env, a, "all")
		if err != nil {
			return nil, err
		}
		params, err := sqlParams(a, 1)
		if err != nil {
			return nil, err
		}
		rows, err := s.st.QueryContext(ctx, params...)
		if err != nil {
			return nil, env.stale(rid, "all", err)
		}
		return scanRows(rows)
	})

	reg.Async("op_sqlite_stmt_get", func(ctx context.Context, a ops.Args) (any, error) {
		s, rid, err := lookup[*statement](env, a, "get")
		if err != nil {
			return nil, err
		}
		params, err := sqlParams(a, 1)
		if err != nil {
			return nil, err
		}
		rows, err := s.st.QueryContext(ctx, params...)
		if err != nil {
			return nil, env.stale(rid, "get", err)
		}
		all, err := scanRows(rows)
		if err != nil || len(all) == 0 {
			return nil, err
		}
		return all[0], nil
	})
}
