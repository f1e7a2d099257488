package native

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/handle"
	"tether/internal/operr"
)

func TestSQLiteStatements(t *testing.T) {
	d, env := newTestEnv(t)
	ctx := testCtx(t)

	db, err := handle.OpenDatabase(ctx, d, filepath.Join(env.Permissions.AllowedPaths[0], "test.db"), false)
	require.NoError(t, err)

	_, err = db.Exec(ctx, "CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)")
	require.NoError(t, err)

	insert, err := db.Prepare(ctx, "INSERT INTO users (name) VALUES (?)")
	require.NoError(t, err)
	res, err := insert.Run(ctx, "ada")
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Changes)
	assert.Equal(t, int64(1), res.LastInsertRowID)
	_, err = insert.Run(ctx, "grace")
	require.NoError(t, err)

	query, err := db.Prepare(ctx, "SELECT id, name FROM users ORDER BY id")
	require.NoError(t, err)
	rows, err := query.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "grace", rows[1]["name"])

	one, err := db.Prepare(ctx, "SELECT name FROM users WHERE id = ?")
	require.NoError(t, err)
	row, err := one.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "grace", row["name"])
	row, err = one.Get(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, row)

	require.NoError(t, one.Close())
	require.NoError(t, one.Close())
	assert.Equal(t, 3, env.Table.Len())

	// Closing the connection finalizes its remaining statements.
	require.NoError(t, db.Close())
	assert.Equal(t, 0, env.Table.Len())
	_, err = query.All(ctx)
	assert.ErrorIs(t, err, operr.ErrBadResource)
	assert.NoError(t, query.Close())

	err = db.Close()
	assert.ErrorIs(t, err, operr.ErrInvalidState)
}

func TestSQLiteReadOnly(t *testing.T) {
	d, _ := newTestEnv(t)
	ctx := testCtx(t)

	db, err := handle.OpenDatabase(ctx, d, ":memory:", true)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(ctx, "CREATE TABLE t (x)")
	assert.Error(t, err)
}
