package sqlitedb

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyMigrations(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer db.Close()

	migrations := fstest.MapFS{
		"000001_widgets.up.sql":   {Data: []byte(`CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL);`)},
		"000001_widgets.down.sql": {Data: []byte(`DROP TABLE widgets;`)},
	}

	require.NoError(t, ApplyMigrations(db, migrations, "widget_migrations"))
	// applying twice is a no-op
	require.NoError(t, ApplyMigrations(db, migrations, "widget_migrations"))

	_, err = db.ExecContext(ctx, `INSERT INTO widgets (name) VALUES ('a')`)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM widgets`).Scan(&count))
	assert.Equal(t, 1, count)
}
