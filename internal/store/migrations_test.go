package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatementsStripsComments(t *testing.T) {
	script := `-- schema notes; a semicolon inside a comment
CREATE TABLE a (id INTEGER); -- trailing comment; with another
CREATE INDEX idx_a ON a (id);

-- nothing but comments below this line
`
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (id INTEGER)", stmts[0])
	assert.Equal(t, "CREATE INDEX idx_a ON a (id)", stmts[1])
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// newTestStore already migrated once; a second run must be a no-op.
	require.NoError(t, s.Migrate(ctx))

	var current int
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current))
	assert.Equal(t, len(migrationScripts), current)
}
