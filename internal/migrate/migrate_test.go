package migrate

import (
	"io/fs"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations_ApplyInLexicalOrder(t *testing.T) {
	entries, err := fs.Glob(embeddedFiles, "migrations/*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	sorted := append([]string(nil), entries...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, entries, "fs.Glob must already return lexical order for Run's ordering guarantee to hold")
}

func TestEmbeddedMigrations_AreIdempotent(t *testing.T) {
	entries, err := fs.Glob(embeddedFiles, "migrations/*.sql")
	require.NoError(t, err)

	for _, name := range entries {
		body, err := embeddedFiles.ReadFile(name)
		require.NoError(t, err)
		assert.Contains(t, string(body), "IF NOT EXISTS", "%s must be idempotent", name)
	}
}
