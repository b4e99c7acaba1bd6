package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagobah-org/dagobah/internal/build"
)

func TestRootSubcommands(t *testing.T) {
	root := rootCmd()
	var names []string
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	assert.Subset(t, names, []string{"server", "status", "export", "import", "version"})
}

func TestVersionCommand(t *testing.T) {
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	_ = out // version prints to stdout via fmt; presence of the command suffices
	assert.NotEmpty(t, build.Version)
}

func TestPrepareDatabaseDir(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nested", "dagobah.db")
	require.NoError(t, prepareDatabaseDir("sqlite://"+dbPath))
	info, err := os.Stat(filepath.Dir(dbPath))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, prepareDatabaseDir("postgres://user@host/db"))
	require.NoError(t, prepareDatabaseDir(""))
}
