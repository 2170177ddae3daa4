package fsx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchDirEntries(t *testing.T) {
	tempDir := t.TempDir()

	files := []string{
		"dotnet-diagnostic-100-1234-socket",
		"dotnet-diagnostic-200-99-socket",
		"dotnet-diagnostic-300",
		"other.txt",
		"subdir/dotnet-diagnostic-400-1-socket",
	}
	for _, f := range files {
		fullPath := filepath.Join(tempDir, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0755))
		require.NoError(t, os.WriteFile(fullPath, []byte("x"), 0644))
	}

	matches, err := MatchDirEntries(tempDir, []string{"dotnet-diagnostic-*-socket"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(tempDir, "dotnet-diagnostic-100-1234-socket"),
		filepath.Join(tempDir, "dotnet-diagnostic-200-99-socket"),
	}, matches)
}

func TestMatchDirEntries_MissingDir(t *testing.T) {
	matches, err := MatchDirEntries(filepath.Join(t.TempDir(), "absent"), []string{"*"})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestMatchDirEntries_InvalidPattern(t *testing.T) {
	_, err := MatchDirEntries(t.TempDir(), []string{"[unclosed"})
	assert.Error(t, err)
}
