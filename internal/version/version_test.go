package version

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "version.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":"1.4.2","commit":"abc123"}`), 0o644))

	info, err := FromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "1.4.2", info.Version)
	assert.Equal(t, "abc123", info.Commit)
}

func TestFromFileMissingVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "version.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"commit":"abc123"}`), 0o644))

	_, err := FromFile(path)
	assert.Error(t, err)
}

func TestFromFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "version.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o644))

	_, err := FromFile(path)
	assert.Error(t, err)
}

func TestFromFileAbsent(t *testing.T) {
	_, err := FromFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestResolveAlwaysHasVersion(t *testing.T) {
	assert.NotEmpty(t, Resolve().Version)
}
