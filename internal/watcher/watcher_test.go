package watcher

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidateFor(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Vacation", "day1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "album.zip"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.jpg"), []byte("x"), 0o644))

	// An event deep inside a directory maps to its top-level entry.
	got := candidateFor(root, filepath.Join(root, "Vacation", "day1", "beach.jpg"))
	assert.Equal(t, filepath.Join(root, "Vacation"), got)

	// A top-level directory maps to itself.
	got = candidateFor(root, filepath.Join(root, "Vacation"))
	assert.Equal(t, filepath.Join(root, "Vacation"), got)

	// Top-level archives are candidates even before they exist on disk.
	got = candidateFor(root, filepath.Join(root, "album.zip"))
	assert.Equal(t, filepath.Join(root, "album.zip"), got)
	got = candidateFor(root, filepath.Join(root, "new.cbz"))
	assert.Equal(t, filepath.Join(root, "new.cbz"), got)

	// A loose top-level file is not a candidate: rescan the whole library.
	assert.Empty(t, candidateFor(root, filepath.Join(root, "stray.jpg")))

	// A removed top-level entry of unknown type also forces a full rescan.
	assert.Empty(t, candidateFor(root, filepath.Join(root, "vanished")))

	// The root itself never names a candidate.
	assert.Empty(t, candidateFor(root, root))
}
