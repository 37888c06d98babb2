package walker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pictoria/pictoria/internal/models"
)

func touch(t *testing.T, root string, rel string, size int) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestListCandidates(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "Vacation"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))
	touch(t, root, "album.zip", 64)
	touch(t, root, "comic.cbr", 32)
	touch(t, root, "stray.jpg", 8)
	touch(t, root, "notes.txt", 4)

	got, err := ListCandidates(root, nil)
	require.NoError(t, err)

	require.Len(t, got, 3, "loose files and dot dirs are not candidates")
	assert.Equal(t, "album.zip", got[0].Name)
	assert.Equal(t, models.KindZip, got[0].Kind)
	assert.Equal(t, int64(64), got[0].Size)
	assert.Equal(t, "comic.cbr", got[1].Name)
	assert.Equal(t, models.KindRar, got[1].Kind)
	assert.Equal(t, "Vacation", got[2].Name)
	assert.Equal(t, models.KindDirectory, got[2].Kind)
}

func TestListCandidatesExcludeGlobs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "keep"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "trash"), 0o755))
	touch(t, root, "old-backup.zip", 1)

	got, err := ListCandidates(root, []string{"trash", "*-backup.zip"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "keep", got[0].Name)
}

func TestListCandidatesMissingRoot(t *testing.T) {
	_, err := ListCandidates(filepath.Join(t.TempDir(), "gone"), nil)
	assert.Error(t, err)
}

func TestWalkFiltersAndSorts(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "Zeta.jpg", 10)
	touch(t, root, "alpha.PNG", 10)
	touch(t, root, "sub/beta.jpg", 10)
	touch(t, root, "sub/readme.txt", 10)
	touch(t, root, ".hidden/secret.jpg", 10)
	touch(t, root, "sub/.thumb.jpg", 10)

	files, err := Walk(root, Options{AllowedFormats: []string{"jpg", "png"}})
	require.NoError(t, err)

	require.Len(t, files, 3)
	assert.Equal(t, "alpha.PNG", files[0].RelativePath)
	assert.Equal(t, "sub/beta.jpg", files[1].RelativePath)
	assert.Equal(t, "Zeta.jpg", files[2].RelativePath, "ordering folds case")
	assert.Equal(t, int64(10), files[0].Size)
	assert.Equal(t, filepath.Join(root, "alpha.PNG"), files[0].AbsPath)
}

func TestWalkMaxFileSize(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "small.jpg", 10)
	touch(t, root, "huge.jpg", 500)

	files, err := Walk(root, Options{MaxFileSize: 100})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "small.jpg", files[0].RelativePath)
}

func TestWalkExcludedPaths(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "keep/a.jpg", 1)
	touch(t, root, "raw/b.jpg", 1)
	touch(t, root, "keep/raw.jpg", 1)

	files, err := Walk(root, Options{ExcludedPaths: []string{"raw/**"}})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "keep/a.jpg", files[0].RelativePath)
	assert.Equal(t, "keep/raw.jpg", files[1].RelativePath)
}

func TestWalkMissingRoot(t *testing.T) {
	_, err := Walk(filepath.Join(t.TempDir(), "gone"), Options{})
	assert.Error(t, err)
}
