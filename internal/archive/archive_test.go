package archive

import (
	"archive/tar"
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pictoria/pictoria/internal/models"
)

func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return path
}

func writeTar(t *testing.T, files map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.tar")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	tw := tar.NewWriter(f)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}))
		_, err = tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return path
}

func TestCanonicalName(t *testing.T) {
	cases := map[string]string{
		"cover.jpg":             "cover.jpg",
		"/cover.jpg":            "cover.jpg",
		"art\\pages\\01.png":    "art/pages/01.png",
		"a/../b.jpg":            "b.jpg",
		"../escape.jpg":         "",
		"__MACOSX/._cover.jpg":  "",
		".hidden/cover.jpg":     "",
		"art/.thumbnails/x.jpg": "",
		"art//double.jpg":       "art/double.jpg",
	}
	for raw, want := range cases {
		assert.Equal(t, want, CanonicalName(raw), "raw %q", raw)
	}
}

func TestFindEntryExactAndRepair(t *testing.T) {
	entries := []Entry{
		{Name: "comics/issue-01/page-001.jpg", RawName: "comics/issue-01/page-001.jpg"},
		{Name: "comics/issue-01/page-002.jpg", RawName: "comics/issue-01/page-002.jpg"},
		{Name: "extras/map.png", RawName: "extras/map.png"},
	}

	e, err := findEntry(entries, "comics/issue-01/page-001.jpg", false)
	require.NoError(t, err)
	assert.Equal(t, "comics/issue-01/page-001.jpg", e.Name)

	// A truncated suffix resolves when unique.
	e, err = findEntry(entries, "page-002.jpg", true)
	require.NoError(t, err)
	assert.Equal(t, "comics/issue-01/page-002.jpg", e.Name)

	// Without repair the truncated name misses.
	_, err = findEntry(entries, "page-002.jpg", false)
	assert.ErrorIs(t, err, ErrEntryNotFound)

	// Multiple candidates are refused rather than guessed.
	_, err = findEntry(entries, "comics/issue-01", true)
	assert.ErrorIs(t, err, ErrAmbiguousEntry)

	_, err = findEntry(entries, "nowhere.gif", true)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestZipReaderSkipsJunkAndReadsEntries(t *testing.T) {
	path := writeZip(t, map[string]string{
		"cover.jpg":            "front",
		"pages/01.png":         "page one",
		"__MACOSX/._cover.jpg": "junk",
		".DS_Store":            "junk",
	})

	r, err := Open(path, models.KindZip, false)
	require.NoError(t, err)
	defer r.Close()

	entries := r.Entries()
	require.Len(t, entries, 2)
	names := []string{entries[0].Name, entries[1].Name}
	assert.Contains(t, names, "cover.jpg")
	assert.Contains(t, names, "pages/01.png")

	rc, err := r.Open("pages/01.png")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "page one", string(data))

	_, err = r.Open("missing.jpg")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestZipReaderPathRepair(t *testing.T) {
	path := writeZip(t, map[string]string{
		"deep/nested/dir/photo.jpg": "pixels",
	})

	r, err := Open(path, models.KindZip, true)
	require.NoError(t, err)
	defer r.Close()

	rc, err := r.Open("photo.jpg")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "pixels", string(data))
}

func TestTarReaderSequentialReopen(t *testing.T) {
	path := writeTar(t, map[string]string{
		"a.jpg": "aaa",
		"b.jpg": "bbbb",
	})

	r, err := Open(path, models.KindTar, false)
	require.NoError(t, err)
	defer r.Close()

	require.Len(t, r.Entries(), 2)

	// Entries open independently in any order.
	for _, want := range []struct{ name, content string }{
		{"b.jpg", "bbbb"},
		{"a.jpg", "aaa"},
	} {
		rc, err := r.Open(want.name)
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		assert.Equal(t, want.content, string(data))
	}
}

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open("x", models.KindDirectory, false)
	assert.Error(t, err)
}

func TestPoolReuseAndInvalidate(t *testing.T) {
	path := writeZip(t, map[string]string{"cover.jpg": "x"})
	p := NewPool(2, false)
	defer p.Close()

	r1, err := p.Acquire(path, models.KindZip)
	require.NoError(t, err)
	p.Release(path, r1)

	r2, err := p.Acquire(path, models.KindZip)
	require.NoError(t, err)
	assert.Same(t, r1, r2, "released reader is reused")
	p.Release(path, r2)

	p.Invalidate(path)
	r3, err := p.Acquire(path, models.KindZip)
	require.NoError(t, err)
	assert.NotSame(t, r1, r3, "invalidate drops pooled readers")
	p.Release(path, r3)
}
