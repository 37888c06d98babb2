package walker

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/pictoria/pictoria/internal/models"
)

// FileEntry is one media file found during a recursive walk.
type FileEntry struct {
	RelativePath string
	AbsPath      string
	Name         string
	Size         int64
	ModTimeUnix  int64
}

// Candidate is a top-level library entry that can become a collection:
// a subdirectory or an archive file.
type Candidate struct {
	Name        string
	AbsPath     string
	Kind        models.CollectionKind
	Size        int64
	ModTimeUnix int64
}

// Options filter a recursive walk.
type Options struct {
	AllowedFormats []string // extensions without dot, lower case; empty = allow all
	ExcludedPaths  []string // doublestar globs matched against the relative path
	MaxFileSize    int64    // 0 = unlimited
}

func (o Options) allows(relPath string, size int64) bool {
	if o.MaxFileSize > 0 && size > o.MaxFileSize {
		return false
	}
	if len(o.AllowedFormats) > 0 {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(relPath), "."))
		found := false
		for _, f := range o.AllowedFormats {
			if f == ext {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, glob := range o.ExcludedPaths {
		if ok, err := doublestar.Match(glob, filepath.ToSlash(relPath)); err == nil && ok {
			return false
		}
	}
	return true
}

// ListCandidates enumerates one directory level of a library root:
// subdirectories and archive files become collection candidates. A root
// read error is fatal to the caller's scan.
func ListCandidates(root string, excluded []string) ([]Candidate, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read library root %q: %w", root, err)
	}

	candidates := []Candidate{}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		skip := false
		for _, glob := range excluded {
			if ok, err := doublestar.Match(glob, name); err == nil && ok {
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}
		abs := filepath.Join(root, name)

		if e.IsDir() {
			candidates = append(candidates, Candidate{
				Name: name, AbsPath: abs, Kind: models.KindDirectory,
				Size: 0, ModTimeUnix: info.ModTime().Unix(),
			})
			continue
		}
		if kind, ok := models.KindForPath(name); ok {
			candidates = append(candidates, Candidate{
				Name: name, AbsPath: abs, Kind: kind,
				Size: info.Size(), ModTimeUnix: info.ModTime().Unix(),
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return strings.ToLower(candidates[i].Name) < strings.ToLower(candidates[j].Name)
	})
	return candidates, nil
}

// Walk recursively enumerates media files under root, applying the filter
// options, and returns them in a stable case-folded lexicographic order on
// the relative path. Unreadable subtrees are skipped, not fatal.
func Walk(root string, opts Options) ([]FileEntry, error) {
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("stat %q: %w", root, err)
	}

	files := []FileEntry{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !opts.allows(rel, info.Size()) {
			return nil
		}

		files = append(files, FileEntry{
			RelativePath: rel,
			AbsPath:      path,
			Name:         name,
			Size:         info.Size(),
			ModTimeUnix:  info.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %q: %w", root, err)
	}

	// Case-folded, locale-independent ordering keeps rescans stable across
	// platforms with different directory iteration orders.
	sort.Slice(files, func(i, j int) bool {
		a, b := strings.ToLower(files[i].RelativePath), strings.ToLower(files[j].RelativePath)
		if a == b {
			return files[i].RelativePath < files[j].RelativePath
		}
		return a < b
	})
	return files, nil
}
