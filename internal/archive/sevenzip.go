package archive

import (
	"fmt"
	"io"

	"github.com/bodgit/sevenzip"
)

type sevenZipReader struct {
	rc      *sevenzip.ReadCloser
	entries []Entry
	files   map[string]*sevenzip.File
	repair  bool
}

func openSevenZip(filePath string, repair bool) (Reader, error) {
	rc, err := sevenzip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("open 7z %q: %w", filePath, err)
	}

	r := &sevenZipReader{rc: rc, files: map[string]*sevenzip.File{}, repair: repair}
	for _, f := range rc.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := CanonicalName(f.Name)
		if name == "" {
			continue
		}
		r.entries = append(r.entries, Entry{
			Name:    name,
			RawName: f.Name,
			Size:    int64(f.UncompressedSize),
		})
		r.files[f.Name] = f
	}
	return r, nil
}

func (r *sevenZipReader) Entries() []Entry { return r.entries }

func (r *sevenZipReader) Open(name string) (io.ReadCloser, error) {
	entry, err := findEntry(r.entries, name, r.repair)
	if err != nil {
		return nil, err
	}
	f, ok := r.files[entry.RawName]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrEntryNotFound)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open 7z entry %q: %w", entry.Name, ErrCorruptEntry)
	}
	return rc, nil
}

func (r *sevenZipReader) Close() error { return r.rc.Close() }
