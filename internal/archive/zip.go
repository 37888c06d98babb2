package archive

import (
	"archive/zip"
	"fmt"
	"io"
)

type zipReader struct {
	rc      *zip.ReadCloser
	entries []Entry
	files   map[string]*zip.File // keyed by raw name
	repair  bool
}

func openZip(filePath string, repair bool) (Reader, error) {
	rc, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, fmt.Errorf("open zip %q: %w", filePath, err)
	}

	r := &zipReader{rc: rc, files: map[string]*zip.File{}, repair: repair}
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
			Size:    int64(f.UncompressedSize64),
		})
		r.files[f.Name] = f
	}
	return r, nil
}

func (r *zipReader) Entries() []Entry { return r.entries }

func (r *zipReader) Open(name string) (io.ReadCloser, error) {
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
		return nil, fmt.Errorf("open zip entry %q: %w", entry.Name, ErrCorruptEntry)
	}
	return rc, nil
}

func (r *zipReader) Close() error { return r.rc.Close() }
