package archive

import (
	"fmt"
	"io"

	"github.com/nwaples/rardecode"
)

// rarReader lists entries eagerly and re-opens the archive per entry read,
// since rar is a sequential format.
type rarReader struct {
	path    string
	entries []Entry
	repair  bool
}

func openRar(filePath string, repair bool) (Reader, error) {
	rc, err := rardecode.OpenReader(filePath, "")
	if err != nil {
		return nil, fmt.Errorf("open rar %q: %w", filePath, err)
	}
	defer rc.Close()

	r := &rarReader{path: filePath, repair: repair}
	for {
		hdr, err := rc.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scan rar %q: %w", filePath, ErrCorruptEntry)
		}
		if hdr.IsDir {
			continue
		}
		name := CanonicalName(hdr.Name)
		if name == "" {
			continue
		}
		r.entries = append(r.entries, Entry{
			Name:    name,
			RawName: hdr.Name,
			Size:    hdr.UnPackedSize,
		})
	}
	return r, nil
}

func (r *rarReader) Entries() []Entry { return r.entries }

func (r *rarReader) Open(name string) (io.ReadCloser, error) {
	entry, err := findEntry(r.entries, name, r.repair)
	if err != nil {
		return nil, err
	}

	rc, err := rardecode.OpenReader(r.path, "")
	if err != nil {
		return nil, fmt.Errorf("open rar %q: %w", r.path, err)
	}
	for {
		hdr, err := rc.Next()
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("seek rar entry %q: %w", entry.Name, ErrCorruptEntry)
		}
		if hdr.Name == entry.RawName {
			return rc, nil
		}
	}
}

func (r *rarReader) Close() error { return nil }
