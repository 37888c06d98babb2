package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
)

// tarReader lists entries eagerly and re-opens the archive per entry read,
// since tar is a sequential format.
type tarReader struct {
	path    string
	entries []Entry
	repair  bool
}

func openTar(filePath string, repair bool) (Reader, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open tar %q: %w", filePath, err)
	}
	defer f.Close()

	r := &tarReader{path: filePath, repair: repair}
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scan tar %q: %w", filePath, ErrCorruptEntry)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := CanonicalName(hdr.Name)
		if name == "" {
			continue
		}
		r.entries = append(r.entries, Entry{
			Name:    name,
			RawName: hdr.Name,
			Size:    hdr.Size,
		})
	}
	return r, nil
}

func (r *tarReader) Entries() []Entry { return r.entries }

type tarEntryReader struct {
	f  *os.File
	tr *tar.Reader
}

func (t *tarEntryReader) Read(p []byte) (int, error) { return t.tr.Read(p) }
func (t *tarEntryReader) Close() error               { return t.f.Close() }

func (r *tarReader) Open(name string) (io.ReadCloser, error) {
	entry, err := findEntry(r.entries, name, r.repair)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("open tar %q: %w", r.path, err)
	}
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("seek tar entry %q: %w", entry.Name, ErrCorruptEntry)
		}
		if hdr.Name == entry.RawName {
			return &tarEntryReader{f: f, tr: tr}, nil
		}
	}
}

func (r *tarReader) Close() error { return nil }
