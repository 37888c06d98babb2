// Package archive provides random-access enumeration and per-entry byte
// retrieval for zip, 7z, rar and tar archives. Zip and 7z support true
// random access; rar and tar are sequential formats, so opening an entry
// re-scans the stream up to it.
package archive

import (
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/pictoria/pictoria/internal/models"
)

var (
	// ErrEntryNotFound is returned when no archive entry matches the name,
	// even after path repair.
	ErrEntryNotFound = errors.New("archive entry not found")

	// ErrAmbiguousEntry is returned when path repair finds more than one
	// plausible match for a truncated entry name.
	ErrAmbiguousEntry = errors.New("ambiguous archive entry name")

	// ErrCorruptEntry is returned when an entry's bytes cannot be read.
	ErrCorruptEntry = errors.New("corrupt archive entry")
)

// Entry is one file inside an archive. Name is the canonicalized path;
// RawName is what the archive actually stores and what Open expects.
type Entry struct {
	Name    string
	RawName string
	Size    int64
}

// Reader enumerates and opens archive entries. Implementations are not
// safe for concurrent use; callers share them through a Pool.
type Reader interface {
	// Entries returns the canonicalized media-relevant entries in
	// archive-native order.
	Entries() []Entry

	// Open returns the bytes of one entry by canonical or raw name.
	Open(name string) (io.ReadCloser, error)

	// Close releases the underlying file handle.
	Close() error
}

// Open opens an archive with the reader for its kind. When repair is true,
// Open-by-name falls back to unique prefix/suffix matching for entry names
// that match nothing exactly.
func Open(filePath string, kind models.CollectionKind, repair bool) (Reader, error) {
	switch kind {
	case models.KindZip:
		return openZip(filePath, repair)
	case models.KindSevenZip:
		return openSevenZip(filePath, repair)
	case models.KindRar:
		return openRar(filePath, repair)
	case models.KindTar:
		return openTar(filePath, repair)
	}
	return nil, fmt.Errorf("no archive reader for kind %q", kind)
}

// CanonicalName normalizes an archive entry path: forward slashes only,
// no leading slash, `..` collapsed. Returns "" for entries that should be
// skipped entirely (directories, macOS resource forks, hidden files).
func CanonicalName(raw string) string {
	name := strings.ReplaceAll(raw, "\\", "/")
	name = strings.TrimPrefix(name, "/")
	name = path.Clean(name)
	if name == "." || name == ".." || strings.HasPrefix(name, "../") {
		return ""
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "__MACOSX" || strings.HasPrefix(seg, ".") {
			return ""
		}
	}
	return name
}

// findEntry resolves a requested name against the entry list: exact match
// on canonical or raw name first, then (when repair is on) a unique
// prefix/suffix match against the real entries. Messages written by older
// builds carried truncated entry names; repair keeps those replayable.
func findEntry(entries []Entry, name string, repair bool) (Entry, error) {
	canonical := CanonicalName(name)
	for _, e := range entries {
		if e.Name == canonical || e.RawName == name {
			return e, nil
		}
	}
	if !repair || canonical == "" {
		return Entry{}, fmt.Errorf("%q: %w", name, ErrEntryNotFound)
	}

	var match Entry
	matches := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name, canonical) || strings.HasSuffix(e.Name, canonical) {
			match = e
			matches++
		}
	}
	switch matches {
	case 0:
		return Entry{}, fmt.Errorf("%q: %w", name, ErrEntryNotFound)
	case 1:
		return match, nil
	}
	return Entry{}, fmt.Errorf("%q matches %d entries: %w", name, matches, ErrAmbiguousEntry)
}
