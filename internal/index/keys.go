package index

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/pictoria/pictoria/internal/models"
)

const (
	keyMeta        = "idx:meta"
	keyRebuildLock = "idx:rebuild_lock"
	entryKeyPrefix = "idx:entry:"

	metaFieldValid = "valid"
	metaFieldCount = "count"
)

// memberSeparator joins the folded name and the collection ID in name-sort
// members. NUL sorts before every printable byte, so "a" < "ab" holds.
const memberSeparator = "\x00"

func entryKey(id uuid.UUID) string {
	return entryKeyPrefix + id.String()
}

// Filter narrows listings to one library and/or collection kind.
type Filter struct {
	LibraryID *uuid.UUID
	Kind      *models.CollectionKind
}

// sortSetKey returns the sorted-set key for a (filter, sort, dir)
// combination.
func sortSetKey(f Filter, sort models.SortKey, dir models.SortDirection) string {
	switch {
	case f.LibraryID != nil:
		return fmt.Sprintf("idx:by_library:%s:%s:%s", f.LibraryID, sort, dir)
	case f.Kind != nil:
		return fmt.Sprintf("idx:by_kind:%s:%s:%s", *f.Kind, sort, dir)
	}
	return fmt.Sprintf("idx:sort:%s:%s", sort, dir)
}

// member returns the sorted-set member for an entry under a sort key.
// Numeric sorts use the bare ID; the name sort embeds the case-folded name
// so equal scores order lexicographically.
func member(e models.IndexEntry, sort models.SortKey) string {
	if sort == models.SortName {
		return strings.ToLower(e.Name) + memberSeparator + e.ID.String()
	}
	return e.ID.String()
}

// memberID extracts the collection ID from a sorted-set member.
func memberID(m string) (uuid.UUID, error) {
	if i := strings.LastIndex(m, memberSeparator); i >= 0 {
		m = m[i+1:]
	}
	return uuid.Parse(m)
}

// score returns the sorted-set score for an entry. Descending sets negate
// the base score; the name sort always scores zero and relies on member
// ordering.
func score(e models.IndexEntry, sort models.SortKey, dir models.SortDirection) float64 {
	var base float64
	switch sort {
	case models.SortUpdatedAt:
		base = float64(e.UpdatedAt.UnixMilli())
	case models.SortCreatedAt:
		base = float64(e.CreatedAt.UnixMilli())
	case models.SortImageCount:
		base = float64(e.ImageCount)
	case models.SortTotalBytes:
		base = float64(e.TotalBytes)
	case models.SortName:
		return 0
	}
	if dir == models.SortDesc {
		return -base
	}
	return base
}

// reversedRead reports whether reads on this (sort, dir) use the reverse
// range commands. Name members cannot be negated like numeric scores, so
// the descending name dimension is read back-to-front instead.
func reversedRead(sort models.SortKey, dir models.SortDirection) bool {
	return sort == models.SortName && dir == models.SortDesc
}
