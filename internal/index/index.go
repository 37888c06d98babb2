// Package index maintains the ordered collection index: redis sorted sets
// keyed by every sort dimension, plus one encoded entry blob per
// collection. It is derived state, rebuildable from the catalog at any
// time; readers fall back to the catalog while a rebuild is in flight.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pictoria/pictoria/internal/models"
	"github.com/pictoria/pictoria/internal/repository"
)

// ErrNotIndexed is returned when a collection has no index entry.
var ErrNotIndexed = errors.New("collection not in index")

type Index struct {
	rdb         *redis.Client
	collections *repository.CollectionRepository

	// rebuildThresholdRatio is the max percent divergence between the
	// index count and the catalog count before a rebuild is triggered.
	rebuildThresholdRatio int
}

func New(rdb *redis.Client, collections *repository.CollectionRepository, rebuildThresholdRatio int) *Index {
	if rebuildThresholdRatio <= 0 {
		rebuildThresholdRatio = 10
	}
	return &Index{
		rdb:                   rdb,
		collections:           collections,
		rebuildThresholdRatio: rebuildThresholdRatio,
	}
}

// UpsertEntry writes the entry blob and refreshes its position in every
// sorted set in one atomic batch. A changed name leaves a stale name-sort
// member behind, so the previous entry is read first and its members
// removed in the same transaction. A nil preview keeps the stored one;
// previews are replaced only when the caller rendered a new one.
func (x *Index) UpsertEntry(ctx context.Context, e models.IndexEntry) error {
	prev, err := x.getEntry(ctx, e.ID)
	if err != nil && !errors.Is(err, ErrNotIndexed) {
		return err
	}
	if e.ThumbPreview == nil && prev != nil {
		e.ThumbPreview = prev.ThumbPreview
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode index entry: %w", err)
	}

	pipe := x.rdb.TxPipeline()
	if prev != nil {
		removeFromSets(pipe, *prev)
	}
	for _, sort := range allSorts() {
		for _, dir := range allDirs() {
			m := member(e, sort)
			s := score(e, sort, dir)
			pipe.ZAdd(ctx, sortSetKey(Filter{}, sort, dir), redis.Z{Score: s, Member: m})
			pipe.ZAdd(ctx, sortSetKey(Filter{LibraryID: &e.LibraryID}, sort, dir), redis.Z{Score: s, Member: m})
			pipe.ZAdd(ctx, sortSetKey(Filter{Kind: &e.Kind}, sort, dir), redis.Z{Score: s, Member: m})
		}
	}
	pipe.Set(ctx, entryKey(e.ID), data, 0)
	if prev == nil {
		pipe.HIncrBy(ctx, keyMeta, metaFieldCount, 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index upsert %s: %w", e.ID, err)
	}
	return nil
}

// RemoveEntry deletes the entry and all its sorted-set members atomically.
func (x *Index) RemoveEntry(ctx context.Context, id uuid.UUID) error {
	prev, err := x.getEntry(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotIndexed) {
			return nil
		}
		return err
	}

	pipe := x.rdb.TxPipeline()
	removeFromSets(pipe, *prev)
	pipe.Del(ctx, entryKey(id))
	pipe.HIncrBy(ctx, keyMeta, metaFieldCount, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index remove %s: %w", id, err)
	}
	return nil
}

func removeFromSets(pipe redis.Pipeliner, e models.IndexEntry) {
	ctx := context.Background()
	for _, sort := range allSorts() {
		for _, dir := range allDirs() {
			m := member(e, sort)
			pipe.ZRem(ctx, sortSetKey(Filter{}, sort, dir), m)
			pipe.ZRem(ctx, sortSetKey(Filter{LibraryID: &e.LibraryID}, sort, dir), m)
			pipe.ZRem(ctx, sortSetKey(Filter{Kind: &e.Kind}, sort, dir), m)
		}
	}
}

// ListPage returns one page of entries plus the filtered total: a single
// range query followed by a batched entry fetch.
func (x *Index) ListPage(ctx context.Context, sort models.SortKey, dir models.SortDirection,
	filter Filter, offset, pageSize int) ([]models.IndexEntry, int64, error) {

	if pageSize <= 0 {
		pageSize = 50
	}
	if offset < 0 {
		offset = 0
	}
	key := sortSetKey(filter, sort, dir)

	total, err := x.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("index count %s: %w", key, err)
	}

	start, stop := int64(offset), int64(offset+pageSize-1)
	var members []string
	if reversedRead(sort, dir) {
		members, err = x.rdb.ZRevRange(ctx, key, start, stop).Result()
	} else {
		members, err = x.rdb.ZRange(ctx, key, start, stop).Result()
	}
	if err != nil {
		return nil, 0, fmt.Errorf("index range %s: %w", key, err)
	}

	entries, err := x.fetchEntries(ctx, members)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// Position returns the zero-based rank of a collection in a sort
// dimension.
func (x *Index) Position(ctx context.Context, id uuid.UUID, sort models.SortKey,
	dir models.SortDirection, filter Filter) (int64, error) {

	e, err := x.getEntry(ctx, id)
	if err != nil {
		return 0, err
	}
	key := sortSetKey(filter, sort, dir)
	m := member(*e, sort)

	var rank int64
	if reversedRead(sort, dir) {
		rank, err = x.rdb.ZRevRank(ctx, key, m).Result()
	} else {
		rank, err = x.rdb.ZRank(ctx, key, m).Result()
	}
	if err == redis.Nil {
		return 0, fmt.Errorf("%s in %s: %w", id, key, ErrNotIndexed)
	}
	if err != nil {
		return 0, fmt.Errorf("index rank %s: %w", key, err)
	}
	return rank, nil
}

// Siblings returns up to 2*radius+1 entries around the focus collection,
// clamped to the set bounds and re-centered when the focus sits near an
// edge.
func (x *Index) Siblings(ctx context.Context, id uuid.UUID, radius int,
	sort models.SortKey, dir models.SortDirection, filter Filter) ([]models.IndexEntry, error) {

	if radius < 0 {
		radius = 0
	}
	rank, err := x.Position(ctx, id, sort, dir, filter)
	if err != nil {
		return nil, err
	}
	key := sortSetKey(filter, sort, dir)
	total, err := x.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("index count %s: %w", key, err)
	}

	start, stop := siblingWindow(rank, int64(radius), total)
	var members []string
	if reversedRead(sort, dir) {
		members, err = x.rdb.ZRevRange(ctx, key, start, stop).Result()
	} else {
		members, err = x.rdb.ZRange(ctx, key, start, stop).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("index range %s: %w", key, err)
	}
	return x.fetchEntries(ctx, members)
}

// siblingWindow clamps [rank-radius, rank+radius] to [0, total-1], sliding
// the window to keep its width when the focus is near an edge.
func siblingWindow(rank, radius, total int64) (start, stop int64) {
	if total == 0 {
		return 0, -1
	}
	width := 2*radius + 1
	if width > total {
		return 0, total - 1
	}
	start = rank - radius
	if start < 0 {
		start = 0
	}
	stop = start + width - 1
	if stop > total-1 {
		stop = total - 1
		start = stop - width + 1
	}
	return start, stop
}

// IsValid reports whether readers may trust the index. False while absent
// or rebuilding.
func (x *Index) IsValid(ctx context.Context) bool {
	v, err := x.rdb.HGet(ctx, keyMeta, metaFieldValid).Result()
	return err == nil && v == "1"
}

// Count returns the index's own entry count.
func (x *Index) Count(ctx context.Context) (int64, error) {
	v, err := x.rdb.HGet(ctx, keyMeta, metaFieldCount).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func (x *Index) getEntry(ctx context.Context, id uuid.UUID) (*models.IndexEntry, error) {
	data, err := x.rdb.Get(ctx, entryKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotIndexed)
	}
	if err != nil {
		return nil, fmt.Errorf("index get %s: %w", id, err)
	}
	var e models.IndexEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode index entry %s: %w", id, err)
	}
	return &e, nil
}

func (x *Index) fetchEntries(ctx context.Context, members []string) ([]models.IndexEntry, error) {
	if len(members) == 0 {
		return []models.IndexEntry{}, nil
	}
	keys := make([]string, 0, len(members))
	for _, m := range members {
		id, err := memberID(m)
		if err != nil {
			log.Printf("Index: skipping malformed member %q: %v", m, err)
			continue
		}
		keys = append(keys, entryKey(id))
	}

	values, err := x.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("index batch get: %w", err)
	}
	entries := make([]models.IndexEntry, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // entry deleted between range and fetch
		}
		var e models.IndexEntry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func allSorts() []models.SortKey {
	return []models.SortKey{models.SortUpdatedAt, models.SortCreatedAt,
		models.SortName, models.SortImageCount, models.SortTotalBytes}
}

func allDirs() []models.SortDirection {
	return []models.SortDirection{models.SortAsc, models.SortDesc}
}
