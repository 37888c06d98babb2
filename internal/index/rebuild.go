package index

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pictoria/pictoria/internal/models"
)

const (
	rebuildLockTTL   = 10 * time.Minute
	rebuildBatchSize = 500
)

// ErrRebuildInFlight is returned when another rebuild holds the lock.
var ErrRebuildInFlight = errors.New("index rebuild already running")

// Rebuild reconstructs every sorted set from the catalog. The redis lock
// keeps at most one rebuild in flight across processes; readers see
// IsValid() == false until the rebuild commits and fall back to the
// catalog meanwhile. Existing entry blobs survive so thumbnail previews
// are carried over without re-rendering.
func (x *Index) Rebuild(ctx context.Context) error {
	ok, err := x.rdb.SetNX(ctx, keyRebuildLock, "1", rebuildLockTTL).Result()
	if err != nil {
		return fmt.Errorf("acquire rebuild lock: %w", err)
	}
	if !ok {
		return ErrRebuildInFlight
	}
	defer x.rdb.Del(context.Background(), keyRebuildLock)

	started := time.Now()
	log.Println("Index: rebuild starting")

	if err := x.rdb.HSet(ctx, keyMeta, metaFieldValid, "0").Err(); err != nil {
		return fmt.Errorf("invalidate index: %w", err)
	}
	if err := x.dropSortedSets(ctx); err != nil {
		return err
	}

	seen := map[uuid.UUID]bool{}
	var count int64
	after := uuid.Nil
	for {
		batch, err := x.collections.ListLive(after, rebuildBatchSize)
		if err != nil {
			return fmt.Errorf("list collections: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		after = batch[len(batch)-1].ID

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for _, c := range batch {
			c := c
			seen[c.ID] = true
			g.Go(func() error {
				return x.UpsertEntry(gctx, models.EntryForCollection(c, nil))
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("rebuild batch: %w", err)
		}
		count += int64(len(batch))
	}

	if err := x.dropStaleEntries(ctx, seen); err != nil {
		return err
	}

	if err := x.rdb.HSet(ctx, keyMeta,
		metaFieldValid, "1",
		metaFieldCount, count,
	).Err(); err != nil {
		return fmt.Errorf("commit index meta: %w", err)
	}
	log.Printf("Index: rebuild done, %d collections in %s", count, time.Since(started).Round(time.Millisecond))
	return nil
}

// EnsureValid checks the index against the catalog and kicks off a
// background rebuild when the counts diverge past the threshold ratio or
// the index is marked invalid. Returns whether the index is currently
// usable.
func (x *Index) EnsureValid(ctx context.Context) bool {
	valid := x.IsValid(ctx)
	catalogCount, err := x.collections.CountLive()
	if err != nil {
		log.Printf("Index: catalog count failed: %v", err)
		return valid
	}
	indexCount, err := x.Count(ctx)
	if err != nil {
		log.Printf("Index: index count failed: %v", err)
		return valid
	}

	if valid && !diverged(indexCount, int64(catalogCount), x.rebuildThresholdRatio) {
		return true
	}

	go func() {
		if err := x.Rebuild(context.Background()); err != nil && !errors.Is(err, ErrRebuildInFlight) {
			log.Printf("Index: background rebuild failed: %v", err)
		}
	}()
	return valid
}

// diverged reports whether the counts differ by more than ratio percent
// of the catalog count.
func diverged(indexCount, catalogCount int64, ratio int) bool {
	diff := indexCount - catalogCount
	if diff < 0 {
		diff = -diff
	}
	if catalogCount == 0 {
		return indexCount != 0
	}
	return diff*100 > catalogCount*int64(ratio)
}

func (x *Index) dropSortedSets(ctx context.Context) error {
	for _, pattern := range []string{"idx:sort:*", "idx:by_library:*", "idx:by_kind:*"} {
		iter := x.rdb.Scan(ctx, 0, pattern, 1000).Iterator()
		for iter.Next(ctx) {
			if err := x.rdb.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("drop %s: %w", iter.Val(), err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
	}
	return nil
}

func (x *Index) dropStaleEntries(ctx context.Context, seen map[uuid.UUID]bool) error {
	iter := x.rdb.Scan(ctx, 0, entryKeyPrefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		id, err := uuid.Parse(key[len(entryKeyPrefix):])
		if err != nil || seen[id] {
			continue
		}
		if err := x.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("drop stale entry %s: %w", key, err)
		}
	}
	return iter.Err()
}
