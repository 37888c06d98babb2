package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pictoria/pictoria/internal/models"
)

type CollectionRepository struct {
	db *sql.DB
}

func NewCollectionRepository(db *sql.DB) *CollectionRepository {
	return &CollectionRepository{db: db}
}

const collectionColumns = `id, library_id, name, path, kind, version, settings, stats,
	media_items, thumbnails, cache_images, cache_bindings, created_at, updated_at, deleted_at`

func scanCollection(row interface{ Scan(dest ...interface{}) error }) (*models.Collection, error) {
	c := &models.Collection{}
	var settings, stats, mediaItems, thumbnails, cacheImages, cacheBindings []byte
	err := row.Scan(
		&c.ID, &c.LibraryID, &c.Name, &c.Path, &c.Kind, &c.Version,
		&settings, &stats, &mediaItems, &thumbnails, &cacheImages, &cacheBindings,
		&c.CreatedAt, &c.UpdatedAt, &c.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		data []byte
		dst  interface{}
	}{
		{settings, &c.Settings},
		{stats, &c.Stats},
		{mediaItems, &c.MediaItems},
		{thumbnails, &c.Thumbnails},
		{cacheImages, &c.CacheImages},
		{cacheBindings, &c.CacheBindings},
	} {
		if err := json.Unmarshal(pair.data, pair.dst); err != nil {
			return nil, fmt.Errorf("decode collection document: %w", err)
		}
	}
	return c, nil
}

func marshalCollectionDoc(c *models.Collection) (settings, stats, mediaItems, thumbnails, cacheImages, cacheBindings []byte, err error) {
	if settings, err = json.Marshal(c.Settings); err != nil {
		return
	}
	if stats, err = json.Marshal(c.Stats); err != nil {
		return
	}
	if mediaItems, err = marshalSlice(c.MediaItems); err != nil {
		return
	}
	if thumbnails, err = marshalSlice(c.Thumbnails); err != nil {
		return
	}
	if cacheImages, err = marshalSlice(c.CacheImages); err != nil {
		return
	}
	cacheBindings, err = marshalSlice(c.CacheBindings)
	return
}

// marshalSlice encodes nil slices as [] so the JSONB columns never hold null.
func marshalSlice[T any](s []T) ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

func (r *CollectionRepository) Create(c *models.Collection) error {
	settings, stats, mediaItems, thumbnails, cacheImages, cacheBindings, err := marshalCollectionDoc(c)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO collections (id, library_id, name, path, kind, version,
			settings, stats, media_items, thumbnails, cache_images, cache_bindings)
		VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8, $9, $10, $11)
		RETURNING version, created_at, updated_at`
	err = r.db.QueryRow(query, c.ID, c.LibraryID, c.Name, c.Path, c.Kind,
		settings, stats, mediaItems, thumbnails, cacheImages, cacheBindings).
		Scan(&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return fmt.Errorf("collection path %q: %w", c.Path, ErrDuplicatePath)
	}
	return err
}

func (r *CollectionRepository) GetByID(id uuid.UUID) (*models.Collection, error) {
	query := `SELECT ` + collectionColumns + ` FROM collections WHERE id = $1`
	c, err := scanCollection(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("collection %s: %w", id, ErrNotFound)
	}
	return c, err
}

// GetByPath looks up a live collection by absolute path, across libraries.
// Used by the scan coordinator to detect a path already claimed elsewhere.
func (r *CollectionRepository) GetByPath(path string) (*models.Collection, error) {
	query := `SELECT ` + collectionColumns + ` FROM collections
		WHERE path = $1 AND deleted_at IS NULL`
	c, err := scanCollection(r.db.QueryRow(query, path))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("collection at %q: %w", path, ErrNotFound)
	}
	return c, err
}

// ListByLibrary returns all live collections in a library.
func (r *CollectionRepository) ListByLibrary(libraryID uuid.UUID) ([]*models.Collection, error) {
	query := `SELECT ` + collectionColumns + ` FROM collections
		WHERE library_id = $1 AND deleted_at IS NULL ORDER BY path`
	return r.list(query, libraryID)
}

// ListLive streams every live collection, ordered by id for stable batching.
func (r *CollectionRepository) ListLive(afterID uuid.UUID, limit int) ([]*models.Collection, error) {
	query := `SELECT ` + collectionColumns + ` FROM collections
		WHERE deleted_at IS NULL AND id > $1 ORDER BY id LIMIT $2`
	return r.list(query, afterID, limit)
}

// CountLive returns the number of live collections.
func (r *CollectionRepository) CountLive() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM collections WHERE deleted_at IS NULL`).Scan(&n)
	return n, err
}

func (r *CollectionRepository) list(query string, args ...interface{}) ([]*models.Collection, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	collections := []*models.Collection{}
	for rows.Next() {
		c, err := scanCollection(rows)
		if err != nil {
			return nil, err
		}
		collections = append(collections, c)
	}
	return collections, rows.Err()
}

// UpdateVersioned writes the full embedded document back, conditional on
// the version the caller read. On success c.Version and c.UpdatedAt are
// refreshed; if the row moved on, ErrVersionConflict is returned and the
// caller is expected to refetch and reapply.
func (r *CollectionRepository) UpdateVersioned(c *models.Collection) error {
	settings, stats, mediaItems, thumbnails, cacheImages, cacheBindings, err := marshalCollectionDoc(c)
	if err != nil {
		return err
	}
	query := `
		UPDATE collections
		SET name = $1, settings = $2, stats = $3, media_items = $4,
			thumbnails = $5, cache_images = $6, cache_bindings = $7,
			version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $8 AND version = $9
		RETURNING version, updated_at`
	err = r.db.QueryRow(query, c.Name, settings, stats, mediaItems,
		thumbnails, cacheImages, cacheBindings, c.ID, c.Version).
		Scan(&c.Version, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("collection %s at version %d: %w", c.ID, c.Version, ErrVersionConflict)
	}
	return err
}

// SoftDelete tombstones a collection whose root disappeared.
func (r *CollectionRepository) SoftDelete(id uuid.UUID) error {
	res, err := r.db.Exec(
		`UPDATE collections SET deleted_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("collection %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListSorted reads live collections ordered by a catalog attribute. This is
// the fallback path used when the ordered index is rebuilding.
func (r *CollectionRepository) ListSorted(sort models.SortKey, dir models.SortDirection,
	libraryID *uuid.UUID, kind *models.CollectionKind, offset, limit int) ([]*models.Collection, int, error) {

	var orderExpr string
	switch sort {
	case models.SortCreatedAt:
		orderExpr = "created_at"
	case models.SortName:
		orderExpr = "lower(name)"
	case models.SortImageCount:
		orderExpr = "COALESCE((stats->>'media_count')::int, 0)"
	case models.SortTotalBytes:
		orderExpr = "COALESCE((stats->>'total_bytes')::bigint, 0)"
	default:
		orderExpr = "updated_at"
	}
	direction := "ASC"
	if dir == models.SortDesc {
		direction = "DESC"
	}

	where := []string{"deleted_at IS NULL"}
	args := []interface{}{}
	if libraryID != nil {
		args = append(args, *libraryID)
		where = append(where, fmt.Sprintf("library_id = $%d", len(args)))
	}
	if kind != nil {
		args = append(args, *kind)
		where = append(where, fmt.Sprintf("kind = $%d", len(args)))
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM collections WHERE `+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM collections WHERE %s ORDER BY %s %s, id LIMIT $%d OFFSET $%d`,
		collectionColumns, whereClause, orderExpr, direction, len(args)-1, len(args))
	collections, err := r.list(query, args...)
	if err != nil {
		return nil, 0, err
	}
	return collections, total, nil
}
