package repository

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/pictoria/pictoria/internal/models"
)

type CacheFolderRepository struct {
	db *sql.DB
}

func NewCacheFolderRepository(db *sql.DB) *CacheFolderRepository {
	return &CacheFolderRepository{db: db}
}

const cacheFolderColumns = `id, name, root_path, max_bytes, current_bytes, priority, is_active, created_at, updated_at`

func scanCacheFolder(row interface{ Scan(dest ...interface{}) error }) (*models.CacheFolder, error) {
	f := &models.CacheFolder{}
	err := row.Scan(&f.ID, &f.Name, &f.RootPath, &f.MaxBytes, &f.CurrentBytes,
		&f.Priority, &f.IsActive, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

func (r *CacheFolderRepository) Create(f *models.CacheFolder) error {
	query := `
		INSERT INTO cache_folders (id, name, root_path, max_bytes, current_bytes, priority, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`
	return r.db.QueryRow(query, f.ID, f.Name, f.RootPath, f.MaxBytes,
		f.CurrentBytes, f.Priority, f.IsActive).
		Scan(&f.CreatedAt, &f.UpdatedAt)
}

func (r *CacheFolderRepository) GetByID(id uuid.UUID) (*models.CacheFolder, error) {
	query := `SELECT ` + cacheFolderColumns + ` FROM cache_folders WHERE id = $1`
	f, err := scanCacheFolder(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cache folder %s: %w", id, ErrNotFound)
	}
	return f, err
}

// ListActive returns active folders ordered by priority (highest first)
// so the allocator can walk them in preference order.
func (r *CacheFolderRepository) ListActive() ([]*models.CacheFolder, error) {
	query := `SELECT ` + cacheFolderColumns + ` FROM cache_folders
		WHERE is_active ORDER BY priority DESC, current_bytes::float / GREATEST(max_bytes, 1) ASC`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	folders := []*models.CacheFolder{}
	for rows.Next() {
		f, err := scanCacheFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// AddBytes adjusts current_bytes by delta (negative on eviction), clamped
// at zero.
func (r *CacheFolderRepository) AddBytes(id uuid.UUID, delta int64) error {
	_, err := r.db.Exec(
		`UPDATE cache_folders
		 SET current_bytes = GREATEST(current_bytes + $1, 0), updated_at = CURRENT_TIMESTAMP
		 WHERE id = $2`, delta, id)
	return err
}

// SetCurrentBytes overwrites the usage counter after a disk reconcile.
func (r *CacheFolderRepository) SetCurrentBytes(id uuid.UUID, bytes int64) error {
	_, err := r.db.Exec(
		`UPDATE cache_folders SET current_bytes = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		bytes, id)
	return err
}
