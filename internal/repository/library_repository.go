package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pictoria/pictoria/internal/models"
)

type LibraryRepository struct {
	db *sql.DB
}

func NewLibraryRepository(db *sql.DB) *LibraryRepository {
	return &LibraryRepository{db: db}
}

const libraryColumns = `id, name, root_path, owner_id, is_active, settings, stats, created_at, updated_at`

func scanLibrary(row interface{ Scan(dest ...interface{}) error }) (*models.Library, error) {
	lib := &models.Library{}
	var settings, stats []byte
	err := row.Scan(
		&lib.ID, &lib.Name, &lib.RootPath, &lib.OwnerID, &lib.IsActive,
		&settings, &stats, &lib.CreatedAt, &lib.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settings, &lib.Settings); err != nil {
		return nil, fmt.Errorf("decode library settings: %w", err)
	}
	if err := json.Unmarshal(stats, &lib.Stats); err != nil {
		return nil, fmt.Errorf("decode library stats: %w", err)
	}
	return lib, nil
}

func (r *LibraryRepository) Create(lib *models.Library) error {
	settings, err := json.Marshal(lib.Settings)
	if err != nil {
		return err
	}
	stats, err := json.Marshal(lib.Stats)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO libraries (id, name, root_path, owner_id, is_active, settings, stats)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`
	return r.db.QueryRow(query, lib.ID, lib.Name, lib.RootPath, lib.OwnerID,
		lib.IsActive, settings, stats).
		Scan(&lib.CreatedAt, &lib.UpdatedAt)
}

func (r *LibraryRepository) GetByID(id uuid.UUID) (*models.Library, error) {
	query := `SELECT ` + libraryColumns + ` FROM libraries WHERE id = $1`
	lib, err := scanLibrary(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("library %s: %w", id, ErrNotFound)
	}
	return lib, err
}

func (r *LibraryRepository) List() ([]*models.Library, error) {
	query := `SELECT ` + libraryColumns + ` FROM libraries ORDER BY created_at DESC`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	libraries := []*models.Library{}
	for rows.Next() {
		lib, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		libraries = append(libraries, lib)
	}
	return libraries, rows.Err()
}

// ListActiveAutoScan returns active libraries with auto-scan enabled.
func (r *LibraryRepository) ListActiveAutoScan() ([]*models.Library, error) {
	query := `SELECT ` + libraryColumns + ` FROM libraries
		WHERE is_active AND (settings->>'auto_scan')::boolean`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	libraries := []*models.Library{}
	for rows.Next() {
		lib, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		libraries = append(libraries, lib)
	}
	return libraries, rows.Err()
}

// UpdateStats replaces the aggregated statistics blob.
func (r *LibraryRepository) UpdateStats(id uuid.UUID, stats models.LibraryStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(
		`UPDATE libraries SET stats = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		data, id)
	return err
}

// UpdateLastScan stamps stats.last_scan_at without touching the rest of
// the stats blob.
func (r *LibraryRepository) UpdateLastScan(id uuid.UUID, at time.Time) error {
	_, err := r.db.Exec(
		`UPDATE libraries
		 SET stats = jsonb_set(stats, '{last_scan_at}', to_jsonb($1::timestamptz)),
		     updated_at = CURRENT_TIMESTAMP
		 WHERE id = $2`,
		at, id)
	return err
}
