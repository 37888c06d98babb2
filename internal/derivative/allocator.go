package derivative

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/pictoria/pictoria/internal/models"
	"github.com/pictoria/pictoria/internal/repository"
)

var (
	// ErrNoCacheSpace is returned when no active cache folder can hold
	// the derivative. Retryable: eviction may free space.
	ErrNoCacheSpace = errors.New("no cache folder with free space")

	// ErrIOFailed is returned for disk write/rename failures. Retryable.
	ErrIOFailed = errors.New("derivative i/o failed")
)

// Allocator places derivative files into cache folders respecting
// per-folder byte quotas. Folder preference: highest priority first, then
// lowest fill ratio. The critical section per folder spans the capacity
// check, temp write, rename and byte-count increment.
type Allocator struct {
	folderRepo *repository.CacheFolderRepository

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewAllocator(folderRepo *repository.CacheFolderRepository) *Allocator {
	return &Allocator{
		folderRepo: folderRepo,
		locks:      map[uuid.UUID]*sync.Mutex{},
	}
}

func (a *Allocator) folderLock(id uuid.UUID) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[id]
	if !ok {
		l = &sync.Mutex{}
		a.locks[id] = l
	}
	return l
}

// SelectFolder returns the preferred folder able to hold size bytes, or
// nil. Pure selection logic, exported for the store path and tests.
func SelectFolder(folders []*models.CacheFolder, size int64) *models.CacheFolder {
	var best *models.CacheFolder
	for _, f := range folders {
		if !f.IsActive || f.CurrentBytes+size > f.MaxBytes {
			continue
		}
		if best == nil ||
			f.Priority > best.Priority ||
			(f.Priority == best.Priority && f.FillRatio() < best.FillRatio()) {
			best = f
		}
	}
	return best
}

// Store writes data to `<folder>/<collectionID>/<fileName>` in the best
// available cache folder, via a temp file and rename, and bumps the
// folder's usage counter. Returns the chosen folder and final path.
func (a *Allocator) Store(collectionID uuid.UUID, fileName string, data []byte) (*models.CacheFolder, string, error) {
	folders, err := a.folderRepo.ListActive()
	if err != nil {
		return nil, "", fmt.Errorf("list cache folders: %w", err)
	}

	size := int64(len(data))
	tried := map[uuid.UUID]bool{}
	for {
		remaining := make([]*models.CacheFolder, 0, len(folders))
		for _, f := range folders {
			if !tried[f.ID] {
				remaining = append(remaining, f)
			}
		}
		folder := SelectFolder(remaining, size)
		if folder == nil {
			return nil, "", fmt.Errorf("%d bytes for collection %s: %w", size, collectionID, ErrNoCacheSpace)
		}
		tried[folder.ID] = true

		path, err := a.storeIn(folder, collectionID, fileName, data)
		if err != nil {
			if errors.Is(err, ErrNoCacheSpace) {
				continue // lost the capacity race, try the next folder
			}
			return nil, "", err
		}
		return folder, path, nil
	}
}

func (a *Allocator) storeIn(folder *models.CacheFolder, collectionID uuid.UUID, fileName string, data []byte) (string, error) {
	lock := a.folderLock(folder.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: a concurrent store may have consumed the
	// space the caller saw.
	current, err := a.folderRepo.GetByID(folder.ID)
	if err != nil {
		return "", fmt.Errorf("refresh cache folder: %w", err)
	}
	size := int64(len(data))
	if !current.IsActive || current.CurrentBytes+size > current.MaxBytes {
		return "", ErrNoCacheSpace
	}

	dir := filepath.Join(current.RootPath, collectionID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: mkdir %q: %v", ErrIOFailed, dir, err)
	}

	finalPath := filepath.Join(dir, fileName)
	tmp, err := os.CreateTemp(dir, fileName+".tmp*")
	if err != nil {
		return "", fmt.Errorf("%w: temp file: %v", ErrIOFailed, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: write: %v", ErrIOFailed, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: close: %v", ErrIOFailed, err)
	}

	// Replacing an existing derivative must not double-count its bytes.
	var replaced int64
	if info, err := os.Stat(finalPath); err == nil {
		replaced = info.Size()
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: rename: %v", ErrIOFailed, err)
	}

	if err := a.folderRepo.AddBytes(current.ID, size-replaced); err != nil {
		return "", fmt.Errorf("update cache folder usage: %w", err)
	}
	return finalPath, nil
}

// Remove deletes a derivative file and returns the freed bytes to the
// folder counter.
func (a *Allocator) Remove(folderID uuid.UUID, path string) error {
	lock := a.folderLock(folderID)
	lock.Lock()
	defer lock.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: stat %q: %v", ErrIOFailed, path, err)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: remove %q: %v", ErrIOFailed, path, err)
	}
	return a.folderRepo.AddBytes(folderID, -info.Size())
}
