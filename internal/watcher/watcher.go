// Package watcher monitors library roots for filesystem changes and
// reports which top-level collection candidate was touched, so only that
// collection gets rescanned.
package watcher

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/pictoria/pictoria/internal/models"
	"github.com/pictoria/pictoria/internal/repository"
)

// debounceWindow absorbs the event bursts that copies and extractions
// produce before a rescan fires.
const debounceWindow = 2 * time.Second

// OnChange is called with the library and the absolute path of the
// top-level candidate (directory or archive) that changed. An empty
// candidate means the root itself changed and a full library scan is due.
type OnChange func(libraryID uuid.UUID, candidatePath string)

type Watcher struct {
	libRepo  *repository.LibraryRepository
	callback OnChange
	watcher  *fsnotify.Watcher

	mu       sync.Mutex
	roots    map[string]uuid.UUID // library root → library ID
	watched  map[string]uuid.UUID // watched dir → library ID
	debounce map[string]*time.Timer
	stop     chan struct{}
}

func New(libRepo *repository.LibraryRepository, cb OnChange) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		libRepo:  libRepo,
		callback: cb,
		watcher:  fw,
		roots:    map[string]uuid.UUID{},
		watched:  map[string]uuid.UUID{},
		debounce: map[string]*time.Timer{},
		stop:     make(chan struct{}),
	}, nil
}

func (w *Watcher) Start() {
	go w.eventLoop()
	w.Refresh()
	log.Println("Watcher: filesystem watcher started")
}

func (w *Watcher) Stop() {
	close(w.stop)
	w.watcher.Close()
}

// Refresh reloads the watched roots from the active auto-scan libraries.
func (w *Watcher) Refresh() {
	libs, err := w.libRepo.ListActiveAutoScan()
	if err != nil {
		log.Printf("Watcher: load libraries: %v", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	desired := map[string]uuid.UUID{}
	for _, lib := range libs {
		desired[lib.RootPath] = lib.ID
	}

	for p := range w.watched {
		if _, ok := desired[rootOf(p, desired)]; !ok {
			w.watcher.Remove(p)
			delete(w.watched, p)
		}
	}

	w.roots = desired
	for root, libID := range desired {
		if err := w.addRecursive(root, libID); err != nil {
			log.Printf("Watcher: add %s: %v", root, err)
		}
	}
	log.Printf("Watcher: watching %d dirs across %d libraries", len(w.watched), len(libs))
}

func rootOf(path string, roots map[string]uuid.UUID) string {
	for root := range roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return root
		}
	}
	return path
}

func (w *Watcher) addRecursive(root string, libID uuid.UUID) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip inaccessible dirs
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			if _, ok := w.watched[path]; !ok {
				if err := w.watcher.Add(path); err == nil {
					w.watched[path] = libID
				}
			}
		}
		return nil
	})
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Watcher: %v", err)
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") ||
		strings.HasSuffix(base, ".part") {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) &&
		!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Write) {
		return
	}

	libID, root := w.resolve(event.Name)
	if libID == uuid.Nil {
		return
	}

	// New directories join the watch set so deeper changes are seen.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.mu.Lock()
			if err := w.watcher.Add(event.Name); err == nil {
				w.watched[event.Name] = libID
			}
			w.mu.Unlock()
		}
	}

	candidate := candidateFor(root, event.Name)
	w.fireDebounced(libID, candidate)
}

// candidateFor maps an event path to the top-level entry under the
// library root that contains it. Events directly on the root map to "".
func candidateFor(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	first := filepath.Join(root, parts[0])
	if len(parts) == 1 {
		// A top-level file only matters when it is an archive; anything
		// else means the set of candidates may have changed.
		if _, isArchive := models.KindForPath(first); !isArchive {
			if info, err := os.Stat(first); err != nil || !info.IsDir() {
				return ""
			}
		}
	}
	return first
}

func (w *Watcher) fireDebounced(libID uuid.UUID, candidate string) {
	key := libID.String() + "|" + candidate
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.debounce[key]; ok {
		timer.Stop()
	}
	w.debounce[key] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.debounce, key)
		w.mu.Unlock()
		w.callback(libID, candidate)
	})
}

func (w *Watcher) resolve(path string) (uuid.UUID, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for root, libID := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return libID, root
		}
	}
	return uuid.Nil, ""
}
