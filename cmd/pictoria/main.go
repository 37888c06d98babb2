package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pictoria/pictoria/internal/archive"
	"github.com/pictoria/pictoria/internal/config"
	"github.com/pictoria/pictoria/internal/control"
	"github.com/pictoria/pictoria/internal/db"
	"github.com/pictoria/pictoria/internal/derivative"
	"github.com/pictoria/pictoria/internal/ffmpeg"
	"github.com/pictoria/pictoria/internal/index"
	"github.com/pictoria/pictoria/internal/jobs"
	"github.com/pictoria/pictoria/internal/repository"
	"github.com/pictoria/pictoria/internal/scheduler"
	"github.com/pictoria/pictoria/internal/version"
	"github.com/pictoria/pictoria/internal/watcher"
)

func main() {
	ver := version.Resolve()
	log.Printf("Pictoria %s starting...", ver.Version)

	cfg := config.Load()

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	cfg.MergeFromDB(database)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	libraries := repository.NewLibraryRepository(database)
	collections := repository.NewCollectionRepository(database)
	jobsRepo := repository.NewJobRepository(database)
	folders := repository.NewCacheFolderRepository(database)
	schedules := repository.NewScheduledJobRepository(database)
	settings := repository.NewSettingsRepository(database)

	idx := index.New(rdb, collections, cfg.Pipeline.RebuildThresholdRatio)
	pool := archive.NewPool(4, cfg.Pipeline.ArchivePathRepair)
	defer pool.Close()
	allocator := derivative.NewAllocator(folders)
	extractor := ffmpeg.NewFrameExtractor(cfg.FFmpegPath)
	engine := derivative.NewEngine(pool, extractor, allocator)

	queue := jobs.NewQueue(cfg.RedisAddr, cfg.WorkerConcurrency, cfg.Pipeline)
	jobs.RegisterHandlers(queue, jobs.Deps{
		Config:      cfg,
		Libraries:   libraries,
		Collections: collections,
		Jobs:        jobsRepo,
		Folders:     folders,
		Queue:       queue,
		Index:       idx,
		Engine:      engine,
		Allocator:   allocator,
		Pool:        pool,
		Prober:      ffmpeg.NewFFprobe(cfg.FFprobePath),
	})

	svc := control.NewService(libraries, collections, jobsRepo, folders, schedules, settings, queue, idx)

	if err := queue.Start(context.Background()); err != nil {
		log.Fatalf("queue start failed: %v", err)
	}
	defer queue.Stop()

	sched := scheduler.New(schedules, jobsRepo, queue, rdb, cfg.Pipeline.SchedulerCoalesce)
	sched.Start()
	defer sched.Stop()

	fsWatcher, err := watcher.New(libraries, func(libraryID uuid.UUID, candidatePath string) {
		onFileChange(svc, collections, pool, libraryID, candidatePath)
	})
	if err != nil {
		log.Printf("watcher unavailable: %v", err)
	} else {
		fsWatcher.Start()
		defer fsWatcher.Stop()
	}

	// Catch up with whatever changed while the index was cold.
	idx.EnsureValid(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")
}

// onFileChange routes a filesystem event to the narrowest rescan: the
// touched collection when it is known, otherwise a full library scan to
// pick up new or removed candidates.
func onFileChange(svc *control.Service, collections *repository.CollectionRepository,
	pool *archive.Pool, libraryID uuid.UUID, candidatePath string) {

	if candidatePath == "" {
		if _, err := svc.StartLibraryScan(libraryID, false); err != nil {
			log.Printf("watch: library scan %s: %v", libraryID, err)
		}
		return
	}

	col, err := collections.GetByPath(candidatePath)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			if _, err := svc.StartLibraryScan(libraryID, false); err != nil {
				log.Printf("watch: library scan %s: %v", libraryID, err)
			}
			return
		}
		log.Printf("watch: lookup %q: %v", candidatePath, err)
		return
	}

	// A rewritten archive invalidates any pooled readers on the old bytes.
	if col.Kind.IsArchive() {
		pool.Invalidate(col.Path)
	}
	if _, err := svc.StartCollectionScan(col.ID, false, nil); err != nil {
		log.Printf("watch: collection scan %q: %v", col.Name, err)
	}
}
