// Package scheduler fires scheduled jobs into the pipeline. It polls the
// schedule table, holds a short redis lease per firing so replicated
// processes never double-fire, and coalesces onto equivalent jobs already
// in flight.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/pictoria/pictoria/internal/jobs"
	"github.com/pictoria/pictoria/internal/models"
	"github.com/pictoria/pictoria/internal/repository"
)

const (
	pollInterval = 30 * time.Second
	leaseTTL     = 30 * time.Second
)

// leaseRenewEvery is a var so tests can shrink the renewal period.
var leaseRenewEvery = leaseTTL / 3

// leaseStore is the slice of the redis client the lease logic needs.
type leaseStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// coalesceParam maps a job kind to the param key that identifies its
// logical target, used to find an equivalent job already in flight.
func coalesceParam(kind models.JobKind) string {
	switch kind {
	case models.JobLibraryScan:
		return "library_id"
	case models.JobCollectionScan:
		return "collection_id"
	case models.JobBulkOperation:
		return "operation"
	}
	return ""
}

type Scheduler struct {
	schedules *repository.ScheduledJobRepository
	jobsRepo  *repository.JobRepository
	queue     *jobs.Queue
	leases    leaseStore

	coalesce bool
	stop     chan struct{}
	done     chan struct{}
}

func New(schedules *repository.ScheduledJobRepository, jobsRepo *repository.JobRepository,
	queue *jobs.Queue, rdb *redis.Client, coalesce bool) *Scheduler {
	return &Scheduler{
		schedules: schedules,
		jobsRepo:  jobsRepo,
		queue:     queue,
		leases:    rdb,
		coalesce:  coalesce,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start recomputes next_run_at for every enabled schedule (firings missed
// while the process was down are skipped, not replayed) and begins the
// poll loop.
func (s *Scheduler) Start() {
	s.recomputeAll(time.Now())
	go s.run()
	log.Printf("Scheduler: started, polling every %s", pollInterval)
}

func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
	log.Println("Scheduler: stopped")
}

func (s *Scheduler) run() {
	defer close(s.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.check(time.Now())
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) recomputeAll(now time.Time) {
	enabled, err := s.schedules.ListEnabled()
	if err != nil {
		log.Printf("Scheduler: list enabled: %v", err)
		return
	}
	for _, sched := range enabled {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		next, err := NextRun(sched, now)
		if err != nil {
			log.Printf("Scheduler: schedule %q: %v", sched.Name, err)
			continue
		}
		if err := s.schedules.SetNextRun(sched.ID, next); err != nil {
			log.Printf("Scheduler: set next run for %q: %v", sched.Name, err)
		}
	}
}

func (s *Scheduler) check(now time.Time) {
	due, err := s.schedules.ListDue(now)
	if err != nil {
		log.Printf("Scheduler: list due: %v", err)
		return
	}
	for _, sched := range due {
		sched := sched
		if _, err := s.withLease(sched.ID, func(ctx context.Context) error {
			return s.fire(ctx, sched, now)
		}); err != nil {
			log.Printf("Scheduler: fire %q: %v", sched.Name, err)
		}
	}
}

// withLease runs fn while holding the per-schedule redis lease, renewing
// it until fn returns and releasing it afterwards. Losing the SetNX race
// means another process is firing this schedule; losing a renewal cancels
// fn's context so it aborts before committing anything.
func (s *Scheduler) withLease(id uuid.UUID, fn func(ctx context.Context) error) (bool, error) {
	key := "scheduler:lease:" + id.String()
	ok, err := s.leases.SetNX(context.Background(), key, "1", leaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("lease %s: %w", id, err)
	}
	if !ok {
		return false, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan struct{})
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		ticker := time.NewTicker(leaseRenewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				kept, err := s.leases.Expire(context.Background(), key, leaseTTL).Result()
				if err == nil && !kept {
					cancel()
					return
				}
			}
		}
	}()

	err = fn(ctx)
	close(stop)
	<-renewed
	s.leases.Del(context.Background(), key)
	return true, err
}

// fire makes one firing decision: coalesce onto an equivalent in-flight
// job, or create and enqueue a fresh one. Either way the schedule advances
// and an audit row is written. ctx is the lease context; firing aborts
// when the lease is lost.
func (s *Scheduler) fire(ctx context.Context, sched *models.ScheduledJob, now time.Time) error {
	next, err := NextRun(sched, now)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("lease lost before firing %q: %w", sched.Name, err)
	}

	if s.coalesce {
		if key := coalesceParam(sched.TargetKind); key != "" {
			if existing, err := s.jobsRepo.FindNonTerminal(sched.TargetKind, key, sched.Params[key]); err == nil {
				log.Printf("Scheduler: %q coalesced onto job %s", sched.Name, existing.ID)
				return s.schedules.RecordFiring(sched.ID, now, next, &existing.ID, true)
			}
		}
	}

	job := &models.Job{
		ID:            uuid.New(),
		Kind:          sched.TargetKind,
		CorrelationID: uuid.New(),
		Status:        models.JobPending,
		Params:        sched.Params,
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("lease lost before firing %q: %w", sched.Name, err)
	}
	if err := s.jobsRepo.Create(job); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if _, err := jobs.EnqueueJob(s.queue, job); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	log.Printf("Scheduler: %q fired job %s (%s)", sched.Name, job.ID, job.Kind)
	if sched.ScheduleType == models.ScheduleOnce {
		// A once schedule disarms after its single firing.
		if err := s.schedules.RecordFiring(sched.ID, now, nil, &job.ID, false); err != nil {
			return err
		}
		return s.schedules.SetEnabled(sched.ID, false)
	}
	return s.schedules.RecordFiring(sched.ID, now, next, &job.ID, false)
}

// NextRun computes the next firing time after now, or nil for schedule
// types that do not recur.
func NextRun(sched *models.ScheduledJob, now time.Time) (*time.Time, error) {
	switch sched.ScheduleType {
	case models.ScheduleCron:
		if sched.CronSpec == nil {
			return nil, fmt.Errorf("cron schedule without spec")
		}
		spec, err := cron.ParseStandard(*sched.CronSpec)
		if err != nil {
			return nil, fmt.Errorf("parse cron %q: %w", *sched.CronSpec, err)
		}
		next := spec.Next(now)
		return &next, nil
	case models.ScheduleInterval:
		if sched.IntervalSeconds == nil || *sched.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("interval schedule without interval")
		}
		next := now.Add(time.Duration(*sched.IntervalSeconds) * time.Second)
		return &next, nil
	case models.ScheduleOnce:
		// Fires at its preset next_run_at, then disarms.
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			return sched.NextRunAt, nil
		}
		return nil, nil
	case models.ScheduleManual:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown schedule type %q", sched.ScheduleType)
}
