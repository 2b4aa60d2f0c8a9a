package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ragsync/ragsync/internal/store"
)

// Clock abstracts time so scheduler tests can run without waiting.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the production clock.
var SystemClock Clock = realClock{}

// SchedulerConfig sets the cross-attempt retry policy:
// delay = Base * 2^retries, capped at Cap, at most MaxAttempts retries.
type SchedulerConfig struct {
	Base         time.Duration
	Cap          time.Duration
	MaxAttempts  int
	ScanInterval time.Duration
}

// Scheduler re-arms FAILED sync jobs after an exponential backoff. Doc
// ids with an armed timer are held in a live set, so a second failure
// report for the same doc is a no-op until its timer fires.
type Scheduler struct {
	cfg    SchedulerConfig
	meta   store.MetadataStore
	fsm    *FSM
	clock  Clock
	logger *slog.Logger

	// resume hands a RETRYING doc back to the worker pool.
	resume func(docID string)

	mu    sync.Mutex
	armed map[string]struct{}

	stop   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewScheduler creates a stopped scheduler; Start launches the boot scan
// loop.
func NewScheduler(cfg SchedulerConfig, meta store.MetadataStore, fsm *FSM, clock Clock, resume func(docID string), logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Minute
	}
	return &Scheduler{
		cfg:    cfg,
		meta:   meta,
		fsm:    fsm,
		clock:  clock,
		logger: logger,
		resume: resume,
		armed:  make(map[string]struct{}),
		stop:   make(chan struct{}),
	}
}

// Delay returns the backoff before retry number retries (0-based).
func (s *Scheduler) Delay(retries int) time.Duration {
	d := s.cfg.Base
	for i := 0; i < retries; i++ {
		d *= 2
		if d >= s.cfg.Cap {
			return s.cfg.Cap
		}
	}
	if d > s.cfg.Cap {
		d = s.cfg.Cap
	}
	return d
}

// NotifyFailure is called after a job transitions to FAILED. It either
// arms a retry timer or, once attempts are exhausted, fires
// RETRIES_EXCEEDED to move the job to DEAD.
func (s *Scheduler) NotifyFailure(ctx context.Context, job *store.SyncJob) error {
	if job.Status != store.SyncStateFailed {
		return nil
	}

	if job.Retries >= s.cfg.MaxAttempts {
		s.logger.Warn("retries exhausted",
			slog.String("doc_id", job.DocID),
			slog.Int("retries", job.Retries))
		return s.fsm.Fire(ctx, job, EventRetriesExceeded,
			fmt.Sprintf("gave up after %d retries", job.Retries))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if _, already := s.armed[job.DocID]; already {
		s.mu.Unlock()
		return nil
	}
	s.armed[job.DocID] = struct{}{}
	s.mu.Unlock()

	delay := s.Delay(job.Retries)
	s.logger.Info("retry armed",
		slog.String("doc_id", job.DocID),
		slog.Int("retries", job.Retries),
		slog.Duration("delay", delay))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.stop:
			s.disarm(job.DocID)
			return
		case <-s.clock.After(delay):
		}
		s.fire(job.DocID)
	}()
	return nil
}

// fire moves the job FAILED -> RETRYING, counts the retry, and hands the
// doc back to the worker pool.
func (s *Scheduler) fire(docID string) {
	defer s.disarm(docID)

	ctx := context.Background()
	job, err := s.meta.GetSyncJob(ctx, docID)
	if err != nil {
		s.logger.Error("retry fire: load job", slog.String("doc_id", docID), slog.String("error", err.Error()))
		return
	}
	if job.Status != store.SyncStateFailed {
		// Resolved some other way (resync, delete) while armed.
		return
	}

	job.Retries++
	now := s.clock.Now()
	job.LastAttemptAt = &now
	if err := s.fsm.Fire(ctx, job, EventRetry, fmt.Sprintf("retry %d", job.Retries)); err != nil {
		s.logger.Error("retry fire: transition", slog.String("doc_id", docID), slog.String("error", err.Error()))
		return
	}
	if s.resume != nil {
		s.resume(docID)
	}
}

func (s *Scheduler) disarm(docID string) {
	s.mu.Lock()
	delete(s.armed, docID)
	s.mu.Unlock()
}

// Start re-arms persisted FAILED jobs and launches the periodic scan
// that catches any job whose timer was lost to a restart. A re-armed
// timer may fire earlier than the original deadline but never later
// than deadline + one scan interval.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.scan(ctx); err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stop:
				return
			case <-s.clock.After(s.cfg.ScanInterval):
				if err := s.scan(context.Background()); err != nil {
					s.logger.Error("retry scan", slog.String("error", err.Error()))
				}
			}
		}
	}()
	return nil
}

// scan arms every FAILED job that has no live timer.
func (s *Scheduler) scan(ctx context.Context) error {
	jobs, err := s.meta.ListSyncJobsByStatus(ctx, store.SyncStateFailed)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := s.NotifyFailure(ctx, job); err != nil {
			s.logger.Error("arm failed job",
				slog.String("doc_id", job.DocID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// Stop cancels pending timers and waits for in-flight fires.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)
	s.wg.Wait()
}
