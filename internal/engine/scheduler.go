package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SchedulerConfig tunes the deadline scan loop.
type SchedulerConfig struct {
	// ScanInterval bounds how long the scheduler sleeps when no deadline
	// is on the horizon; it also catches deadlines written by another
	// process that never signalled this one.
	ScanInterval time.Duration
	// UrgentThreshold is how far before a deadline the one-shot urgency
	// notification fires. Zero disables it.
	UrgentThreshold time.Duration
	// BatchSize bounds how many due sessions one scan dispatches.
	BatchSize int32
	// Workers is the number of concurrent deadline handlers.
	Workers int
}

// DefaultSchedulerConfig returns conservative scan settings.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		ScanInterval:    10 * time.Second,
		UrgentThreshold: 15 * time.Second,
		BatchSize:       50,
		Workers:         4,
	}
}

// Scheduler watches decision deadlines and hands due sessions to the
// engine. A session is dispatched to at most one worker at a time; the
// engine's own guards make a duplicate dispatch harmless anyway.
type Scheduler struct {
	engine *Engine
	cfg    SchedulerConfig

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}

	workCh chan uuid.UUID
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewScheduler(engine *Engine, cfg SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = def.ScanInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Scheduler{
		engine:   engine,
		cfg:      cfg,
		inFlight: make(map[uuid.UUID]struct{}),
		workCh:   make(chan uuid.UUID),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scan loop and the worker pool.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	s.wg.Add(1)
	go s.run(ctx)
	log.Info().
		Dur("scan_interval", s.cfg.ScanInterval).
		Int("workers", s.cfg.Workers).
		Msg("deadline scheduler started")
}

// Stop halts the scan loop and waits for in-flight handlers to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.workCh)

	clock := s.engine.clock
	for {
		s.scan(ctx)

		sleep := s.cfg.ScanInterval
		if next := s.nextWake(ctx); next > 0 && next < sleep {
			sleep = next
		}
		timer := clock.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		case <-s.engine.WakeCh():
			timer.Stop()
		case <-timer.Chan():
		}
	}
}

// nextWake returns how long until the next thing worth waking for: the
// earliest deadline, or its urgency point if that comes sooner.
func (s *Scheduler) nextWake(ctx context.Context) time.Duration {
	nd, err := s.engine.store.Sessions().FetchNextDeadline(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch next deadline")
		return 0
	}
	if nd == nil || nd.Deadline == nil {
		return 0
	}
	wake := *nd.Deadline
	if s.cfg.UrgentThreshold > 0 {
		if urgentAt := nd.Deadline.Add(-s.cfg.UrgentThreshold); urgentAt.Before(wake) {
			wake = urgentAt
		}
	}
	d := wake.Sub(s.engine.clock.Now())
	if d <= 0 {
		// Already due; sleep a tick so consecutive scans don't spin while
		// workers drain the batch.
		return 50 * time.Millisecond
	}
	return d
}

func (s *Scheduler) scan(ctx context.Context) {
	now := s.engine.clock.Now().UTC()

	due, err := s.engine.store.Sessions().FetchSessionsDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch due sessions")
	}
	for _, id := range due {
		if !s.claim(id) {
			continue
		}
		select {
		case s.workCh <- id:
		case <-ctx.Done():
			s.release(id)
			return
		case <-s.stopCh:
			s.release(id)
			return
		}
	}

	if s.cfg.UrgentThreshold > 0 {
		s.notifyUrgent(ctx, now)
	}
}

// notifyUrgent warns sessions whose deadline is inside the threshold.
// Dedup lives in the urgency guard column, so the query stops returning
// a session once its round has been notified.
func (s *Scheduler) notifyUrgent(ctx context.Context, now time.Time) {
	near, err := s.engine.store.Sessions().FetchSessionsNearDeadline(ctx, now, s.cfg.UrgentThreshold, s.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch near-deadline sessions")
		return
	}
	for _, sess := range near {
		if err := s.engine.NotifyUrgent(ctx, sess); err != nil {
			log.Error().Err(err).
				Str("session_id", sess.ID.String()).
				Msg("failed to send urgency notification")
		}
	}
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for id := range s.workCh {
		if err := s.engine.HandleDeadline(ctx, id); err != nil {
			log.Error().Err(err).
				Str("session_id", id.String()).
				Msg("deadline handling failed")
		}
		s.release(id)
	}
}

func (s *Scheduler) claim(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[id]; ok {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id uuid.UUID) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}
