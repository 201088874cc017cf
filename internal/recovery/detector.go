package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/covenlabs/conclave/internal/engine"
	"github.com/covenlabs/conclave/internal/inference"
	"github.com/covenlabs/conclave/internal/models"
)

// DetectorConfig tunes the anomaly sweep.
type DetectorConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// PendingTimeout is the hard ceiling on an inference attempt: an
	// attempt still pending after this long is stalled no matter what the
	// provider client's own timeout was.
	PendingTimeout time.Duration
	// BatchSize bounds each query in one sweep.
	BatchSize int32
}

// DefaultDetectorConfig returns the standard sweep settings.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Interval:       10 * time.Second,
		PendingTimeout: 3 * time.Minute,
		BatchSize:      50,
	}
}

// Detector periodically sweeps for stalled inference attempts, failed
// attempts whose anomaly was missed (a crash between the provider failure
// and its commit), and sessions violating structural invariants. Every
// hit is routed through the engine, which owns the idempotent open.
type Detector struct {
	engine  *engine.Engine
	results *inference.Repository
	repo    *Repository
	clock   clockwork.Clock
	cfg     DetectorConfig

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewDetector(eng *engine.Engine, results *inference.Repository, repo *Repository, clock clockwork.Clock, cfg DetectorConfig) *Detector {
	def := DefaultDetectorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = def.PendingTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Detector{
		engine:  eng,
		results: results,
		repo:    repo,
		clock:   clock,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (d *Detector) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.run(ctx)
	log.Info().Dur("interval", d.cfg.Interval).Msg("anomaly detector started")
}

// Stop halts the sweep loop.
func (d *Detector) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Detector) run(ctx context.Context) {
	defer d.wg.Done()
	ticker := d.clock.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.Chan():
			d.Sweep(ctx)
		}
	}
}

// Sweep runs one detection pass.
func (d *Detector) Sweep(ctx context.Context) {
	d.sweepStalled(ctx)
	d.sweepFailed(ctx)
	d.sweepInconsistent(ctx)
}

func (d *Detector) sweepStalled(ctx context.Context) {
	cutoff := d.clock.Now().UTC().Add(-d.cfg.PendingTimeout)
	stalled, err := d.results.ListPendingBefore(ctx, cutoff, d.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to list stalled inference attempts")
		return
	}
	for _, res := range stalled {
		age := d.clock.Now().UTC().Sub(res.RequestedAt)
		d.raiseIfInferring(ctx, res, models.AnomalyAITimeout,
			fmt.Sprintf("inference attempt pending for %s", age.Round(time.Second)))
	}
}

func (d *Detector) sweepFailed(ctx context.Context) {
	failed, err := d.results.ListFailed(ctx, d.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to list failed inference attempts")
		return
	}
	for _, res := range failed {
		kind := models.AnomalyAIError
		detail := "inference attempt failed"
		if res.ErrorInfo != nil {
			detail = res.ErrorInfo.Message
			if res.ErrorInfo.Kind == models.InferenceErrorTimeout {
				kind = models.AnomalyAITimeout
			}
		}
		d.raiseIfInferring(ctx, res, kind, detail)
	}
}

// raiseIfInferring opens an anomaly only when the session is still stuck
// on the attempt's round; a session that already moved on repaired itself.
func (d *Detector) raiseIfInferring(ctx context.Context, res *models.InferenceResult, kind models.AnomalyKind, detail string) {
	sess, err := d.engine.GetSession(ctx, res.SessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", res.SessionID.String()).Msg("failed to load session for anomaly check")
		return
	}
	if sess.CurrentRound != res.Round || sess.RoundStatus != models.RoundStatusInference {
		return
	}
	if err := d.engine.RaiseAnomaly(ctx, res.SessionID, kind, detail); err != nil {
		log.Error().Err(err).
			Str("session_id", res.SessionID.String()).
			Str("kind", string(kind)).
			Msg("failed to raise anomaly")
	}
}

func (d *Detector) sweepInconsistent(ctx context.Context) {
	hits, err := d.repo.FetchInconsistentSessions(ctx, d.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch inconsistent sessions")
		return
	}
	for _, hit := range hits {
		if err := d.engine.RaiseAnomaly(ctx, hit.SessionID, models.AnomalyDataInconsistency, hit.Detail); err != nil {
			log.Error().Err(err).
				Str("session_id", hit.SessionID.String()).
				Msg("failed to raise data inconsistency anomaly")
		}
	}
}
