// Package sweeper fails pending payments whose checkout session expired
// without the processor telling us.
package sweeper

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/tallybill/internal/clock"
	obsmetrics "github.com/smallbiznis/tallybill/internal/observability/metrics"
	"github.com/smallbiznis/tallybill/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const lockKey = "sweeper:stale-payments"

// Expirer is implemented by the payment reconciler.
type Expirer interface {
	ExpireStale(ctx context.Context, limit int) (int, error)
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Config  Config
	Clock   clock.Clock
	Expirer Expirer
	Locker  *ratelimit.Locker            `optional:"true"`
	Metrics *obsmetrics.ReconcileMetrics `optional:"true"`
}

type Sweeper struct {
	log     *zap.Logger
	cfg     Config
	clock   clock.Clock
	expirer Expirer
	locker  *ratelimit.Locker
	metrics *obsmetrics.ReconcileMetrics

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func New(p Params) *Sweeper {
	return &Sweeper{
		log:     p.Log.Named("sweeper"),
		cfg:     p.Config.withDefaults(),
		clock:   p.Clock,
		expirer: p.Expirer,
		locker:  p.Locker,
		metrics: p.Metrics,
	}
}

func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("stale payment sweeper disabled")
		return nil
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.tick); err != nil {
		s.log.Error("invalid sweeper schedule", zap.String("schedule", s.cfg.Schedule), zap.Error(err))
		return err
	}
	s.cron.Start()
	s.running = true

	s.log.Info("stale payment sweeper started",
		zap.String("schedule", s.cfg.Schedule),
		zap.Int("batch_size", s.cfg.BatchSize),
	)
	return nil
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.log.Info("stale payment sweeper stopped")
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.Warn("stale payment sweep failed", zap.Error(err))
	}
}

// RunOnce sweeps one batch under the cluster-wide lock. It returns the number
// of payments failed; zero when another replica holds the lock.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	started := s.clock.Now()
	expired := 0

	ran, err := s.locker.RunExclusive(ctx, lockKey, s.cfg.LockTTL, func(ctx context.Context) error {
		n, err := s.expirer.ExpireStale(ctx, s.cfg.BatchSize)
		expired = n
		return err
	})
	switch {
	case err != nil:
		s.metrics.Observe(obsmetrics.ReconcilerSweeper, obsmetrics.OutcomeFailed, started)
		return expired, err
	case !ran:
		s.log.Debug("sweep skipped; lock held elsewhere")
		return 0, nil
	case expired > 0:
		s.metrics.Observe(obsmetrics.ReconcilerSweeper, obsmetrics.OutcomeApplied, started)
	default:
		s.metrics.Observe(obsmetrics.ReconcilerSweeper, obsmetrics.OutcomeNoop, started)
	}
	return expired, nil
}
