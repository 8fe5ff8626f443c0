// Package dispatcher finds due deliveries, claims them and drives each one
// through its fulfillment adapter to a terminal state or a scheduled retry.
package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/capsulekeeper/internal/cryptox"
	"github.com/dmitrijs2005/capsulekeeper/internal/logging"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/audit"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/fulfillment"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/models"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/notify"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/capsulekeeper/internal/server/services"
	"github.com/dmitrijs2005/capsulekeeper/internal/timex"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Config struct {
	Interval        time.Duration
	BatchSize       int
	Workers         int
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ProviderTimeout time.Duration
	// StaleClaimAfter must comfortably exceed ProviderTimeout, or a slow
	// attempt could be released and sent twice.
	StaleClaimAfter time.Duration
	// RatePerSecond paces provider calls across all workers. Zero disables pacing.
	RatePerSecond float64
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Hour
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 15 * time.Second
	}
	if c.StaleClaimAfter <= 0 {
		c.StaleClaimAfter = 10 * time.Minute
	}
}

// TickResult counts what one tick did.
type TickResult struct {
	Released  int64 `json:"released"`
	Due       int   `json:"due"`
	Claimed   int   `json:"claimed"`
	Sent      int   `json:"sent"`
	Retried   int   `json:"retried"`
	Failed    int   `json:"failed"`
	LostRaces int   `json:"lost_races"`
	Errors    int   `json:"errors"`
}

func (r *TickResult) add(outcome string) {
	switch outcome {
	case OutcomeSent:
		r.Sent++
	case OutcomeRetried:
		r.Retried++
	case OutcomeFailed:
		r.Failed++
	case OutcomeLostRace:
		r.LostRaces++
		return
	case OutcomeError:
		r.Errors++
	}
	r.Claimed++
}

type Dispatcher struct {
	cfg       Config
	repos     repomanager.RepositoryManager
	ledger    *services.EntitlementLedger
	vault     *cryptox.Vault
	adapters  map[models.Channel]fulfillment.Adapter
	publisher notify.Publisher
	audit     *audit.Emitter
	metrics   *Metrics
	limiter   *rate.Limiter
	now       timex.Clock
	logger    logging.Logger
}

func New(cfg Config, repos repomanager.RepositoryManager, ledger *services.EntitlementLedger, vault *cryptox.Vault,
	adapters []fulfillment.Adapter, publisher notify.Publisher, emitter *audit.Emitter, metrics *Metrics,
	now timex.Clock, logger logging.Logger) *Dispatcher {
	cfg.applyDefaults()

	byChannel := make(map[models.Channel]fulfillment.Adapter, len(adapters))
	for _, a := range adapters {
		byChannel[a.Channel()] = a
	}
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Dispatcher{
		cfg:       cfg,
		repos:     repos,
		ledger:    ledger,
		vault:     vault,
		adapters:  byChannel,
		publisher: publisher,
		audit:     emitter,
		metrics:   metrics,
		limiter:   limiter,
		now:       now,
		logger:    logger.With("module", "dispatcher"),
	}
}

// Run ticks every Interval until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info(ctx, "dispatcher started", "interval", d.cfg.Interval.String(), "workers", d.cfg.Workers)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info(ctx, "dispatcher stopped")
			return
		case <-ticker.C:
			res, err := d.Tick(ctx)
			if err != nil {
				d.logger.Error(ctx, "dispatch tick failed", "error", err)
				continue
			}
			if res.Due > 0 || res.Released > 0 {
				d.logger.Info(ctx, "dispatch tick", "due", res.Due, "sent", res.Sent, "retried", res.Retried,
					"failed", res.Failed, "lost_races", res.LostRaces, "released", res.Released)
			}
		}
	}
}

// Tick releases stale claims, then processes one batch of due deliveries on
// a bounded worker pool.
func (d *Dispatcher) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	d.metrics.Ticks.Inc()

	now := d.now()
	repo := d.repos.Deliveries(d.repos.Conn())

	released, err := repo.ReleaseStale(ctx, now.Add(-d.cfg.StaleClaimAfter), now)
	if err != nil {
		return res, err
	}
	if released > 0 {
		d.metrics.StaleReleased.Add(float64(released))
		d.logger.Warn(ctx, "released stale claims", "count", released)
	}
	res.Released = released

	ids, err := repo.ListDue(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	res.Due = len(ids)
	d.metrics.Due.Set(float64(len(ids)))

	// Workers log their own errors and never fail the group.
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.cfg.Workers)
	for _, id := range ids {
		g.Go(func() error {
			outcome, err := d.Process(ctx, id)
			if err != nil {
				d.logger.Error(ctx, "delivery processing failed", "delivery_id", id, "error", err)
			}
			mu.Lock()
			res.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}
