package usagelog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"opendum/internal/store"
)

const DefaultAggregationInterval = 24 * time.Hour

// Aggregator ticks daily and rolls the previous day's usage_logs rows into
// usage_stats_daily, adapting the teacher's StatsAggregator around
// store.AggregateUsageForDate instead of re-issuing the rollup query
// inline (the teacher duplicated the same query across runAggregation/
// AggregateDate/AggregateRange; here all three call the one store method).
type Aggregator struct {
	store    *store.Store
	interval time.Duration
	ticker   *time.Ticker
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func NewAggregator(st *store.Store, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = DefaultAggregationInterval
	}
	return &Aggregator{store: st, interval: interval}
}

func (a *Aggregator) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return
	}

	a.ctx, a.cancel = context.WithCancel(ctx)
	a.ticker = time.NewTicker(a.interval)
	a.running = true

	go func() {
		if err := a.AggregateDate(time.Now().AddDate(0, 0, -1)); err != nil {
			log.Error().Err(err).Msg("initial usage stats aggregation failed")
		}
	}()

	a.wg.Add(1)
	go a.worker()

	log.Info().Dur("interval", a.interval).Msg("usage stats aggregator started")
}

func (a *Aggregator) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	a.cancel()
	a.ticker.Stop()
	a.wg.Wait()

	log.Info().Msg("usage stats aggregator stopped")
}

func (a *Aggregator) worker() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ticker.C:
			if err := a.AggregateDate(time.Now().AddDate(0, 0, -1)); err != nil {
				log.Error().Err(err).Msg("usage stats aggregation failed")
			}
		case <-a.ctx.Done():
			return
		}
	}
}

// AggregateDate rolls up one calendar date (manual trigger or scheduled).
func (a *Aggregator) AggregateDate(date time.Time) error {
	start := time.Now()
	rows, err := a.store.AggregateUsageForDate(date)
	if err != nil {
		return err
	}

	log.Info().
		Str("date", date.Format("2006-01-02")).
		Int64("rows_affected", rows).
		Dur("duration", time.Since(start)).
		Msg("usage stats aggregation completed")
	return nil
}

// AggregateRange backfills a span of dates.
func (a *Aggregator) AggregateRange(fromDate, toDate time.Time) error {
	current := fromDate
	for !current.After(toDate) {
		if err := a.AggregateDate(current); err != nil {
			log.Error().Err(err).Str("date", current.Format("2006-01-02")).Msg("failed to aggregate date")
		}
		current = current.AddDate(0, 0, 1)
	}
	return nil
}
