// Package refresher implements the Proactive Refresher (spec.md §4.7),
// narrowing the teacher's internal/health.Monitor — which ran both a
// periodic liveness check and a periodic token refresh in two goroutines —
// down to the refresh half only. Liveness is this system's Failure
// Accountant's job instead (internal/accountant), driven by request
// outcomes rather than a synthetic health-check call, so there is no
// equivalent of the teacher's checkOAuthAccount/checkSessionKeyAccount/
// checkAPIKeyAccount probes here.
package refresher

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"opendum/internal/crypto"
	"opendum/internal/provider"
	"opendum/internal/store"
)

// Config mirrors the teacher's HealthConfig shape, narrowed to the fields
// a refresh-only pass needs.
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	RefreshBefore  time.Duration `mapstructure:"refresh_before"`
}

func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		CheckInterval: 24 * time.Hour,
		RefreshBefore: 2 * time.Hour,
	}
}

// Summary is the per-pass report spec.md §4.7 names.
type Summary struct {
	Total     int           `json:"total"`
	Refreshed int           `json:"refreshed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`
}

type Refresher struct {
	cfg      Config
	store    *store.Store
	envelope *crypto.Envelope
	coord    *provider.RefreshCoordinator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, st *store.Store, envelope *crypto.Envelope, coord *provider.RefreshCoordinator) *Refresher {
	return &Refresher{cfg: cfg, store: st, envelope: envelope, coord: coord}
}

// Start launches the background ticker. Like the teacher's monitor.Start,
// it's a no-op when disabled rather than an error, since a deployment with
// only generic-api-key accounts has nothing to refresh.
func (r *Refresher) Start(ctx context.Context) {
	if !r.cfg.Enabled {
		log.Info().Msg("proactive refresher disabled")
		return
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop()

	log.Info().
		Dur("check_interval", r.cfg.CheckInterval).
		Dur("refresh_before", r.cfg.RefreshBefore).
		Msg("proactive refresher started")
}

func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Refresher) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			summary := r.RunOnce(r.ctx)
			log.Info().
				Int("total", summary.Total).
				Int("refreshed", summary.Refreshed).
				Int("failed", summary.Failed).
				Int("skipped", summary.Skipped).
				Dur("duration", summary.Duration).
				Msg("proactive refresh pass completed")
		case <-r.ctx.Done():
			return
		}
	}
}

// RunOnce performs a single pass over every active OAuth-backed account,
// refreshing any whose access token expires within RefreshBefore. A
// failure on one account doesn't halt the pass — spec.md §4.7 requires
// the remaining accounts still be attempted.
func (r *Refresher) RunOnce(ctx context.Context) Summary {
	start := time.Now()
	summary := Summary{}

	accounts, err := r.store.ListOAuthProviderAccounts()
	if err != nil {
		log.Error().Err(err).Msg("failed to list accounts for refresh")
		summary.Duration = time.Since(start)
		return summary
	}
	summary.Total = len(accounts)

	for _, account := range accounts {
		if !account.NeedsRefresh(r.cfg.RefreshBefore) {
			summary.Skipped++
			continue
		}

		if err := r.refreshOne(ctx, account); err != nil {
			summary.Failed++
			log.Error().
				Str("account_id", account.ID).
				Str("provider", string(account.Provider)).
				Err(err).
				Msg("failed to refresh account credentials")
			continue
		}
		summary.Refreshed++
	}

	summary.Duration = time.Since(start)
	return summary
}

func (r *Refresher) refreshOne(ctx context.Context, account *store.ProviderAccount) error {
	return r.coord.Do(ctx, account.ID, func(ctx context.Context) error {
		// Re-read under the per-account lock: a concurrent refresh (e.g.
		// triggered by a request-path 401) may have already replaced the
		// token while this pass was scanning the account list.
		fresh, err := r.store.GetProviderAccount(account.ID)
		if err != nil {
			return err
		}
		if fresh == nil || !fresh.NeedsRefresh(r.cfg.RefreshBefore) {
			return nil
		}

		adapter, err := provider.ForProvider(fresh.Provider)
		if err != nil {
			return err
		}

		plaintext, err := r.envelope.Open(fresh.Credentials, string(fresh.Provider))
		if err != nil {
			return err
		}
		creds, err := store.ParseOAuthCredentials(plaintext)
		if err != nil {
			return err
		}

		accessToken, refreshToken, expiresIn, err := adapter.RefreshCredentials(ctx, fresh, creds.RefreshToken)
		if err != nil {
			return err
		}

		sealed, err := (store.OAuthCredentials{AccessToken: accessToken, RefreshToken: refreshToken}).Marshal()
		if err != nil {
			return err
		}
		sealedCiphertext, err := r.envelope.Seal(sealed, string(fresh.Provider))
		if err != nil {
			return err
		}

		expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second)
		fresh.Credentials = sealedCiphertext
		fresh.ExpiresAt = &expiresAt
		return r.store.UpdateProviderAccount(fresh)
	})
}
