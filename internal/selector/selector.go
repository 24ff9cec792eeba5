// Package selector implements spec.md §4.5's getNextAvailableAccount,
// narrowing the teacher's internal/scheduler.Scheduler (least-loaded /
// round-robin / random strategy with sticky-session binding) down to the
// one rule this system actually needs: round-robin by lastUsedAt
// ascending, filtered by ownership, active flag, provider support, the
// tried-set, and the rate-limit ledger. Sticky-session binding has no
// equivalent here (see DESIGN.md); every call re-derives the ordering
// from the store instead of caching a scheduler-local index.
package selector

import (
	"context"
	"errors"

	"opendum/internal/ratelimitledger"
	"opendum/internal/store"
)

var ErrNoAccountAvailable = errors.New("selector: no available account")

type Selector struct {
	store  *store.Store
	ledger ratelimitledger.Ledger
}

func NewSelector(s *store.Store, ledger ratelimitledger.Ledger) *Selector {
	return &Selector{store: s, ledger: ledger}
}

// GetNextAvailableAccount implements spec.md §4.5's six-condition filter.
// providerHint, when non-empty, restricts candidates to that provider;
// otherwise any provider that supports model is considered.
func (s *Selector) GetNextAvailableAccount(ctx context.Context, userID, model string, providerHint store.Provider, triedIDs []string) (*store.ProviderAccount, error) {
	candidates, err := s.store.ListActiveProviderAccountsForUser(userID, providerHint)
	if err != nil {
		return nil, err
	}

	tried := make(map[string]bool, len(triedIDs))
	for _, id := range triedIDs {
		tried[id] = true
	}

	family := store.ModelFamily(model)

	// ListActiveProviderAccountsForUser already orders by lastUsedAt ASC,
	// id ASC, so the first candidate that survives every filter is the
	// round-robin selection.
	for _, acct := range candidates {
		if tried[acct.ID] {
			continue
		}
		if !store.SupportsProvider(model, acct.Provider) {
			continue
		}
		limited, err := s.ledger.IsRateLimited(ctx, acct.ID, family)
		if err != nil {
			return nil, err
		}
		if limited {
			continue
		}
		return acct, nil
	}

	return nil, ErrNoAccountAvailable
}

// MarkUsed advances lastUsedAt and increments requestCount, the orchestrator
// side-effect spec.md §4.5 requires once an account is actually used for an
// attempt (not merely considered).
func (s *Selector) MarkUsed(accountID string) error {
	return s.store.UpdateProviderAccountLastUsed(accountID)
}
