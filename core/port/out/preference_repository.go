package out

import (
	"context"
	"time"

	"triage_server/core/domain"
)

// PreferenceRepository stores learned sender/domain behavior. UpdateCAS is
// compare-and-swap on last_updated: a concurrent writer makes it return a
// Conflict, and the caller re-reads and retries.
type PreferenceRepository interface {
	Get(ctx context.Context, scope domain.PreferenceScope, accountID, key string) (*domain.Preference, error)
	Create(ctx context.Context, pref *domain.Preference) (*domain.Preference, error)
	UpdateCAS(ctx context.Context, pref *domain.Preference, expectedLastUpdated time.Time) error
}
