// Package guard keeps two workers from executing the same pending transition.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"transithub/internal/domain"
	"transithub/internal/observability"
	"transithub/internal/store"
)

// DefaultTTL bounds how long a crashed worker can hold a record.
const DefaultTTL = 5 * time.Minute

type Guard struct {
	Store   store.Store
	TTL     time.Duration
	Now     func() time.Time
	Logger  *zap.Logger
	Metrics *observability.Metrics
}

func (g Guard) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

func (g Guard) ttl() time.Duration {
	if g.TTL > 0 {
		return g.TTL
	}
	return DefaultTTL
}

func (g Guard) logger() *zap.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return zap.NewNop()
}

// TryAcquire leases a pending record for owner. Contention comes back as
// domain.ErrAlreadyLeased and is logged at debug only.
func (g Guard) TryAcquire(ctx context.Context, id, owner string) (domain.Lease, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Lease{}, fmt.Errorf("%w: record id is required", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(owner) == "" {
		return domain.Lease{}, fmt.Errorf("%w: lease owner is required", domain.ErrInvalidRequest)
	}
	lease, err := g.Store.AcquireLease(ctx, id, owner, g.now(), g.ttl())
	switch {
	case err == nil:
		g.Metrics.RecordLease(observability.LeaseAcquired, 1)
		return lease, nil
	case errors.Is(err, domain.ErrAlreadyLeased):
		g.Metrics.RecordLease(observability.LeaseContended, 1)
		g.logger().Debug("lease contended", zap.String("transition_id", id), zap.String("owner", owner))
	}
	return domain.Lease{}, err
}

// Sweep clears expired leases and returns how many were released.
func (g Guard) Sweep(ctx context.Context) (int, error) {
	released, err := g.Store.ReleaseExpiredLeases(ctx, g.now())
	if err != nil {
		return 0, fmt.Errorf("sweep leases: %w", err)
	}
	if len(released) > 0 {
		g.Metrics.RecordLease(observability.LeaseExpired, len(released))
		g.logger().Warn("released expired leases", zap.Strings("transition_ids", released))
	}
	return len(released), nil
}
