// Package hub answers how much pending work exists and where, for
// dashboards. It only reads.
package hub

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"transithub/internal/domain"
	"transithub/internal/observability"
	"transithub/internal/store"
)

// TotalKey is the entry of Summary.Pending holding the grand total.
const TotalKey = "total"

const defaultActivityLimit = 20

// Summary is the dashboard view. Pending maps each source name to its
// count plus TotalKey.
type Summary struct {
	Pending         map[string]int         `json:"pending"`
	PreferredSource string                 `json:"preferredSource"`
	RecentActivity  []domain.ActivityEntry `json:"recentActivity"`
	GeneratedAt     time.Time              `json:"generatedAt" format:"date-time"`
}

// Aggregator combines the built-in event and transition counts with any
// extra sources. Summaries are eventually consistent: with a Cache and a
// positive CacheTTL a snapshot may be served until it expires.
type Aggregator struct {
	Store         store.Store
	Extra         []Source
	Cache         Cache
	CacheTTL      time.Duration
	ActivityLimit int
	Now           func() time.Time
	Logger        *zap.Logger
	Metrics       *observability.Metrics
}

func (a Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

func (a Aggregator) logger(ctx context.Context) *zap.Logger {
	return observability.LoggerFrom(ctx, a.Logger)
}

// Sources lists every source in tie-break order: events, transitions, then
// the extras as configured.
func (a Aggregator) Sources() []Source {
	out := []Source{EventsSource{Store: a.Store}, TransitionsSource{Store: a.Store}}
	return append(out, a.Extra...)
}

// Summarize counts pending work per source. PreferredSource is the source
// with the largest count; ties go to the earlier source in Sources order.
func (a Aggregator) Summarize(ctx context.Context) (Summary, error) {
	limit := a.ActivityLimit
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	key := "activity:" + strconv.Itoa(limit)
	useCache := a.Cache != nil && a.CacheTTL > 0
	if useCache {
		s, ok, err := a.Cache.Get(ctx, key)
		switch {
		case err != nil:
			a.logger(ctx).Warn("summary cache read failed", zap.Error(err))
		case ok:
			a.Metrics.RecordSummary("hit")
			return s, nil
		}
	}

	sources := a.Sources()
	counts := make([]int, len(sources))
	var activity []domain.ActivityEntry
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			n, err := src.Pending(gctx)
			if err != nil {
				return fmt.Errorf("source %s: %w", src.Name(), err)
			}
			counts[i] = n
			return nil
		})
	}
	g.Go(func() error {
		var err error
		activity, err = a.RecentActivity(gctx, limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	s := Summary{
		Pending:        make(map[string]int, len(sources)+1),
		RecentActivity: activity,
		GeneratedAt:    a.now(),
	}
	best := -1
	total := 0
	for i, src := range sources {
		s.Pending[src.Name()] = counts[i]
		total += counts[i]
		if counts[i] > best {
			best = counts[i]
			s.PreferredSource = src.Name()
		}
	}
	s.Pending[TotalKey] = total

	if !useCache {
		a.Metrics.RecordSummary("disabled")
		return s, nil
	}
	a.Metrics.RecordSummary("miss")
	if err := a.Cache.Set(ctx, key, s, a.CacheTTL); err != nil {
		a.logger(ctx).Warn("summary cache write failed", zap.Error(err))
	}
	return s, nil
}

// RecentActivity returns the newest events as feed entries. With no events
// at all it reads the audit log instead so the feed is never empty merely
// because nothing has been emitted yet.
func (a Aggregator) RecentActivity(ctx context.Context, limit int) ([]domain.ActivityEntry, error) {
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	events, err := a.Store.ListEvents(ctx, store.EventFilter{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	out := make([]domain.ActivityEntry, 0, limit)
	if len(events) > 0 {
		for _, ev := range events {
			summary := ev.Kind
			if ev.Subject != "" {
				summary = ev.Kind + ": " + ev.Subject
			}
			out = append(out, domain.ActivityEntry{
				ID:           ev.ID,
				Kind:         ev.Kind,
				Summary:      summary,
				OccurredAt:   ev.CreatedAt,
				SeverityHint: Severity(ev.Kind),
			})
		}
		return out, nil
	}

	entries, err := a.Store.ListAudit(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("recent audit: %w", err)
	}
	for _, e := range entries {
		summary := fmt.Sprintf("%s %s %s", e.Action, e.EntityKind, e.EntityID)
		if e.ActorID != "" {
			summary += " by " + e.ActorID
		}
		out = append(out, domain.ActivityEntry{
			ID:           "audit-" + strconv.FormatInt(e.ID, 10),
			Kind:         e.Action,
			Summary:      summary,
			OccurredAt:   e.CreatedAt,
			SeverityHint: Severity(e.Action),
		})
	}
	return out, nil
}
