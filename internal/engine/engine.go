package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"transithub/internal/config"
	"transithub/internal/domain"
	"transithub/internal/executor"
	"transithub/internal/guard"
	"transithub/internal/observability"
	"transithub/internal/store"
	"transithub/internal/transition"
)

const (
	defaultListLimit = 100
	defaultListCap   = 500
)

type Engine struct {
	Store           store.Store
	Machine         transition.Machine
	Guard           guard.Guard
	Logger          *zap.Logger
	Metrics         *observability.Metrics
	Now             func() time.Time
	ListCap         int
	ConflictRetries int
}

func New(st store.Store, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Store:           st,
		Machine:         transition.Machine{PointerKeys: cfg.Transitions.PointerKeys},
		Guard:           guard.Guard{Store: st, TTL: cfg.LeaseTTL()},
		Now:             time.Now,
		ListCap:         cfg.Server.ListCap,
		ConflictRetries: cfg.Worker.ConflictRetries,
	}
}

// WithObservability attaches a logger and metrics to the engine and its guard.
func (e Engine) WithObservability(logger *zap.Logger, metrics *observability.Metrics) Engine {
	e.Logger = logger
	e.Metrics = metrics
	e.Guard.Logger = logger
	e.Guard.Metrics = metrics
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger(ctx context.Context) *zap.Logger {
	return observability.LoggerFrom(ctx, e.Logger)
}

func (e Engine) guard() guard.Guard {
	g := e.Guard
	if g.Store == nil {
		g.Store = e.Store
	}
	if g.Now == nil {
		g.Now = e.now
	}
	return g
}

// CreateOptions are parameters for recording a new handoff.
type CreateOptions struct {
	ID              string
	OriginArea      string
	DestinationArea string
	TriggerKind     string
	Payload         map[string]any
	ActorID         string
}

// CreateTransition stores a new pending record. Business payload keys may not
// collide with the audit keys the hub maintains.
func (e Engine) CreateTransition(ctx context.Context, opts CreateOptions) (domain.TransitionRecord, error) {
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.TransitionRecord{}, fmt.Errorf("%w: actor is required", domain.ErrInvalidRequest)
	}
	for field, v := range map[string]string{
		"origin_area":      opts.OriginArea,
		"destination_area": opts.DestinationArea,
		"trigger_kind":     opts.TriggerKind,
	} {
		if strings.TrimSpace(v) == "" {
			return domain.TransitionRecord{}, fmt.Errorf("%w: %s is required", domain.ErrInvalidRequest, field)
		}
	}
	for k := range opts.Payload {
		if domain.IsReservedKey(k) {
			return domain.TransitionRecord{}, fmt.Errorf("%w: payload key %s is reserved", domain.ErrInvalidRequest, k)
		}
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	rec := domain.TransitionRecord{
		ID:              id,
		OriginArea:      opts.OriginArea,
		DestinationArea: opts.DestinationArea,
		TriggerKind:     opts.TriggerKind,
		Payload:         domain.Payload{Business: domain.CloneDocument(opts.Payload)},
		Status:          domain.StatusPending,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	audit := domain.AuditEntry{
		Action:     store.ActionTransitionCreated,
		EntityKind: store.EntityTransition,
		EntityID:   id,
		ActorID:    opts.ActorID,
		Detail: detail(map[string]any{
			"origin_area":      rec.OriginArea,
			"destination_area": rec.DestinationArea,
			"trigger_kind":     rec.TriggerKind,
		}),
		CreatedAt: now,
	}
	if err := e.Store.CreateTransition(ctx, rec, audit); err != nil {
		return domain.TransitionRecord{}, err
	}
	e.logger(ctx).Info("transition created",
		zap.String("transition_id", id),
		zap.String("origin_area", rec.OriginArea),
		zap.String("destination_area", rec.DestinationArea),
		zap.String("trigger_kind", rec.TriggerKind))
	return rec, nil
}

func (e Engine) GetTransition(ctx context.Context, id string) (domain.TransitionRecord, error) {
	if strings.TrimSpace(id) == "" {
		return domain.TransitionRecord{}, fmt.Errorf("%w: id is required", domain.ErrInvalidRequest)
	}
	return e.Store.GetTransition(ctx, id)
}

// ListTransitions returns newest first. A zero limit means the default page
// size; anything above the cap is clamped.
func (e Engine) ListTransitions(ctx context.Context, filter store.TransitionFilter) ([]domain.TransitionRecord, error) {
	if filter.Status != "" && !transition.ValidStatus(filter.Status) {
		return nil, fmt.Errorf("%w: invalid status %q", domain.ErrInvalidRequest, filter.Status)
	}
	if filter.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", domain.ErrInvalidRequest)
	}
	filter.Limit = e.clamp(filter.Limit)
	return e.Store.ListTransitions(ctx, filter)
}

func (e Engine) clamp(limit int) int {
	limitCap := e.ListCap
	if limitCap <= 0 {
		limitCap = defaultListCap
	}
	if limit == 0 {
		limit = defaultListLimit
	}
	if limit > limitCap {
		limit = limitCap
	}
	return limit
}

// ApplyOptions describe an actor-requested status change.
type ApplyOptions struct {
	ID           string
	Status       string
	Note         string
	ErrorMessage string
	Action       string
	ActorID      string
}

// ApplyTransition moves a record to the requested status. Concurrent writers
// are resolved by rereading and reapplying.
func (e Engine) ApplyTransition(ctx context.Context, opts ApplyOptions) (domain.TransitionRecord, error) {
	if strings.TrimSpace(opts.ID) == "" {
		return domain.TransitionRecord{}, fmt.Errorf("%w: id is required", domain.ErrInvalidRequest)
	}
	if opts.Status == "" || !transition.ValidStatus(opts.Status) {
		return domain.TransitionRecord{}, fmt.Errorf("%w: invalid status %q", domain.ErrInvalidRequest, opts.Status)
	}
	if !transition.ValidAction(opts.Action) {
		return domain.TransitionRecord{}, fmt.Errorf("%w: invalid action %q", domain.ErrInvalidRequest, opts.Action)
	}
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.TransitionRecord{}, fmt.Errorf("%w: actor is required", domain.ErrInvalidRequest)
	}
	return e.mutate(ctx, opts.ID, opts.ActorID, func(cur domain.TransitionRecord, now time.Time) (domain.TransitionRecord, error) {
		return e.Machine.Apply(cur, transition.Request{
			Status:       opts.Status,
			Actor:        opts.ActorID,
			Note:         opts.Note,
			ErrorMessage: opts.ErrorMessage,
			Action:       opts.Action,
			Now:          now,
		})
	})
}

type mutation func(cur domain.TransitionRecord, now time.Time) (domain.TransitionRecord, error)

func (e Engine) mutate(ctx context.Context, id, actor string, fn mutation) (domain.TransitionRecord, error) {
	retries := e.ConflictRetries
	if retries < 0 {
		retries = 0
	}
	for attempt := 0; ; attempt++ {
		cur, err := e.Store.GetTransition(ctx, id)
		if err != nil {
			return domain.TransitionRecord{}, err
		}
		now := e.now()
		next, err := fn(cur, now)
		if err != nil {
			return domain.TransitionRecord{}, err
		}
		audit := domain.AuditEntry{
			Action:     store.ActionTransitionApplied,
			EntityKind: store.EntityTransition,
			EntityID:   id,
			ActorID:    actor,
			Detail:     detail(map[string]any{"from": cur.Status, "to": next.Status}),
			CreatedAt:  now,
		}
		saved, err := e.Store.CompareAndSwapStatus(ctx, next, cur.Version, audit)
		if err == nil {
			e.Metrics.RecordTransition(cur.Status, saved.Status)
			e.logger(ctx).Info("transition applied",
				zap.String("transition_id", id),
				zap.String("from", cur.Status),
				zap.String("to", saved.Status),
				zap.String("actor_id", actor))
			return saved, nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return domain.TransitionRecord{}, err
		}
		e.Metrics.RecordConflict()
		if attempt >= retries {
			return domain.TransitionRecord{}, fmt.Errorf("transition %s: gave up after %d attempts: %w", id, attempt+1, err)
		}
		e.logger(ctx).Warn("transition changed concurrently, retrying",
			zap.String("transition_id", id), zap.Int("attempt", attempt+1))
	}
}

// Execute leases a pending record, runs the executor and records the outcome.
// An executor failure is not an error of Execute: the record is moved to
// error and returned. Once the executor has run, the outcome is persisted
// even when ctx has been cancelled.
func (e Engine) Execute(ctx context.Context, id, owner string, ex executor.Executor) (domain.TransitionRecord, error) {
	if ex == nil {
		return domain.TransitionRecord{}, fmt.Errorf("%w: no executor configured", domain.ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return domain.TransitionRecord{}, err
	}
	rec, err := e.GetTransition(ctx, id)
	if err != nil {
		return domain.TransitionRecord{}, err
	}
	if r, ok := ex.(executor.Router); ok && !r.Handles(rec.DestinationArea) {
		return domain.TransitionRecord{}, fmt.Errorf("%w: %w: %s", domain.ErrInvalidRequest, executor.ErrNoDestination, rec.DestinationArea)
	}
	lease, err := e.guard().TryAcquire(ctx, id, owner)
	if err != nil {
		return domain.TransitionRecord{}, err
	}
	if rec, err = e.Store.GetTransition(ctx, id); err != nil {
		return domain.TransitionRecord{}, err
	}
	log := e.logger(ctx).With(
		zap.String("transition_id", id),
		zap.String("owner", owner),
		zap.String("destination_area", rec.DestinationArea),
		zap.Time("lease_expires_at", lease.ExpiresAt))

	started := e.now()
	res, execErr := ex.Execute(ctx, rec)
	elapsed := e.now().Sub(started)

	// The outcome only lands on the record this attempt leased. If the lease
	// was lost and another attempt moved the record on, a successful result is
	// kept in previous_executions and a failure is dropped.
	persistCtx := context.WithoutCancel(ctx)
	held := rec.Lease
	var (
		saved domain.TransitionRecord
		lost  bool
	)
	if execErr == nil {
		saved, err = e.mutate(persistCtx, id, owner, func(cur domain.TransitionRecord, now time.Time) (domain.TransitionRecord, error) {
			if lost = !stillHeld(cur, held); lost {
				next, ok := transition.ArchiveSuperseded(cur, res, owner, now)
				if !ok {
					return domain.TransitionRecord{}, errLeaseLost
				}
				return next, nil
			}
			return e.Machine.Apply(transition.AttachExecution(cur, res, owner, now), transition.Request{
				Status: domain.StatusCompleted,
				Actor:  owner,
				Now:    now,
			})
		})
	} else {
		saved, err = e.mutate(persistCtx, id, owner, func(cur domain.TransitionRecord, now time.Time) (domain.TransitionRecord, error) {
			if lost = !stillHeld(cur, held); lost {
				return domain.TransitionRecord{}, errLeaseLost
			}
			return e.Machine.Apply(cur, transition.Request{
				Status:       domain.StatusError,
				Actor:        owner,
				ErrorMessage: execErr.Error(),
				Now:          now,
			})
		})
	}
	if errors.Is(err, errLeaseLost) {
		err = nil
	}
	if err != nil {
		log.Error("failed to record execution outcome", zap.Error(err), zap.NamedError("execution_error", execErr))
		return domain.TransitionRecord{}, fmt.Errorf("record outcome of %s: %w", id, err)
	}
	if lost {
		log.Warn("lease lost before the outcome was recorded",
			zap.String("execution_ref", res.Ref),
			zap.NamedError("execution_error", execErr),
			zap.Duration("elapsed", elapsed))
		return domain.TransitionRecord{}, fmt.Errorf("%w: %s is no longer leased by %s", domain.ErrConflict, id, owner)
	}
	e.Metrics.RecordExecution(rec.DestinationArea, saved.Status, elapsed)
	if execErr != nil {
		log.Warn("execution failed", zap.Error(execErr), zap.Duration("elapsed", elapsed))
	} else {
		log.Info("execution completed", zap.String("execution_ref", res.Ref), zap.Duration("elapsed", elapsed))
	}
	return saved, nil
}

var errLeaseLost = errors.New("lease lost")

// stillHeld reports whether cur is still the pending record leased as held.
// A lease released by the sweeper with nobody taking over counts as held.
func stillHeld(cur domain.TransitionRecord, held *domain.Lease) bool {
	if cur.Status != domain.StatusPending {
		return false
	}
	if cur.Lease == nil {
		return true
	}
	return held != nil && cur.Lease.Owner == held.Owner && cur.Lease.AcquiredAt.Equal(held.AcquiredAt)
}

// PendingBatch returns up to n pending records without a live lease, oldest
// first.
func (e Engine) PendingBatch(ctx context.Context, n int) ([]domain.TransitionRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	if n > e.listCap() {
		n = e.listCap()
	}
	return e.Store.ListTransitions(ctx, store.TransitionFilter{
		Status:      domain.StatusPending,
		OldestFirst: true,
		FreeAt:      e.now(),
		Limit:       n,
	})
}

func (e Engine) listCap() int {
	if e.ListCap > 0 {
		return e.ListCap
	}
	return defaultListCap
}

// SweepLeases releases leases left behind by crashed workers.
func (e Engine) SweepLeases(ctx context.Context) (int, error) {
	return e.guard().Sweep(ctx)
}

// EmitOptions are parameters for recording an event.
type EmitOptions struct {
	ID      string
	Kind    string
	Subject string
	Payload map[string]any
	ActorID string
}

func (e Engine) EmitEvent(ctx context.Context, opts EmitOptions) (domain.Event, error) {
	if strings.TrimSpace(opts.ActorID) == "" {
		return domain.Event{}, fmt.Errorf("%w: actor is required", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(opts.Kind) == "" {
		return domain.Event{}, fmt.Errorf("%w: kind is required", domain.ErrInvalidRequest)
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	ev := domain.Event{
		ID:        id,
		Kind:      opts.Kind,
		Status:    domain.EventPending,
		Subject:   opts.Subject,
		Payload:   domain.CloneDocument(opts.Payload),
		CreatedAt: now,
	}
	audit := domain.AuditEntry{
		Action:     store.ActionEventEmitted,
		EntityKind: store.EntityEvent,
		EntityID:   id,
		ActorID:    opts.ActorID,
		Detail:     detail(map[string]any{"kind": ev.Kind}),
		CreatedAt:  now,
	}
	if err := e.Store.AppendEvent(ctx, ev, audit); err != nil {
		return domain.Event{}, err
	}
	e.Metrics.RecordEvent("emitted")
	e.logger(ctx).Info("event emitted", zap.String("event_id", id), zap.String("kind", ev.Kind))
	return ev, nil
}

// ResolveEvent marks an event resolved. Resolving twice returns the event
// unchanged.
func (e Engine) ResolveEvent(ctx context.Context, id, actorID string) (domain.Event, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Event{}, fmt.Errorf("%w: id is required", domain.ErrInvalidRequest)
	}
	if strings.TrimSpace(actorID) == "" {
		return domain.Event{}, fmt.Errorf("%w: actor is required", domain.ErrInvalidRequest)
	}
	ev, err := e.Store.ResolveEvent(ctx, id, domain.AuditEntry{
		Action:     store.ActionEventResolved,
		EntityKind: store.EntityEvent,
		EntityID:   id,
		ActorID:    actorID,
		CreatedAt:  e.now(),
	})
	if err != nil {
		return domain.Event{}, err
	}
	e.Metrics.RecordEvent("resolved")
	e.logger(ctx).Info("event resolved", zap.String("event_id", id), zap.String("actor_id", actorID))
	return ev, nil
}

func (e Engine) ListEvents(ctx context.Context, filter store.EventFilter) ([]domain.Event, error) {
	switch filter.Status {
	case "", domain.EventPending, domain.EventResolved:
	default:
		return nil, fmt.Errorf("%w: invalid event status %q", domain.ErrInvalidRequest, filter.Status)
	}
	if filter.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", domain.ErrInvalidRequest)
	}
	filter.Limit = e.clamp(filter.Limit)
	return e.Store.ListEvents(ctx, filter)
}

func detail(fields map[string]any) string {
	b, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return string(b)
}
