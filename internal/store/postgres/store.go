// Package postgres is the server-grade Store backed by pgx/v5.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"transithub/internal/domain"
	"transithub/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id                TEXT PRIMARY KEY,
	origin_area       TEXT NOT NULL,
	destination_area  TEXT NOT NULL,
	trigger_kind      TEXT NOT NULL,
	payload           JSONB NOT NULL DEFAULT '{}'::jsonb,
	status            TEXT NOT NULL CHECK (status IN ('pending','completed','error')),
	completed_at      TIMESTAMPTZ,
	error_message     TEXT,
	lease_owner       TEXT,
	lease_acquired_at TIMESTAMPTZ,
	lease_expires_at  TIMESTAMPTZ,
	version           BIGINT NOT NULL DEFAULT 1,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	CHECK (completed_at IS NULL OR error_message IS NULL)
);
CREATE INDEX IF NOT EXISTS idx_transitions_created ON transitions (created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_transitions_status ON transitions (status);
CREATE INDEX IF NOT EXISTS idx_transitions_lease_expiry ON transitions (lease_expires_at) WHERE lease_expires_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	status     TEXT NOT NULL CHECK (status IN ('pending','resolved')),
	subject    TEXT NOT NULL DEFAULT '',
	payload    JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_created ON events (created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_events_status ON events (status);

CREATE TABLE IF NOT EXISTS audit_log (
	id          BIGSERIAL PRIMARY KEY,
	ts          TIMESTAMPTZ NOT NULL,
	action      TEXT NOT NULL,
	entity_kind TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	actor_id    TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log (ts DESC);
`

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// New wraps an existing pool. The caller owns the pool unless Close is used.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Open connects to dsn, pings, and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := New(pool)
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Pool exposes the connection pool for read-only extras such as backlog
// count queries.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const transitionColumns = `id, origin_area, destination_area, trigger_kind, payload, status,
	completed_at, error_message, lease_owner, lease_acquired_at, lease_expires_at,
	version, created_at, updated_at`

func scanTransition(row pgx.Row) (domain.TransitionRecord, error) {
	var (
		rec           domain.TransitionRecord
		payload       []byte
		owner         *string
		leaseAcquired *time.Time
		leaseExpires  *time.Time
	)
	err := row.Scan(&rec.ID, &rec.OriginArea, &rec.DestinationArea, &rec.TriggerKind, &payload, &rec.Status,
		&rec.CompletedAt, &rec.ErrorMessage, &owner, &leaseAcquired, &leaseExpires,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return rec, fmt.Errorf("decode payload of %s: %w", rec.ID, err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if rec.CompletedAt != nil {
		ts := rec.CompletedAt.UTC()
		rec.CompletedAt = &ts
	}
	if owner != nil && leaseExpires != nil {
		lease := domain.Lease{RecordID: rec.ID, Owner: *owner, ExpiresAt: leaseExpires.UTC()}
		if leaseAcquired != nil {
			lease.AcquiredAt = leaseAcquired.UTC()
		}
		rec.Lease = &lease
	}
	return rec, nil
}

func (s *Store) CreateTransition(ctx context.Context, rec domain.TransitionRecord, audit domain.AuditEntry) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	owner, acquired, expires := leaseColumns(rec.Lease)
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO transitions (`+transitionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			rec.ID, rec.OriginArea, rec.DestinationArea, rec.TriggerKind, payload, rec.Status,
			rec.CompletedAt, rec.ErrorMessage, owner, acquired, expires,
			rec.Version, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: transition %s already exists", domain.ErrConflict, rec.ID)
			}
			return fmt.Errorf("insert transition: %w", err)
		}
		return s.appendAudit(ctx, tx, audit)
	})
}

func (s *Store) GetTransition(ctx context.Context, id string) (domain.TransitionRecord, error) {
	rec, err := scanTransition(s.pool.QueryRow(ctx, `SELECT `+transitionColumns+` FROM transitions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TransitionRecord{}, fmt.Errorf("%w: transition %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.TransitionRecord{}, fmt.Errorf("query transition: %w", err)
	}
	return rec, nil
}

func (s *Store) CompareAndSwapStatus(ctx context.Context, next domain.TransitionRecord, expectedVersion int64, audit domain.AuditEntry) (domain.TransitionRecord, error) {
	payload, err := json.Marshal(next.Payload)
	if err != nil {
		return domain.TransitionRecord{}, fmt.Errorf("marshal payload: %w", err)
	}
	owner, acquired, expires := leaseColumns(next.Lease)
	var stored domain.TransitionRecord
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		stored, err = scanTransition(tx.QueryRow(ctx, `
			UPDATE transitions SET
				payload = $1,
				status = $2,
				completed_at = $3,
				error_message = $4,
				lease_owner = $5,
				lease_acquired_at = $6,
				lease_expires_at = $7,
				version = $8,
				updated_at = $9
			WHERE id = $10 AND version = $11
			RETURNING `+transitionColumns,
			payload, next.Status, next.CompletedAt, next.ErrorMessage,
			owner, acquired, expires, expectedVersion+1, next.UpdatedAt.UTC(),
			next.ID, expectedVersion,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			var current int64
			err := tx.QueryRow(ctx, `SELECT version FROM transitions WHERE id = $1`, next.ID).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: transition %s", domain.ErrNotFound, next.ID)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: transition %s at version %d, expected %d", domain.ErrConflict, next.ID, current, expectedVersion)
		}
		if err != nil {
			return fmt.Errorf("update transition: %w", err)
		}
		return s.appendAudit(ctx, tx, audit)
	})
	if err != nil {
		return domain.TransitionRecord{}, err
	}
	return stored, nil
}

func (s *Store) ListTransitions(ctx context.Context, f store.TransitionFilter) ([]domain.TransitionRecord, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(column, v string) {
		if v != "" {
			args = append(args, v)
			clauses = append(clauses, fmt.Sprintf("%s = $%d", column, len(args)))
		}
	}
	add("status", f.Status)
	add("origin_area", f.OriginArea)
	add("destination_area", f.DestinationArea)
	add("trigger_kind", f.TriggerKind)
	if !f.FreeAt.IsZero() {
		args = append(args, f.FreeAt)
		clauses = append(clauses, fmt.Sprintf("(lease_expires_at IS NULL OR lease_expires_at <= $%d)", len(args)))
	}
	query := `SELECT ` + transitionColumns + ` FROM transitions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if f.OldestFirst {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()
	var res []domain.TransitionRecord
	for rows.Next() {
		rec, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (s *Store) CountTransitions(ctx context.Context, status string) (int, error) {
	return s.count(ctx, "transitions", status)
}

func (s *Store) AcquireLease(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (domain.Lease, error) {
	now = now.UTC()
	lease := domain.Lease{RecordID: id, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE transitions SET
				lease_owner = $1,
				lease_acquired_at = $2,
				lease_expires_at = $3,
				version = version + 1,
				updated_at = $2
			WHERE id = $4 AND status = $5 AND (lease_expires_at IS NULL OR lease_expires_at <= $2)`,
			owner, lease.AcquiredAt, lease.ExpiresAt, id, domain.StatusPending,
		)
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var (
				status string
				holder *string
			)
			err := tx.QueryRow(ctx, `SELECT status, lease_owner FROM transitions WHERE id = $1`, id).Scan(&status, &holder)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: transition %s", domain.ErrNotFound, id)
			}
			if err != nil {
				return err
			}
			if status != domain.StatusPending {
				return fmt.Errorf("%w: transition %s is %s", domain.ErrConflict, id, status)
			}
			name := ""
			if holder != nil {
				name = *holder
			}
			return fmt.Errorf("%w: transition %s held by %s", domain.ErrAlreadyLeased, id, name)
		}
		return s.appendAudit(ctx, tx, domain.AuditEntry{
			Action:     store.ActionTransitionLeased,
			EntityKind: store.EntityTransition,
			EntityID:   id,
			ActorID:    owner,
			CreatedAt:  now,
		})
	})
	if err != nil {
		return domain.Lease{}, err
	}
	return lease, nil
}

func (s *Store) ReleaseExpiredLeases(ctx context.Context, now time.Time) ([]string, error) {
	now = now.UTC()
	var released []string
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			WITH expired AS (
				SELECT id, lease_owner FROM transitions
				WHERE lease_expires_at IS NOT NULL AND lease_expires_at <= $1
				FOR UPDATE
			)
			UPDATE transitions t SET
				lease_owner = NULL,
				lease_acquired_at = NULL,
				lease_expires_at = NULL,
				version = t.version + 1,
				updated_at = $1
			FROM expired e
			WHERE t.id = e.id
			RETURNING t.id, e.lease_owner`, now)
		if err != nil {
			return fmt.Errorf("release leases: %w", err)
		}
		type expired struct{ id, owner string }
		var found []expired
		for rows.Next() {
			var e expired
			var owner *string
			if err := rows.Scan(&e.id, &owner); err != nil {
				rows.Close()
				return err
			}
			if owner != nil {
				e.owner = *owner
			}
			found = append(found, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, e := range found {
			err := s.appendAudit(ctx, tx, domain.AuditEntry{
				Action:     store.ActionTransitionLeaseExpired,
				EntityKind: store.EntityTransition,
				EntityID:   e.id,
				ActorID:    e.owner,
				CreatedAt:  now,
			})
			if err != nil {
				return err
			}
			released = append(released, e.id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(released)
	return released, nil
}

const eventColumns = `id, kind, status, subject, payload, created_at`

func scanEvent(row pgx.Row) (domain.Event, error) {
	var ev domain.Event
	var payload []byte
	if err := row.Scan(&ev.ID, &ev.Kind, &ev.Status, &ev.Subject, &payload, &ev.CreatedAt); err != nil {
		return ev, err
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	if len(payload) > 0 && string(payload) != "{}" {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return ev, fmt.Errorf("decode event payload of %s: %w", ev.ID, err)
		}
	}
	return ev, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev domain.Event, audit domain.AuditEntry) error {
	payload := []byte("{}")
	if len(ev.Payload) > 0 {
		var err error
		if payload, err = json.Marshal(ev.Payload); err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO events (`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
			ev.ID, ev.Kind, ev.Status, ev.Subject, payload, ev.CreatedAt.UTC())
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: event %s already exists", domain.ErrConflict, ev.ID)
			}
			return fmt.Errorf("insert event: %w", err)
		}
		return s.appendAudit(ctx, tx, audit)
	})
}

func (s *Store) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Event{}, fmt.Errorf("%w: event %s", domain.ErrNotFound, id)
	}
	return ev, err
}

func (s *Store) ResolveEvent(ctx context.Context, id string, audit domain.AuditEntry) (domain.Event, error) {
	var ev domain.Event
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE events SET status = $1 WHERE id = $2 AND status <> $1`, domain.EventResolved, id)
		if err != nil {
			return fmt.Errorf("resolve event: %w", err)
		}
		if tag.RowsAffected() > 0 {
			if err := s.appendAudit(ctx, tx, audit); err != nil {
				return err
			}
		}
		ev, err = scanEvent(tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: event %s", domain.ErrNotFound, id)
		}
		return err
	})
	if err != nil {
		return domain.Event{}, err
	}
	return ev, nil
}

func (s *Store) ListEvents(ctx context.Context, f store.EventFilter) ([]domain.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Kind != "" {
		args = append(args, f.Kind)
		clauses = append(clauses, fmt.Sprintf("kind = $%d", len(args)))
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (s *Store) CountEvents(ctx context.Context, status string) (int, error) {
	return s.count(ctx, "events", status)
}

func (s *Store) AppendAudit(ctx context.Context, entry domain.AuditEntry) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return s.appendAudit(ctx, tx, entry)
	})
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	query := `SELECT id, ts, action, entity_kind, entity_id, actor_id, detail FROM audit_log ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.Action, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Detail); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		res = append(res, e)
	}
	return res, rows.Err()
}

func (s *Store) appendAudit(ctx context.Context, tx pgx.Tx, entry domain.AuditEntry) error {
	if entry.Action == "" {
		return nil
	}
	ts := entry.CreatedAt
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_log (ts, action, entity_kind, entity_id, actor_id, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ts.UTC(), entry.Action, entry.EntityKind, entry.EntityID, entry.ActorID, entry.Detail,
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

func (s *Store) count(ctx context.Context, table, status string) (int, error) {
	query := `SELECT COUNT(*) FROM ` + table
	var args []any
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, status)
	}
	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func leaseColumns(l *domain.Lease) (owner *string, acquired, expires *time.Time) {
	if l == nil {
		return nil, nil, nil
	}
	o := l.Owner
	a := l.AcquiredAt.UTC()
	e := l.ExpiresAt.UTC()
	return &o, &a, &e
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
