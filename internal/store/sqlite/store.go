// Package sqlite persists transitions, events and the audit log in an
// embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"transithub/internal/db"
	"transithub/internal/domain"
	"transithub/internal/migrate"
	"transithub/internal/store"
)

type Store struct {
	DB    *sql.DB
	audit auditWriter
}

var _ store.Store = (*Store)(nil)

// Open opens the workspace database and applies migrations.
func Open(ctx context.Context, cfg db.Config) (*Store, error) {
	conn, err := db.Open(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return New(conn), nil
}

// New wraps an already migrated database.
func New(conn *sql.DB) *Store {
	return &Store{DB: conn}
}

func (s *Store) Close() error { return s.DB.Close() }

const transitionColumns = `id,origin_area,destination_area,trigger_kind,payload_json,status,completed_at,error_message,lease_owner,lease_acquired_at,lease_expires_at,version,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransition(row scanner) (domain.TransitionRecord, error) {
	var (
		rec                           domain.TransitionRecord
		payload, createdAt, updatedAt string
		completedAt, errMsg, owner    sql.NullString
		leaseAcquired, leaseExpires   sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.OriginArea, &rec.DestinationArea, &rec.TriggerKind, &payload, &rec.Status,
		&completedAt, &errMsg, &owner, &leaseAcquired, &leaseExpires, &rec.Version, &createdAt, &updatedAt)
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return rec, fmt.Errorf("decode payload of %s: %w", rec.ID, err)
	}
	if rec.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return rec, err
	}
	if rec.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return rec, err
	}
	if completedAt.Valid {
		ts, err := db.ParseTime(completedAt.String)
		if err != nil {
			return rec, err
		}
		rec.CompletedAt = &ts
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.ErrorMessage = &msg
	}
	if owner.Valid && leaseExpires.Valid {
		lease := domain.Lease{RecordID: rec.ID, Owner: owner.String}
		if lease.ExpiresAt, err = db.ParseTime(leaseExpires.String); err != nil {
			return rec, err
		}
		if leaseAcquired.Valid {
			if lease.AcquiredAt, err = db.ParseTime(leaseAcquired.String); err != nil {
				return rec, err
			}
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
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	owner, acquired, expires := leaseColumns(rec.Lease)
	_, err = tx.ExecContext(ctx, `INSERT INTO transitions(`+transitionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.OriginArea, rec.DestinationArea, rec.TriggerKind, string(payload), rec.Status,
		nullableTime(rec.CompletedAt), nullableStringPtr(rec.ErrorMessage), owner, acquired, expires,
		rec.Version, db.FormatTime(rec.CreatedAt), db.FormatTime(rec.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: transition %s already exists", domain.ErrConflict, rec.ID)
		}
		return fmt.Errorf("insert transition: %w", err)
	}
	if err := s.audit.Append(ctx, tx, audit); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetTransition(ctx context.Context, id string) (domain.TransitionRecord, error) {
	rec, err := scanTransition(s.DB.QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM transitions WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TransitionRecord{}, fmt.Errorf("%w: transition %s", domain.ErrNotFound, id)
	}
	return rec, err
}

func (s *Store) CompareAndSwapStatus(ctx context.Context, next domain.TransitionRecord, expectedVersion int64, audit domain.AuditEntry) (domain.TransitionRecord, error) {
	payload, err := json.Marshal(next.Payload)
	if err != nil {
		return domain.TransitionRecord{}, fmt.Errorf("marshal payload: %w", err)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransitionRecord{}, err
	}
	defer tx.Rollback()
	owner, acquired, expires := leaseColumns(next.Lease)
	res, err := tx.ExecContext(ctx, `UPDATE transitions SET payload_json=?, status=?, completed_at=?, error_message=?, lease_owner=?, lease_acquired_at=?, lease_expires_at=?, version=?, updated_at=? WHERE id=? AND version=?`,
		string(payload), next.Status, nullableTime(next.CompletedAt), nullableStringPtr(next.ErrorMessage),
		owner, acquired, expires, expectedVersion+1, db.FormatTime(next.UpdatedAt), next.ID, expectedVersion)
	if err != nil {
		return domain.TransitionRecord{}, fmt.Errorf("update transition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM transitions WHERE id=?`, next.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TransitionRecord{}, fmt.Errorf("%w: transition %s", domain.ErrNotFound, next.ID)
		}
		if err != nil {
			return domain.TransitionRecord{}, err
		}
		return domain.TransitionRecord{}, fmt.Errorf("%w: transition %s at version %d, expected %d", domain.ErrConflict, next.ID, current, expectedVersion)
	}
	if err := s.audit.Append(ctx, tx, audit); err != nil {
		return domain.TransitionRecord{}, fmt.Errorf("append audit: %w", err)
	}
	stored, err := scanTransition(tx.QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM transitions WHERE id=?`, next.ID))
	if err != nil {
		return domain.TransitionRecord{}, err
	}
	return stored, tx.Commit()
}

func (s *Store) ListTransitions(ctx context.Context, f store.TransitionFilter) ([]domain.TransitionRecord, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause, v string) {
		if v != "" {
			clauses = append(clauses, clause)
			args = append(args, v)
		}
	}
	add("status=?", f.Status)
	add("origin_area=?", f.OriginArea)
	add("destination_area=?", f.DestinationArea)
	add("trigger_kind=?", f.TriggerKind)
	if !f.FreeAt.IsZero() {
		add("(lease_expires_at IS NULL OR lease_expires_at <= ?)", db.FormatTime(f.FreeAt))
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
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
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
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lease{}, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE transitions SET lease_owner=?, lease_acquired_at=?, lease_expires_at=?, version=version+1, updated_at=?
WHERE id=? AND status=? AND (lease_expires_at IS NULL OR lease_expires_at <= ?)`,
		owner, db.FormatTime(lease.AcquiredAt), db.FormatTime(lease.ExpiresAt), db.FormatTime(now),
		id, domain.StatusPending, db.FormatTime(now))
	if err != nil {
		return domain.Lease{}, fmt.Errorf("acquire lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		rec, err := scanTransition(tx.QueryRowContext(ctx, `SELECT `+transitionColumns+` FROM transitions WHERE id=?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Lease{}, fmt.Errorf("%w: transition %s", domain.ErrNotFound, id)
		}
		if err != nil {
			return domain.Lease{}, err
		}
		if rec.Status != domain.StatusPending {
			return domain.Lease{}, fmt.Errorf("%w: transition %s is %s", domain.ErrConflict, id, rec.Status)
		}
		holder := ""
		if rec.Lease != nil {
			holder = rec.Lease.Owner
		}
		return domain.Lease{}, fmt.Errorf("%w: transition %s held by %s", domain.ErrAlreadyLeased, id, holder)
	}
	err = s.audit.Append(ctx, tx, domain.AuditEntry{
		Action:     store.ActionTransitionLeased,
		EntityKind: store.EntityTransition,
		EntityID:   id,
		ActorID:    owner,
		CreatedAt:  now,
	})
	if err != nil {
		return domain.Lease{}, fmt.Errorf("append audit: %w", err)
	}
	return lease, tx.Commit()
}

func (s *Store) ReleaseExpiredLeases(ctx context.Context, now time.Time) ([]string, error) {
	cutoff := db.FormatTime(now)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	rows, err := tx.QueryContext(ctx, `SELECT id, lease_owner FROM transitions WHERE lease_expires_at IS NOT NULL AND lease_expires_at <= ? ORDER BY id`, cutoff)
	if err != nil {
		return nil, err
	}
	type expired struct{ id, owner string }
	var found []expired
	for rows.Next() {
		var e expired
		var owner sql.NullString
		if err := rows.Scan(&e.id, &owner); err != nil {
			rows.Close()
			return nil, err
		}
		e.owner = owner.String
		found = append(found, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var released []string
	for _, e := range found {
		if _, err := tx.ExecContext(ctx, `UPDATE transitions SET lease_owner=NULL, lease_acquired_at=NULL, lease_expires_at=NULL, version=version+1, updated_at=? WHERE id=?`, cutoff, e.id); err != nil {
			return nil, fmt.Errorf("release lease %s: %w", e.id, err)
		}
		err := s.audit.Append(ctx, tx, domain.AuditEntry{
			Action:     store.ActionTransitionLeaseExpired,
			EntityKind: store.EntityTransition,
			EntityID:   e.id,
			ActorID:    e.owner,
			CreatedAt:  now,
		})
		if err != nil {
			return nil, fmt.Errorf("append audit: %w", err)
		}
		released = append(released, e.id)
	}
	return released, tx.Commit()
}

const eventColumns = `id,kind,status,COALESCE(subject,''),payload_json,created_at`

func scanEvent(row scanner) (domain.Event, error) {
	var ev domain.Event
	var payload, createdAt string
	if err := row.Scan(&ev.ID, &ev.Kind, &ev.Status, &ev.Subject, &payload, &createdAt); err != nil {
		return ev, err
	}
	if payload != "" && payload != "{}" {
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return ev, fmt.Errorf("decode event payload of %s: %w", ev.ID, err)
		}
	}
	var err error
	ev.CreatedAt, err = db.ParseTime(createdAt)
	return ev, err
}

func (s *Store) AppendEvent(ctx context.Context, ev domain.Event, audit domain.AuditEntry) error {
	payload := []byte("{}")
	if len(ev.Payload) > 0 {
		var err error
		if payload, err = json.Marshal(ev.Payload); err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO events(id,kind,status,subject,payload_json,created_at) VALUES (?,?,?,?,?,?)`,
		ev.ID, ev.Kind, ev.Status, nullable(ev.Subject), string(payload), db.FormatTime(ev.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: event %s already exists", domain.ErrConflict, ev.ID)
		}
		return fmt.Errorf("insert event: %w", err)
	}
	if err := s.audit.Append(ctx, tx, audit); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	ev, err := scanEvent(s.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, fmt.Errorf("%w: event %s", domain.ErrNotFound, id)
	}
	return ev, err
}

func (s *Store) ResolveEvent(ctx context.Context, id string, audit domain.AuditEntry) (domain.Event, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE events SET status=? WHERE id=? AND status<>?`, domain.EventResolved, id, domain.EventResolved)
	if err != nil {
		return domain.Event{}, fmt.Errorf("resolve event: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if err := s.audit.Append(ctx, tx, audit); err != nil {
			return domain.Event{}, fmt.Errorf("append audit: %w", err)
		}
	}
	ev, err := scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, fmt.Errorf("%w: event %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Event{}, err
	}
	return ev, tx.Commit()
}

func (s *Store) ListEvents(ctx context.Context, f store.EventFilter) ([]domain.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
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
	return s.audit.Append(ctx, s.DB, entry)
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	query := `SELECT id,ts,action,entity_kind,entity_id,actor_id,COALESCE(detail,'') FROM audit_log ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Action, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Detail); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = db.ParseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// count is only called with constant table names.
func (s *Store) count(ctx context.Context, table, status string) (int, error) {
	query := `SELECT COUNT(*) FROM ` + table
	var args []any
	if status != "" {
		query += " WHERE status=?"
		args = append(args, status)
	}
	var n int
	err := s.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func leaseColumns(l *domain.Lease) (owner, acquired, expires any) {
	if l == nil {
		return nil, nil, nil
	}
	return l.Owner, db.FormatTime(l.AcquiredAt), db.FormatTime(l.ExpiresAt)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return db.FormatTime(*t)
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
