package sqlite

import (
	"context"
	"database/sql"
	"time"

	"transithub/internal/db"
	"transithub/internal/domain"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// auditWriter appends change-log rows inside the caller's transaction.
type auditWriter struct {
	Now func() time.Time
}

func (w auditWriter) Append(ctx context.Context, ex execer, entry domain.AuditEntry) error {
	if entry.Action == "" {
		return nil
	}
	ts := entry.CreatedAt
	if ts.IsZero() {
		if w.Now == nil {
			w.Now = time.Now
		}
		ts = w.Now()
	}
	_, err := ex.ExecContext(ctx, `INSERT INTO audit_log(ts,action,entity_kind,entity_id,actor_id,detail) VALUES (?,?,?,?,?,?)`,
		db.FormatTime(ts), entry.Action, entry.EntityKind, entry.EntityID, entry.ActorID, nullable(entry.Detail))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
