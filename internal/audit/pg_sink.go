package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxExecutor is the subset of pgxpool.Pool the sink needs; satisfied by
// pgxmock in tests.
type PgxExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgSink appends audit events to the audit_events table. Inserts only; the
// table has no update or delete path.
type PgSink struct {
	pool PgxExecutor
}

func NewPgSink(pool PgxExecutor) *PgSink {
	return &PgSink{pool: pool}
}

func (s *PgSink) Record(ctx context.Context, ev Event) error {
	if ev.Action == "" {
		return fmt.Errorf("audit event requires an action")
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	metadata, err := json.Marshal(SanitizeMetadata(ev.Action, ev.Metadata))
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, actor_id, action, resource_type, resource_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), ev.ActorID, ev.Action, ev.ResourceType, ev.ResourceID, metadata, ts)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
