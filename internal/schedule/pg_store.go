package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the subset of pgxpool.Pool the store needs; satisfied by
// pgxmock in tests.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgStore struct {
	pool PgxPool
}

func NewPgStore(pool PgxPool) *PgStore {
	return &PgStore{pool: pool}
}

const appointmentColumns = `
	id, patient_id, provider_id, location, service_type,
	start_time, end_time, status, notes, created_by,
	cancelled_reason, cancelled_at, previous_appointment_id,
	created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a        Appointment
		location *string
		notes    *string
		status   string
	)

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProviderID,
		&location,
		&a.ServiceType,
		&a.StartTime,
		&a.EndTime,
		&status,
		&notes,
		&a.CreatedBy,
		&a.CancelledReason,
		&a.CancelledAt,
		&a.PreviousAppointmentID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	a.Status = Status(status)
	if location != nil {
		a.Location = *location
	}
	if notes != nil {
		a.Notes = *notes
	}
	return &a, nil
}

func (s *PgStore) loadHistory(ctx context.Context, id uuid.UUID) ([]StatusChange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, changed_by, changed_at, note
		FROM appointment_status_history
		WHERE appointment_id = $1
		ORDER BY changed_at ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []StatusChange
	for rows.Next() {
		var (
			entry  StatusChange
			status string
		)
		if err := rows.Scan(&entry.ID, &status, &entry.ChangedBy, &entry.ChangedAt, &entry.Note); err != nil {
			return nil, err
		}
		entry.Status = Status(status)
		history = append(history, entry)
	}
	return history, rows.Err()
}

func (s *PgStore) LoadAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)

	a, err := scanAppointment(row)
	if err != nil {
		return nil, err
	}

	history, err := s.loadHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load status history: %w", err)
	}
	a.StatusHistory = history
	return a, nil
}

func (s *PgStore) SaveAppointment(ctx context.Context, a *Appointment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id,
			status = EXCLUDED.status,
			notes = EXCLUDED.notes,
			cancelled_reason = EXCLUDED.cancelled_reason,
			cancelled_at = EXCLUDED.cancelled_at,
			updated_at = EXCLUDED.updated_at
	`,
		a.ID,
		a.PatientID,
		a.ProviderID,
		nullIfEmpty(a.Location),
		a.ServiceType,
		a.StartTime,
		a.EndTime,
		string(a.Status),
		nullIfEmpty(a.Notes),
		a.CreatedBy,
		a.CancelledReason,
		a.CancelledAt,
		a.PreviousAppointmentID,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert appointment: %w", err)
	}

	for _, entry := range a.StatusHistory {
		_, err = tx.Exec(ctx, `
			INSERT INTO appointment_status_history (id, appointment_id, status, changed_by, changed_at, note)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, entry.ID, a.ID, string(entry.Status), entry.ChangedBy, entry.ChangedAt, entry.Note)
		if err != nil {
			return fmt.Errorf("insert status history: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

func (s *PgStore) ListActiveByProvider(ctx context.Context, providerID uuid.UUID) ([]Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+appointmentColumns+`
		FROM appointments
		WHERE provider_id = $1
		  AND status IN ('scheduled', 'confirmed')
		ORDER BY start_time ASC
	`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func (s *PgStore) ListProviderIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT provider_id
		FROM appointments
		WHERE status IN ('scheduled', 'confirmed')
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PgStore) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.PatientID != nil {
		where += " AND patient_id = " + arg(*f.PatientID)
	}
	if f.ProviderID != nil {
		where += " AND provider_id = " + arg(*f.ProviderID)
	}
	if f.Status != "" {
		where += " AND status = " + arg(string(f.Status))
	}
	if f.StartFrom != nil {
		where += " AND start_time >= " + arg(*f.StartFrom)
	}
	if f.EndTo != nil {
		where += " AND end_time <= " + arg(*f.EndTo)
	}

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT count(*) FROM appointments"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}

	page := f.Page
	if page < 1 {
		page = 1
	}
	pageSize := f.PageSize
	if pageSize < 1 {
		pageSize = 25
	}
	if pageSize > 100 {
		pageSize = 100
	}

	query := "SELECT" + appointmentColumns + " FROM appointments" + where +
		" ORDER BY start_time DESC LIMIT " + arg(pageSize) + " OFFSET " + arg((page-1)*pageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items, err := collectAppointments(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *PgStore) ListOverdueActive(ctx context.Context, now time.Time) ([]Appointment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+appointmentColumns+`
		FROM appointments
		WHERE status IN ('scheduled', 'confirmed')
		  AND end_time < $1
		ORDER BY end_time ASC
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectAppointments(rows)
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
