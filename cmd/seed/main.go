package main

import (
	"context"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/carebook/clinic-scheduling/internal/db"
	"github.com/carebook/clinic-scheduling/internal/schedule"
)

var log = zerolog.New(os.Stderr).With().Timestamp().Str("service", "seed").Logger()

func main() {
	log.Info().Msg("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal().Msg("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedAppointments(context.Background(), pool, 25, 14); err != nil {
		log.Fatal().Err(err).Msg("seed appointments")
	}

	log.Info().Msg("seed complete")
}

// seedAppointments fills a weekday working window per provider with
// back-to-back and gapped bookings. Intervals within one provider never
// overlap so the seeded data satisfies the no-double-booking rule.
func seedAppointments(ctx context.Context, pool *pgxpool.Pool, providers, days int) error {
	log.Info().Int("providers", providers).Int("days", days).Msg("seeding appointments")

	locations := []string{"", "room-1", "room-2", "telehealth"}
	serviceTypes := []string{"consultation", "follow-up", "physical", "vaccination", "lab-review"}
	slotMinutes := []int{15, 20, 30, 45, 60}

	dayStart := time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)

	const batchSize = 500
	total := 0

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}

	for p := 0; p < providers; p++ {
		providerID := uuid.New()

		for d := 0; d < days; d++ {
			cursor := dayStart.AddDate(0, 0, d).Add(8 * time.Hour)
			dayEnd := cursor.Add(9 * time.Hour)

			for {
				dur := time.Duration(slotMinutes[gofakeit.Number(0, len(slotMinutes)-1)]) * time.Minute
				if cursor.Add(dur).After(dayEnd) {
					break
				}

				appt := schedule.Appointment{
					ID:          uuid.New(),
					ProviderID:  providerID,
					ServiceType: serviceTypes[gofakeit.Number(0, len(serviceTypes)-1)],
					Status:      schedule.StatusScheduled,
					StartTime:   cursor,
					EndTime:     cursor.Add(dur),
				}
				if gofakeit.Bool() {
					pid := uuid.New()
					appt.PatientID = &pid
					appt.Status = schedule.StatusConfirmed
				}
				var loc *string
				if l := locations[gofakeit.Number(0, len(locations)-1)]; l != "" {
					loc = &l
				}

				_, err := tx.Exec(ctx, `
					INSERT INTO appointments (id, patient_id, provider_id, location, service_type, start_time, end_time, status, notes, created_at, updated_at)
					VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
				`, appt.ID, appt.PatientID, appt.ProviderID, loc, appt.ServiceType, appt.StartTime, appt.EndTime, string(appt.Status), gofakeit.Sentence(6))
				if err != nil {
					_ = tx.Rollback(ctx)
					return err
				}

				total++
				if total%batchSize == 0 {
					if err := tx.Commit(ctx); err != nil {
						return err
					}
					tx, err = pool.Begin(ctx)
					if err != nil {
						return err
					}
					log.Info().Int("appointments", total).Msg("seeded")
				}

				// Leave occasional free gaps so availability queries
				// return something interesting.
				cursor = cursor.Add(dur)
				if gofakeit.Number(0, 3) == 0 {
					cursor = cursor.Add(time.Duration(gofakeit.Number(1, 4)*15) * time.Minute)
				}
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.Info().Int("appointments", total).Msg("appointments seeded")
	return nil
}
