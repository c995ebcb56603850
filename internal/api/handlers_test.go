package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebook/clinic-scheduling/internal/audit"
	"github.com/carebook/clinic-scheduling/internal/locks"
	"github.com/carebook/clinic-scheduling/internal/schedule"
)

// memStore is a minimal in-memory schedule.Store for handler tests.
type memStore struct {
	mu    sync.Mutex
	appts map[uuid.UUID]schedule.Appointment
}

func newMemStore() *memStore {
	return &memStore{appts: make(map[uuid.UUID]schedule.Appointment)}
}

func (m *memStore) LoadAppointment(_ context.Context, id uuid.UUID) (*schedule.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, schedule.ErrNotFound
	}
	out := a
	out.StatusHistory = append([]schedule.StatusChange(nil), a.StatusHistory...)
	return &out, nil
}

func (m *memStore) SaveAppointment(_ context.Context, a *schedule.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appts[a.ID] = *a
	return nil
}

func (m *memStore) ListActiveByProvider(_ context.Context, providerID uuid.UUID) ([]schedule.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schedule.Appointment
	for _, a := range m.appts {
		if a.ProviderID == providerID && a.Status.Active() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) ListProviderIDs(_ context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[uuid.UUID]struct{}{}
	var ids []uuid.UUID
	for _, a := range m.appts {
		if a.Status.Active() {
			if _, ok := seen[a.ProviderID]; !ok {
				seen[a.ProviderID] = struct{}{}
				ids = append(ids, a.ProviderID)
			}
		}
	}
	return ids, nil
}

func (m *memStore) ListAppointments(_ context.Context, f schedule.ListFilter) ([]schedule.Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schedule.Appointment
	for _, a := range m.appts {
		if f.ProviderID != nil && a.ProviderID != *f.ProviderID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, len(out), nil
}

func (m *memStore) ListOverdueActive(_ context.Context, now time.Time) ([]schedule.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schedule.Appointment
	for _, a := range m.appts {
		if a.Status.Active() && a.EndTime.Before(now) {
			out = append(out, a)
		}
	}
	return out, nil
}

// memSink records audit events for assertions on actor propagation.
type memSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *memSink) Record(_ context.Context, ev audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memSink) lastActor() *uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1].ActorID
}

type apiFixture struct {
	server *httptest.Server
	sink   *memSink
	base   time.Time
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	sink := &memSink{}
	svc := schedule.NewService(
		newMemStore(),
		schedule.NewConflictIndex(time.Second),
		sink,
		locks.NewLocalLocker(time.Second),
		nil,
		zerolog.Nop(),
		schedule.ServiceConfig{DefaultSlotMinutes: 30},
	)

	router := NewRouter(RouterConfig{
		Service: svc,
		Logger:  zerolog.Nop(),
		Env:     "test",
		Version: "test",
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	// A fixed hour boundary tomorrow keeps slot assertions deterministic.
	base := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Hour)
	return &apiFixture{server: server, sink: sink, base: base}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func (f *apiFixture) book(t *testing.T, provider uuid.UUID, startOffset, dur time.Duration) AppointmentResponse {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		ProviderID: provider.String(),
		StartTime:  f.base.Add(startOffset),
		EndTime:    f.base.Add(startOffset + dur),
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", body)

	var appt AppointmentResponse
	require.NoError(t, json.Unmarshal(body, &appt))
	return appt
}

func TestBookEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	provider := uuid.New()
	actor := uuid.New()

	resp, body := f.do(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		ProviderID:  provider.String(),
		ServiceType: "consultation",
		StartTime:   f.base,
		EndTime:     f.base.Add(30 * time.Minute),
	}, map[string]string{"X-Actor-ID": actor.String()})

	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", body)

	var appt AppointmentResponse
	require.NoError(t, json.Unmarshal(body, &appt))
	assert.NotEqual(t, uuid.Nil, appt.ID)
	assert.Equal(t, "scheduled", appt.Status)
	assert.Equal(t, provider, appt.ProviderID)
	require.Len(t, appt.StatusHistory, 1)

	require.NotNil(t, f.sink.lastActor())
	assert.Equal(t, actor, *f.sink.lastActor())
}

func TestBookEndpointValidation(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		ProviderID: "not-a-uuid",
		StartTime:  f.base,
		EndTime:    f.base.Add(30 * time.Minute),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Backwards range.
	resp, body := f.do(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		ProviderID: uuid.New().String(),
		StartTime:  f.base.Add(time.Hour),
		EndTime:    f.base,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "invalid_time_range", errResp.Error)
}

func TestBookConflictReturnsAlternatives(t *testing.T) {
	f := newAPIFixture(t)
	provider := uuid.New()
	f.book(t, provider, 0, 30*time.Minute)

	resp, body := f.do(t, http.MethodPost, "/appointments", BookAppointmentRequest{
		ProviderID: provider.String(),
		StartTime:  f.base,
		EndTime:    f.base.Add(30 * time.Minute),
	}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "appointment_conflict", errResp.Error)
	require.NotEmpty(t, errResp.Alternatives)
	assert.True(t, errResp.Alternatives[0].StartTime.Equal(f.base.Add(30*time.Minute)),
		"first alternative should start right after the blocking booking")
}

func TestGetEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	appt := f.book(t, uuid.New(), 0, 30*time.Minute)

	resp, body := f.do(t, http.MethodGet, "/appointments/"+appt.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got AppointmentResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, appt.ID, got.ID)

	resp, _ = f.do(t, http.MethodGet, "/appointments/"+uuid.New().String(), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/appointments/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	provider := uuid.New()
	f.book(t, provider, 0, 30*time.Minute)
	f.book(t, provider, time.Hour, 30*time.Minute)
	f.book(t, uuid.New(), 0, 30*time.Minute)

	resp, body := f.do(t, http.MethodGet, "/appointments?provider_id="+provider.String(), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list AppointmentListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 2, list.Total)
	assert.Len(t, list.Items, 2)

	resp, _ = f.do(t, http.MethodGet, "/appointments?provider_id=nope", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConfirmEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	appt := f.book(t, uuid.New(), 0, 30*time.Minute)

	resp, body := f.do(t, http.MethodPost, "/appointments/"+appt.ID.String()+"/confirm", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got AppointmentResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "confirmed", got.Status)

	// Confirming twice is a state conflict.
	resp, body = f.do(t, http.MethodPost, "/appointments/"+appt.ID.String()+"/confirm", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "invalid_status_transition", errResp.Error)
}

func TestCancelEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	appt := f.book(t, uuid.New(), 0, 30*time.Minute)

	resp, body := f.do(t, http.MethodPost, "/appointments/"+appt.ID.String()+"/cancel",
		CancelAppointmentRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "cancel_reason_required", errResp.Error)

	resp, body = f.do(t, http.MethodPost, "/appointments/"+appt.ID.String()+"/cancel",
		CancelAppointmentRequest{Reason: "patient request"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got AppointmentResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "cancelled", got.Status)
	require.NotNil(t, got.CancelledReason)
	assert.Equal(t, "patient request", *got.CancelledReason)

	resp, body = f.do(t, http.MethodPost, "/appointments/"+appt.ID.String()+"/cancel",
		CancelAppointmentRequest{Reason: "again"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "already_cancelled", errResp.Error)
}

func TestRescheduleEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	appt := f.book(t, uuid.New(), 0, 30*time.Minute)

	resp, body := f.do(t, http.MethodPost, "/appointments/"+appt.ID.String()+"/reschedule",
		RescheduleAppointmentRequest{
			StartTime: f.base.Add(2 * time.Hour),
			EndTime:   f.base.Add(2*time.Hour + 30*time.Minute),
			Reason:    "provider unavailable",
		}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)

	var got AppointmentResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.NotEqual(t, appt.ID, got.ID)
	require.NotNil(t, got.PreviousAppointmentID)
	assert.Equal(t, appt.ID, *got.PreviousAppointmentID)
	assert.Equal(t, "scheduled", got.Status)

	// The old id now reads back cancelled.
	resp, body = f.do(t, http.MethodGet, "/appointments/"+appt.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "cancelled", got.Status)
}

func TestCompleteEndpointBeforeEnd(t *testing.T) {
	f := newAPIFixture(t)
	appt := f.book(t, uuid.New(), 0, 30*time.Minute)

	resp, body := f.do(t, http.MethodPost, "/appointments/"+appt.ID.String()+"/complete", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "not_yet_ended", errResp.Error)
}

func TestAttachPatientEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	appt := f.book(t, uuid.New(), 0, 30*time.Minute)
	patient := uuid.New()

	resp, body := f.do(t, http.MethodPost, "/appointments/"+appt.ID.String()+"/attach-patient",
		AttachPatientRequest{PatientID: patient.String()}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got AppointmentResponse
	require.NoError(t, json.Unmarshal(body, &got))
	require.NotNil(t, got.PatientID)
	assert.Equal(t, patient, *got.PatientID)

	resp, body = f.do(t, http.MethodPost, "/appointments/"+appt.ID.String()+"/attach-patient",
		AttachPatientRequest{PatientID: uuid.New().String()}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "patient_already_attached", errResp.Error)
}

func TestAvailabilityEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	provider := uuid.New()
	f.book(t, provider, time.Hour, 30*time.Minute)

	path := "/appointments/availability?provider_id=" + provider.String() +
		"&start_from=" + f.base.Format(time.RFC3339) +
		"&end_to=" + f.base.Add(4*time.Hour).Format(time.RFC3339)

	resp, body := f.do(t, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)

	var avail []ProviderAvailabilityResponse
	require.NoError(t, json.Unmarshal(body, &avail))
	require.Len(t, avail, 1)
	assert.Equal(t, provider, avail[0].ProviderID)
	// Four hours minus one booked half hour at the default 30-minute
	// slot width.
	assert.Len(t, avail[0].Slots, 7)

	// Missing window bounds.
	resp, _ = f.do(t, http.MethodGet, "/appointments/availability?provider_id="+provider.String(), nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthLivenessEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodGet, "/health/live", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var live LivenessResponse
	require.NoError(t, json.Unmarshal(body, &live))
	assert.Equal(t, "ok", live.Status)
	assert.Equal(t, "test", live.Version)
	assert.Equal(t, "test", live.Env)
}
