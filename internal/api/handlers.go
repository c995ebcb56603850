package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/carebook/clinic-scheduling/internal/schedule"
)

// actorID pulls the acting user from the X-Actor-ID header. Authentication
// itself lives in front of this service; the scheduler only records who acted.
func actorID(r *http.Request) *uuid.UUID {
	raw := r.Header.Get("X-Actor-ID")
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}

func bookAppointmentHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		providerID, err := uuid.Parse(req.ProviderID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
			return
		}

		book := schedule.BookRequest{
			ProviderID:  providerID,
			Location:    req.Location,
			ServiceType: req.ServiceType,
			StartTime:   req.StartTime,
			EndTime:     req.EndTime,
			Notes:       req.Notes,
			ActorID:     actorID(r),
		}
		if req.PatientID != "" {
			patientID, err := uuid.Parse(req.PatientID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
				return
			}
			book.PatientID = &patientID
		}

		appt, err := svc.Book(r.Context(), book)
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func getAppointmentHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		appt, err := svc.Get(r.Context(), id, actorID(r))
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		filter := schedule.ListFilter{
			Status:   schedule.Status(q.Get("status")),
			Page:     intQuery(q.Get("page"), 1),
			PageSize: intQuery(q.Get("page_size"), 25),
		}

		if raw := q.Get("provider_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
				return
			}
			filter.ProviderID = &id
		}
		if raw := q.Get("patient_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
				return
			}
			filter.PatientID = &id
		}
		if raw := q.Get("start_from"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_start_from", "start_from must be RFC3339")
				return
			}
			filter.StartFrom = &t
		}
		if raw := q.Get("end_to"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_end_to", "end_to must be RFC3339")
				return
			}
			filter.EndTo = &t
		}

		items, total, err := svc.List(r.Context(), filter, actorID(r))
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		resp := AppointmentListResponse{
			Items:    make([]AppointmentResponse, 0, len(items)),
			Page:     filter.Page,
			PageSize: filter.PageSize,
			Total:    total,
		}
		for i := range items {
			resp.Items = append(resp.Items, toAppointmentResponse(&items[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func confirmAppointmentHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		appt, err := svc.Confirm(r.Context(), id, actorID(r))
		if err != nil {
			handleScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		var req CancelAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.Cancel(r.Context(), schedule.CancelRequest{
			AppointmentID: id,
			Reason:        req.Reason,
			NotifyPatient: req.NotifyPatient,
			ActorID:       actorID(r),
		})
		if err != nil {
			handleScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func rescheduleAppointmentHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		var req RescheduleAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.Reschedule(r.Context(), schedule.RescheduleRequest{
			AppointmentID: id,
			StartTime:     req.StartTime,
			EndTime:       req.EndTime,
			Reason:        req.Reason,
			ActorID:       actorID(r),
		})
		if err != nil {
			handleScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func completeAppointmentHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		appt, err := svc.Complete(r.Context(), id, actorID(r))
		if err != nil {
			handleScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func attachPatientHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		var req AttachPatientRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}

		appt, err := svc.AttachPatient(r.Context(), id, patientID, actorID(r))
		if err != nil {
			handleScheduleError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func availabilityHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var providerIDs []uuid.UUID
		for _, raw := range q["provider_id"] {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_provider_id", "provider_id must be a valid UUID")
				return
			}
			providerIDs = append(providerIDs, id)
		}

		startFrom, err := time.Parse(time.RFC3339, q.Get("start_from"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start_from", "start_from must be RFC3339")
			return
		}
		endTo, err := time.Parse(time.RFC3339, q.Get("end_to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_end_to", "end_to must be RFC3339")
			return
		}

		query := schedule.AvailabilityQuery{
			ProviderIDs: providerIDs,
			Window:      schedule.TimeRange{Start: startFrom, End: endTo},
			SlotMinutes: intQuery(q.Get("slot_minutes"), 0),
			Location:    q.Get("location"),
		}
		if raw := q.Get("exclude_appointment_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_exclude_appointment_id", "exclude_appointment_id must be a valid UUID")
				return
			}
			query.ExcludeAppointmentID = id
		}

		result, err := svc.GetAvailability(r.Context(), query, actorID(r))
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		resp := make([]ProviderAvailabilityResponse, 0, len(result))
		for _, pa := range result {
			resp = append(resp, ProviderAvailabilityResponse{
				ProviderID: pa.ProviderID,
				Location:   pa.Location,
				Slots:      toSlotResponses(pa.Slots),
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func parseIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func handleScheduleError(w http.ResponseWriter, err error) {
	var conflict *schedule.ConflictError
	var auditFailure *schedule.AuditFailureError

	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:        "appointment_conflict",
			Details:      conflict.Error(),
			Alternatives: toSlotResponses(conflict.Alternatives),
		})
	case errors.Is(err, schedule.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, "invalid_time_range", err.Error())
	case errors.Is(err, schedule.ErrInvalidWindow):
		writeError(w, http.StatusBadRequest, "invalid_window", err.Error())
	case errors.Is(err, schedule.ErrCancelReasonRequired):
		writeError(w, http.StatusBadRequest, "cancel_reason_required", err.Error())
	case errors.Is(err, schedule.ErrNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, schedule.ErrAlreadyCancelled):
		writeError(w, http.StatusConflict, "already_cancelled", err.Error())
	case errors.Is(err, schedule.ErrNotYetEnded):
		writeError(w, http.StatusConflict, "not_yet_ended", err.Error())
	case errors.Is(err, schedule.ErrPatientAttached):
		writeError(w, http.StatusConflict, "patient_already_attached", err.Error())
	case errors.Is(err, schedule.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	case errors.Is(err, schedule.ErrServiceBusy):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "schedule_busy", "this schedule is being modified, please retry shortly")
	case errors.As(err, &auditFailure):
		writeError(w, http.StatusInternalServerError, "audit_write_failed", auditFailure.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
