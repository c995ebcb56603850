package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/carebook/clinic-scheduling/internal/schedule"
)

type BookAppointmentRequest struct {
	PatientID   string    `json:"patient_id,omitempty"`
	ProviderID  string    `json:"provider_id"`
	Location    string    `json:"location,omitempty"`
	ServiceType string    `json:"service_type,omitempty"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Notes       string    `json:"notes,omitempty"`
}

type RescheduleAppointmentRequest struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Reason    string    `json:"reason,omitempty"`
}

type CancelAppointmentRequest struct {
	Reason        string `json:"reason"`
	NotifyPatient bool   `json:"notify_patient"`
}

type AttachPatientRequest struct {
	PatientID string `json:"patient_id"`
}

type StatusChangeResponse struct {
	Status    string     `json:"status"`
	ChangedAt time.Time  `json:"changed_at"`
	ChangedBy *uuid.UUID `json:"changed_by,omitempty"`
	Note      *string    `json:"note,omitempty"`
}

type AppointmentResponse struct {
	ID                    uuid.UUID              `json:"id"`
	PatientID             *uuid.UUID             `json:"patient_id,omitempty"`
	ProviderID            uuid.UUID              `json:"provider_id"`
	Location              string                 `json:"location,omitempty"`
	ServiceType           string                 `json:"service_type,omitempty"`
	StartTime             time.Time              `json:"start_time"`
	EndTime               time.Time              `json:"end_time"`
	Status                string                 `json:"status"`
	Notes                 string                 `json:"notes,omitempty"`
	CancelledReason       *string                `json:"cancelled_reason,omitempty"`
	CancelledAt           *time.Time             `json:"cancelled_at,omitempty"`
	PreviousAppointmentID *uuid.UUID             `json:"previous_appointment_id,omitempty"`
	CreatedAt             time.Time              `json:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at"`
	StatusHistory         []StatusChangeResponse `json:"status_history,omitempty"`
}

type SlotResponse struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

type ProviderAvailabilityResponse struct {
	ProviderID uuid.UUID      `json:"provider_id"`
	Location   string         `json:"location,omitempty"`
	Slots      []SlotResponse `json:"slots"`
}

type AppointmentListResponse struct {
	Items    []AppointmentResponse `json:"items"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
	Total    int                   `json:"total"`
}

type ErrorResponse struct {
	Error        string         `json:"error"`
	Details      string         `json:"details,omitempty"`
	Alternatives []SlotResponse `json:"alternatives,omitempty"`
}

func toAppointmentResponse(a *schedule.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:                    a.ID,
		PatientID:             a.PatientID,
		ProviderID:            a.ProviderID,
		Location:              a.Location,
		ServiceType:           a.ServiceType,
		StartTime:             a.StartTime,
		EndTime:               a.EndTime,
		Status:                string(a.Status),
		Notes:                 a.Notes,
		CancelledReason:       a.CancelledReason,
		CancelledAt:           a.CancelledAt,
		PreviousAppointmentID: a.PreviousAppointmentID,
		CreatedAt:             a.CreatedAt,
		UpdatedAt:             a.UpdatedAt,
	}
	for _, entry := range a.StatusHistory {
		resp.StatusHistory = append(resp.StatusHistory, StatusChangeResponse{
			Status:    string(entry.Status),
			ChangedAt: entry.ChangedAt,
			ChangedBy: entry.ChangedBy,
			Note:      entry.Note,
		})
	}
	return resp
}

func toSlotResponses(slots []schedule.TimeRange) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, slot := range slots {
		out = append(out, SlotResponse{StartTime: slot.Start, EndTime: slot.End})
	}
	return out
}
