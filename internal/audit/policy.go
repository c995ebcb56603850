package audit

// Metadata is allowlisted per action so patient-identifying details never
// leak into the trail through free-form keys.

var defaultAllowedKeys = map[string]struct{}{
	"result_count": {},
	"returned":     {},
	"total":        {},
	"page":         {},
	"page_size":    {},
}

var actionAllowedKeys = map[string]map[string]struct{}{
	ActionCreate: {
		"patient_id":  {},
		"provider_id": {},
		"location":    {},
	},
	ActionConfirm: {},
	ActionCancel: {
		"reason": {},
		"notify": {},
	},
	ActionReschedule: {
		"previous_appointment_id": {},
		"previous_start":          {},
		"previous_end":            {},
		"reason":                  {},
	},
	ActionComplete: {
		"auto": {},
	},
	ActionAttachPatient: {
		"patient_id": {},
	},
	ActionRead: {},
	ActionList: {
		"patient_id":  {},
		"provider_id": {},
		"status":      {},
		"start_from":  {},
		"end_to":      {},
	},
	ActionAvailability: {
		"provider_ids": {},
		"location":     {},
		"slot_minutes": {},
		"slot_count":   {},
		"window_start": {},
		"window_end":   {},
	},
}

// SanitizeMetadata drops any key not allowlisted for the action.
func SanitizeMetadata(action string, metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}

	allowed := actionAllowedKeys[action]
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		if _, ok := defaultAllowedKeys[k]; ok {
			out[k] = v
			continue
		}
		if _, ok := allowed[k]; ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
