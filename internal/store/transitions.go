package store

import "clinicq/internal/models"

var transitionMap = map[string][]string{
	"approve":      {models.StatusPendingApproval},
	"start":        {models.StatusWaiting},
	"refer_lab":    {models.StatusWaiting, models.StatusInConsultation},
	"lab_complete": {models.StatusWaiting},
	"complete":     {models.StatusInConsultation},
	"cancel":       {models.StatusPendingApproval, models.StatusWaiting},
}

// ValidTransition reports whether an action is allowed from the given
// status. Stage-level guards (lab detour) are checked separately.
func ValidTransition(action, fromStatus string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// StartableStage reports whether a waiting entry's stage permits calling the
// patient in. A patient physically at the lab cannot be started.
func StartableStage(stage string) bool {
	return stage != models.StageLabPending
}
