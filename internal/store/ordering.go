package store

import (
	"fmt"
	"sort"

	"clinicq/internal/models"
)

// OrderWaiting sorts a doctor's lounge into calling order: emergencies
// first, then ascending check-in time.
func OrderWaiting(entries []models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsEmergency != entries[j].IsEmergency {
			return entries[i].IsEmergency
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// DisplayOrder sorts the public TV list: the patient in consultation leads,
// then the lounge in calling order.
func DisplayOrder(entries []models.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		iActive := entries[i].Status == models.StatusInConsultation
		jActive := entries[j].Status == models.StatusInConsultation
		if iActive != jActive {
			return iActive
		}
		if entries[i].IsEmergency != entries[j].IsEmergency {
			return entries[i].IsEmergency
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

// CountAhead counts the waiting, approved entries for the same doctor that
// the calling order would serve before x. For a non-emergency entry that is
// every waiting emergency plus earlier-created non-emergencies; for an
// emergency entry only earlier-created emergencies count.
func CountAhead(entries []models.QueueEntry, x models.QueueEntry) int {
	ahead := 0
	for _, e := range entries {
		if e.ID == x.ID || e.DoctorID != x.DoctorID {
			continue
		}
		if e.Status != models.StatusWaiting || !e.IsApproved {
			continue
		}
		if x.IsEmergency {
			if e.IsEmergency && e.CreatedAt.Before(x.CreatedAt) {
				ahead++
			}
			continue
		}
		if e.IsEmergency || e.CreatedAt.Before(x.CreatedAt) {
			ahead++
		}
	}
	return ahead
}

// EstimateWait converts a queue position into minutes using the clinic's
// average consultation time, falling back to the configured default.
func EstimateWait(peopleAhead, clinicAvgMinutes, defaultAvgMinutes int) int {
	avg := clinicAvgMinutes
	if avg <= 0 {
		avg = defaultAvgMinutes
	}
	if avg <= 0 {
		avg = 12
	}
	return peopleAhead * avg
}

// TokenPrefix selects the visible token class. Entries approved out of the
// pending path get P-, direct walk-ins T-, emergencies always E-.
func TokenPrefix(isEmergency, fromPending bool) string {
	if isEmergency {
		return models.PrefixEmergency
	}
	if fromPending {
		return models.PrefixApproved
	}
	return models.PrefixWalkIn
}

func FormatToken(prefix string, n int64) string {
	return fmt.Sprintf("%s-%d", prefix, n)
}
