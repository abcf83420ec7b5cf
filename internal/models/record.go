package models

import "time"

// VisitRecord is the immutable archival summary written when a visit
// completes. It replaces the live QueueEntry.
type VisitRecord struct {
	ID              string    `json:"id"`
	ClinicID        string    `json:"clinic_id"`
	DoctorID        string    `json:"doctor_id"`
	PatientName     string    `json:"patient_name"`
	PatientPhone    string    `json:"patient_phone,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	RequiredTest    string    `json:"required_test,omitempty"`
	DurationMinutes int       `json:"duration_minutes"`
	VisitDate       time.Time `json:"visit_date"`
}

// Doctor is the roster read model. The staff service owns everything here
// except the availability flag, which doctors toggle themselves.
type Doctor struct {
	ID             string `json:"id"`
	ClinicID       string `json:"clinic_id"`
	Name           string `json:"name"`
	Specialization string `json:"specialization,omitempty"`
	IsAvailable    bool   `json:"is_available"`
}

type Clinic struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
	// AvgConsultMinutes overrides the configured default when positive.
	AvgConsultMinutes int `json:"avg_consult_minutes,omitempty"`
}
