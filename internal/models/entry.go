package models

import "time"

// QueueEntry is one patient's live attempt to see a doctor, from check-in
// until completion or cancellation. Completed entries are archived as
// VisitRecords and deleted from the live set.
type QueueEntry struct {
	ID           string     `json:"id"`
	ClinicID     string     `json:"clinic_id"`
	DoctorID     string     `json:"doctor_id"`
	PatientName  string     `json:"patient_name"`
	PatientPhone string     `json:"patient_phone,omitempty"`
	TokenNumber  string     `json:"token_number,omitempty"`
	Status       string     `json:"status"`
	IsApproved   bool       `json:"is_approved"`
	IsEmergency  bool       `json:"is_emergency"`
	VisitType    string     `json:"visit_type"`
	CurrentStage string     `json:"current_stage"`
	RequiredTest string     `json:"required_test,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

const (
	StatusPendingApproval = "Pending-Approval"
	StatusWaiting         = "Waiting"
	StatusInConsultation  = "In-Consultation"
	StatusCompleted       = "Completed"
	// StatusSkipped is declared for wire compatibility; no transition
	// currently produces it.
	StatusSkipped = "Skipped"
)

const (
	StageWaiting        = "Waiting"
	StageInConsultation = "In-Consultation"
	StageLabPending     = "Lab-Pending"
	StageLabCompleted   = "Lab-Completed"
)

const (
	VisitWalkIn      = "Walk-in"
	VisitAppointment = "Appointment"
)

// Token prefixes select the visible class of a token number. The integer
// portion is sequenced independently per (clinic, day, prefix).
const (
	PrefixEmergency = "E"
	PrefixWalkIn    = "T"
	PrefixApproved  = "P"
)
