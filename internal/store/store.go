package store

import (
	"context"
	"encoding/json"
	"time"

	"clinicq/internal/models"
)

type SelfCheckInInput struct {
	ClinicCode   string
	DoctorID     string
	PatientName  string
	PatientPhone string
	CreatedAt    time.Time
}

type WalkInInput struct {
	ClinicID     string
	DoctorID     string
	PatientName  string
	PatientPhone string
	VisitType    string
	IsEmergency  bool
	CreatedAt    time.Time
}

type ApproveInput struct {
	ClinicID    string
	EntryID     string
	IsEmergency bool
	ApprovedAt  time.Time
}

type EntryActionInput struct {
	ClinicID   string
	EntryID    string
	OccurredAt time.Time
}

type ReferToLabInput struct {
	ClinicID   string
	EntryID    string
	TestName   string
	OccurredAt time.Time
}

type CompleteVisitInput struct {
	ClinicID    string
	EntryID     string
	Notes       string
	CompletedAt time.Time
}

// PublicStatus is the anonymous-safe tracker view. Completed and
// PendingApproval are mutually exclusive with the remaining fields.
type PublicStatus struct {
	Completed       bool   `json:"is_completed,omitempty"`
	PendingApproval bool   `json:"is_pending_approval,omitempty"`
	PatientName     string `json:"patient_name,omitempty"`
	TokenNumber     string `json:"token_number,omitempty"`
	Status          string `json:"status,omitempty"`
	PeopleAhead     int    `json:"people_ahead"`
	EstimatedWait   int    `json:"estimated_wait"`
	DoctorOnBreak   bool   `json:"is_doctor_on_break"`
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	ClinicID  string          `json:"clinic_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type OutboxOffset struct {
	LastEventTime time.Time
	LastEventID   string
}

// Session is supplied by the identity collaborator; the engine only reads it.
type Session struct {
	SessionID string
	UserID    string
	Role      string
	ClinicID  string
	ExpiresAt time.Time
}

// Signal event names published on the broadcast channels. They carry no
// authoritative payload; subscribers re-query on receipt.
const (
	EventQueueUpdate           = "queueUpdate"
	EventDoctorStatusChanged   = "doctorStatusChanged"
	EventStaffListUpdated      = "staffListUpdated"
	EventClinicSettingsUpdated = "clinicSettingsUpdated"
)

type EntryStore interface {
	SelfCheckIn(ctx context.Context, input SelfCheckInInput) (models.QueueEntry, error)
	AddWalkIn(ctx context.Context, input WalkInInput) (models.QueueEntry, error)
	ApproveEntry(ctx context.Context, input ApproveInput) (models.QueueEntry, error)
	StartConsultation(ctx context.Context, input EntryActionInput) (models.QueueEntry, error)
	ReferToLab(ctx context.Context, input ReferToLabInput) (models.QueueEntry, error)
	CompleteLabTask(ctx context.Context, input EntryActionInput) (models.QueueEntry, error)
	CompleteVisit(ctx context.Context, input CompleteVisitInput) (models.VisitRecord, error)
	CancelEntry(ctx context.Context, clinicID, entryID string) error
	CancelOwnEntry(ctx context.Context, entryID string) error

	GetEntry(ctx context.Context, clinicID, entryID string) (models.QueueEntry, error)
	ListPending(ctx context.Context, clinicID string) ([]models.QueueEntry, error)
	ListLiveQueue(ctx context.Context, clinicID string) ([]models.QueueEntry, error)
	ListDoctorQueue(ctx context.Context, clinicID, doctorID string) ([]models.QueueEntry, error)
	PublicDoctorQueue(ctx context.Context, doctorID string) ([]models.QueueEntry, error)
	GetPublicStatus(ctx context.Context, entryID string, defaultConsultMinutes int) (PublicStatus, error)

	ListVisitRecords(ctx context.Context, clinicID string) ([]models.VisitRecord, error)
	ListPatientHistory(ctx context.Context, phone string) ([]models.VisitRecord, error)

	ListDoctors(ctx context.Context, clinicID string) ([]models.Doctor, error)
	PublicDoctors(ctx context.Context, clinicCode string) (models.Clinic, []models.Doctor, error)
	SetDoctorAvailability(ctx context.Context, clinicID, doctorID string, available bool) (models.Doctor, error)

	GetClinicSettings(ctx context.Context, clinicID string) (models.Clinic, error)
	UpdateClinicSettings(ctx context.Context, clinicID string, avgConsultMinutes int) (models.Clinic, error)

	GetSession(ctx context.Context, sessionID string) (Session, error)

	ListOutboxEvents(ctx context.Context, offset OutboxOffset, limit int) ([]OutboxEvent, error)
	GetOffset(ctx context.Context) (OutboxOffset, error)
	UpdateOffset(ctx context.Context, offset OutboxOffset) error
	CleanupOutbox(ctx context.Context, before time.Time) error

	PurgeStalePending(ctx context.Context, maxAge time.Duration, batchSize int) (int, error)
}
