package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/google/uuid"
)

// Store keeps the whole queue state under one mutex. It backs unit and
// concurrency tests and DSN-less development runs; postgres is the
// authoritative implementation.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*models.QueueEntry
	records  []models.VisitRecord
	doctors  map[string]*models.Doctor
	clinics  map[string]*models.Clinic
	byCode   map[string]string
	sessions map[string]store.Session
	counters map[string]int64
	outbox   []store.OutboxEvent
	offset   store.OutboxOffset
}

func NewStore() *Store {
	return &Store{
		entries:  make(map[string]*models.QueueEntry),
		doctors:  make(map[string]*models.Doctor),
		clinics:  make(map[string]*models.Clinic),
		byCode:   make(map[string]string),
		sessions: make(map[string]store.Session),
		counters: make(map[string]int64),
	}
}

// Seeding helpers for tests and local runs.

func (s *Store) AddClinic(clinic models.Clinic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := clinic
	s.clinics[c.ID] = &c
	s.byCode[strings.ToUpper(c.Code)] = c.ID
}

func (s *Store) AddDoctor(doctor models.Doctor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := doctor
	s.doctors[d.ID] = &d
}

func (s *Store) AddSession(session store.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
}

func (s *Store) SelfCheckIn(ctx context.Context, input store.SelfCheckInInput) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clinicID, ok := s.byCode[strings.ToUpper(input.ClinicCode)]
	if !ok {
		return models.QueueEntry{}, store.ErrClinicNotFound
	}
	doctor, ok := s.doctors[input.DoctorID]
	if !ok || doctor.ClinicID != clinicID {
		return models.QueueEntry{}, store.ErrDoctorNotFound
	}

	entry := models.QueueEntry{
		ID:           uuid.NewString(),
		ClinicID:     clinicID,
		DoctorID:     input.DoctorID,
		PatientName:  input.PatientName,
		PatientPhone: input.PatientPhone,
		Status:       models.StatusPendingApproval,
		VisitType:    models.VisitWalkIn,
		CurrentStage: models.StageWaiting,
		CreatedAt:    orNow(input.CreatedAt),
	}
	s.entries[entry.ID] = &entry
	s.appendEvent(store.EventQueueUpdate, entry.ClinicID, entry.ID, entry.DoctorID)
	return entry, nil
}

func (s *Store) AddWalkIn(ctx context.Context, input store.WalkInInput) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clinics[input.ClinicID]; !ok {
		return models.QueueEntry{}, store.ErrClinicNotFound
	}
	doctor, ok := s.doctors[input.DoctorID]
	if !ok || doctor.ClinicID != input.ClinicID {
		return models.QueueEntry{}, store.ErrDoctorNotFound
	}

	createdAt := orNow(input.CreatedAt)
	prefix := store.TokenPrefix(input.IsEmergency, false)
	token := store.FormatToken(prefix, s.nextToken(input.ClinicID, createdAt, prefix))

	visitType := input.VisitType
	if visitType == "" {
		visitType = models.VisitWalkIn
	}
	entry := models.QueueEntry{
		ID:           uuid.NewString(),
		ClinicID:     input.ClinicID,
		DoctorID:     input.DoctorID,
		PatientName:  input.PatientName,
		PatientPhone: input.PatientPhone,
		TokenNumber:  token,
		Status:       models.StatusWaiting,
		IsApproved:   true,
		IsEmergency:  input.IsEmergency,
		VisitType:    visitType,
		CurrentStage: models.StageWaiting,
		CreatedAt:    createdAt,
	}
	s.entries[entry.ID] = &entry
	s.appendEvent(store.EventQueueUpdate, entry.ClinicID, entry.ID, entry.DoctorID)
	return entry, nil
}

func (s *Store) ApproveEntry(ctx context.Context, input store.ApproveInput) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[input.EntryID]
	if !ok || entry.ClinicID != input.ClinicID {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	if !store.ValidTransition("approve", entry.Status) {
		return models.QueueEntry{}, store.ErrInvalidState
	}

	prefix := store.TokenPrefix(input.IsEmergency, true)
	entry.TokenNumber = store.FormatToken(prefix, s.nextToken(entry.ClinicID, orNow(input.ApprovedAt), prefix))
	entry.IsApproved = true
	entry.IsEmergency = input.IsEmergency
	entry.Status = models.StatusWaiting
	s.appendEvent(store.EventQueueUpdate, entry.ClinicID, entry.ID, entry.DoctorID)
	return *entry, nil
}

func (s *Store) StartConsultation(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[input.EntryID]
	if !ok || entry.ClinicID != input.ClinicID {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	if !store.ValidTransition("start", entry.Status) || !entry.IsApproved {
		return models.QueueEntry{}, store.ErrInvalidState
	}
	if !store.StartableStage(entry.CurrentStage) {
		return models.QueueEntry{}, store.ErrInvalidState
	}
	for _, other := range s.entries {
		if other.DoctorID == entry.DoctorID && other.Status == models.StatusInConsultation {
			return models.QueueEntry{}, store.ErrDoctorBusy
		}
	}

	started := orNow(input.OccurredAt)
	entry.Status = models.StatusInConsultation
	entry.CurrentStage = models.StageInConsultation
	entry.StartTime = &started
	s.appendEvent(store.EventQueueUpdate, entry.ClinicID, entry.ID, entry.DoctorID)
	return *entry, nil
}

func (s *Store) ReferToLab(ctx context.Context, input store.ReferToLabInput) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[input.EntryID]
	if !ok || entry.ClinicID != input.ClinicID {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	if !store.ValidTransition("refer_lab", entry.Status) || !entry.IsApproved {
		return models.QueueEntry{}, store.ErrInvalidState
	}

	entry.Status = models.StatusWaiting
	entry.CurrentStage = models.StageLabPending
	entry.RequiredTest = input.TestName
	entry.StartTime = nil
	s.appendEvent(store.EventQueueUpdate, entry.ClinicID, entry.ID, entry.DoctorID)
	return *entry, nil
}

func (s *Store) CompleteLabTask(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[input.EntryID]
	if !ok || entry.ClinicID != input.ClinicID {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	if entry.CurrentStage != models.StageLabPending {
		return models.QueueEntry{}, store.ErrInvalidState
	}

	entry.CurrentStage = models.StageLabCompleted
	s.appendEvent(store.EventQueueUpdate, entry.ClinicID, entry.ID, entry.DoctorID)
	return *entry, nil
}

func (s *Store) CompleteVisit(ctx context.Context, input store.CompleteVisitInput) (models.VisitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[input.EntryID]
	if !ok || entry.ClinicID != input.ClinicID {
		return models.VisitRecord{}, store.ErrEntryNotFound
	}
	if !store.ValidTransition("complete", entry.Status) {
		return models.VisitRecord{}, store.ErrInvalidState
	}

	completedAt := orNow(input.CompletedAt)
	duration := 0
	if entry.StartTime != nil {
		duration = int(completedAt.Sub(*entry.StartTime).Round(time.Minute) / time.Minute)
		if duration < 0 {
			duration = 0
		}
	}

	record := models.VisitRecord{
		ID:              uuid.NewString(),
		ClinicID:        entry.ClinicID,
		DoctorID:        entry.DoctorID,
		PatientName:     entry.PatientName,
		PatientPhone:    entry.PatientPhone,
		Notes:           input.Notes,
		RequiredTest:    entry.RequiredTest,
		DurationMinutes: duration,
		VisitDate:       completedAt,
	}
	s.records = append(s.records, record)
	delete(s.entries, entry.ID)
	s.appendEvent(store.EventQueueUpdate, record.ClinicID, input.EntryID, record.DoctorID)
	return record, nil
}

func (s *Store) CancelEntry(ctx context.Context, clinicID, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(clinicID, entryID)
}

func (s *Store) CancelOwnEntry(ctx context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok {
		return store.ErrEntryNotFound
	}
	return s.cancelLocked(entry.ClinicID, entryID)
}

func (s *Store) cancelLocked(clinicID, entryID string) error {
	entry, ok := s.entries[entryID]
	if !ok || entry.ClinicID != clinicID {
		return store.ErrEntryNotFound
	}
	if !store.ValidTransition("cancel", entry.Status) {
		return store.ErrInvalidState
	}
	delete(s.entries, entryID)
	s.appendEvent(store.EventQueueUpdate, clinicID, entryID, entry.DoctorID)
	return nil
}

func (s *Store) GetEntry(ctx context.Context, clinicID, entryID string) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryID]
	if !ok || entry.ClinicID != clinicID {
		return models.QueueEntry{}, store.ErrEntryNotFound
	}
	return *entry, nil
}

func (s *Store) ListPending(ctx context.Context, clinicID string) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QueueEntry
	for _, entry := range s.entries {
		if entry.ClinicID == clinicID && entry.Status == models.StatusPendingApproval {
			out = append(out, *entry)
		}
	}
	sortByCreated(out)
	return out, nil
}

func (s *Store) ListLiveQueue(ctx context.Context, clinicID string) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QueueEntry
	for _, entry := range s.entries {
		if entry.ClinicID == clinicID && entry.IsApproved && liveStatus(entry.Status) {
			out = append(out, *entry)
		}
	}
	sortByCreated(out)
	store.OrderWaiting(out)
	return out, nil
}

func (s *Store) ListDoctorQueue(ctx context.Context, clinicID, doctorID string) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QueueEntry
	for _, entry := range s.entries {
		if entry.ClinicID == clinicID && entry.DoctorID == doctorID && entry.IsApproved && liveStatus(entry.Status) {
			out = append(out, *entry)
		}
	}
	sortByCreated(out)
	store.OrderWaiting(out)
	return out, nil
}

func (s *Store) PublicDoctorQueue(ctx context.Context, doctorID string) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QueueEntry
	for _, entry := range s.entries {
		if entry.DoctorID == doctorID && entry.IsApproved && liveStatus(entry.Status) {
			e := *entry
			e.PatientPhone = ""
			out = append(out, e)
		}
	}
	store.DisplayOrder(out)
	return out, nil
}

func (s *Store) GetPublicStatus(ctx context.Context, entryID string, defaultConsultMinutes int) (store.PublicStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[entryID]
	if !ok {
		return store.PublicStatus{Completed: true}, nil
	}
	if !entry.IsApproved {
		return store.PublicStatus{PendingApproval: true, PatientName: entry.PatientName}, nil
	}

	var peers []models.QueueEntry
	for _, e := range s.entries {
		peers = append(peers, *e)
	}
	ahead := store.CountAhead(peers, *entry)

	clinicAvg := 0
	if clinic, ok := s.clinics[entry.ClinicID]; ok {
		clinicAvg = clinic.AvgConsultMinutes
	}
	onBreak := false
	if doctor, ok := s.doctors[entry.DoctorID]; ok {
		onBreak = !doctor.IsAvailable
	}

	return store.PublicStatus{
		PatientName:   entry.PatientName,
		TokenNumber:   entry.TokenNumber,
		Status:        entry.Status,
		PeopleAhead:   ahead,
		EstimatedWait: store.EstimateWait(ahead, clinicAvg, defaultConsultMinutes),
		DoctorOnBreak: onBreak,
	}, nil
}

func (s *Store) ListVisitRecords(ctx context.Context, clinicID string) ([]models.VisitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.VisitRecord
	for _, record := range s.records {
		if record.ClinicID == clinicID {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VisitDate.After(out[j].VisitDate) })
	return out, nil
}

func (s *Store) ListPatientHistory(ctx context.Context, phone string) ([]models.VisitRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	needle := normalizePhone(phone)
	var out []models.VisitRecord
	for _, record := range s.records {
		if normalizePhone(record.PatientPhone) == needle {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VisitDate.After(out[j].VisitDate) })
	return out, nil
}

func (s *Store) ListDoctors(ctx context.Context, clinicID string) ([]models.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Doctor
	for _, doctor := range s.doctors {
		if doctor.ClinicID == clinicID {
			out = append(out, *doctor)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) PublicDoctors(ctx context.Context, clinicCode string) (models.Clinic, []models.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clinicID, ok := s.byCode[strings.ToUpper(clinicCode)]
	if !ok {
		return models.Clinic{}, nil, store.ErrClinicNotFound
	}
	clinic := *s.clinics[clinicID]
	var out []models.Doctor
	for _, doctor := range s.doctors {
		if doctor.ClinicID == clinicID {
			out = append(out, *doctor)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return clinic, out, nil
}

func (s *Store) SetDoctorAvailability(ctx context.Context, clinicID, doctorID string, available bool) (models.Doctor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doctor, ok := s.doctors[doctorID]
	if !ok || doctor.ClinicID != clinicID {
		return models.Doctor{}, store.ErrDoctorNotFound
	}
	doctor.IsAvailable = available
	s.appendEvent(store.EventDoctorStatusChanged, clinicID, "", doctorID)
	// Staff rosters render availability, so they refresh too.
	s.appendEvent(store.EventStaffListUpdated, clinicID, "", doctorID)
	return *doctor, nil
}

func (s *Store) GetClinicSettings(ctx context.Context, clinicID string) (models.Clinic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clinic, ok := s.clinics[clinicID]
	if !ok {
		return models.Clinic{}, store.ErrClinicNotFound
	}
	return *clinic, nil
}

func (s *Store) UpdateClinicSettings(ctx context.Context, clinicID string, avgConsultMinutes int) (models.Clinic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clinic, ok := s.clinics[clinicID]
	if !ok {
		return models.Clinic{}, store.ErrClinicNotFound
	}
	clinic.AvgConsultMinutes = avgConsultMinutes
	s.appendEvent(store.EventClinicSettingsUpdated, clinicID, "", "")
	return *clinic, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok || session.ExpiresAt.Before(time.Now()) {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	start := 0
	if offset.LastEventID != "" {
		for i, event := range s.outbox {
			if event.EventID == offset.LastEventID {
				start = i + 1
				break
			}
		}
	}
	var out []store.OutboxEvent
	for _, event := range s.outbox[start:] {
		// The id may have been trimmed already; the time filter covers that.
		if start == 0 && !event.CreatedAt.After(offset.LastEventTime) {
			continue
		}
		out = append(out, event)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetOffset(ctx context.Context) (store.OutboxOffset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset, nil
}

func (s *Store) UpdateOffset(ctx context.Context, offset store.OutboxOffset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = offset
	return nil
}

func (s *Store) CleanupOutbox(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.outbox[:0]
	for _, event := range s.outbox {
		if !event.CreatedAt.Before(before) {
			kept = append(kept, event)
		}
	}
	s.outbox = kept
	return nil
}

func (s *Store) PurgeStalePending(ctx context.Context, maxAge time.Duration, batchSize int) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	purged := 0
	for id, entry := range s.entries {
		if purged >= batchSize {
			break
		}
		if entry.Status != models.StatusPendingApproval || entry.CreatedAt.After(cutoff) {
			continue
		}
		clinicID, doctorID := entry.ClinicID, entry.DoctorID
		delete(s.entries, id)
		s.appendEvent(store.EventQueueUpdate, clinicID, id, doctorID)
		purged++
	}
	return purged, nil
}

// nextToken mirrors the postgres counter upsert: one integer sequence per
// (clinic, calendar day, prefix class). Callers hold s.mu.
func (s *Store) nextToken(clinicID string, at time.Time, prefix string) int64 {
	key := clinicID + "|" + at.UTC().Format("2006-01-02") + "|" + prefix
	s.counters[key]++
	return s.counters[key]
}

func (s *Store) appendEvent(eventType, clinicID, entryID, doctorID string) {
	payload, _ := json.Marshal(map[string]string{
		"clinic_id": clinicID,
		"entry_id":  entryID,
		"doctor_id": doctorID,
	})
	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:   uuid.NewString(),
		ClinicID:  clinicID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
}

func liveStatus(status string) bool {
	return status == models.StatusWaiting || status == models.StatusInConsultation
}

func sortByCreated(entries []models.QueueEntry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
}

func normalizePhone(phone string) string {
	var digits []rune
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	return string(digits)
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
