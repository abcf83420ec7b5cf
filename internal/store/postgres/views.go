package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *Store) GetEntry(ctx context.Context, clinicID, entryID string) (models.QueueEntry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE entry_id = $1 AND clinic_id = $2
	`, entryID, clinicID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) ListPending(ctx context.Context, clinicID string) ([]models.QueueEntry, error) {
	return s.listEntries(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE clinic_id = $1 AND status = $2
		ORDER BY created_at
	`, clinicID, models.StatusPendingApproval)
}

func (s *Store) ListLiveQueue(ctx context.Context, clinicID string) ([]models.QueueEntry, error) {
	entries, err := s.listEntries(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE clinic_id = $1 AND status IN ($2, $3)
		ORDER BY created_at
	`, clinicID, models.StatusWaiting, models.StatusInConsultation)
	if err != nil {
		return nil, err
	}
	store.OrderWaiting(entries)
	return entries, nil
}

func (s *Store) ListDoctorQueue(ctx context.Context, clinicID, doctorID string) ([]models.QueueEntry, error) {
	entries, err := s.listEntries(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE clinic_id = $1 AND doctor_id = $2 AND status IN ($3, $4)
		ORDER BY created_at
	`, clinicID, doctorID, models.StatusWaiting, models.StatusInConsultation)
	if err != nil {
		return nil, err
	}
	store.OrderWaiting(entries)
	return entries, nil
}

func (s *Store) PublicDoctorQueue(ctx context.Context, doctorID string) ([]models.QueueEntry, error) {
	var one int
	row := s.pool.QueryRow(ctx, `SELECT 1 FROM doctors WHERE doctor_id = $1`, doctorID)
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrDoctorNotFound
		}
		return nil, err
	}
	entries, err := s.listEntries(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE doctor_id = $1 AND is_approved = TRUE AND status IN ($2, $3)
		ORDER BY created_at
	`, doctorID, models.StatusWaiting, models.StatusInConsultation)
	if err != nil {
		return nil, err
	}
	store.DisplayOrder(entries)
	return entries, nil
}

func (s *Store) GetPublicStatus(ctx context.Context, entryID string, defaultConsultMinutes int) (store.PublicStatus, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE entry_id = $1
	`, entryID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// A missing entry means the visit finished and was archived,
			// or it never existed. The tracker treats both as done.
			return store.PublicStatus{Completed: true}, nil
		}
		return store.PublicStatus{}, err
	}

	if entry.Status == models.StatusPendingApproval {
		return store.PublicStatus{PendingApproval: true, PatientName: entry.PatientName}, nil
	}

	siblings, err := s.listEntries(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE doctor_id = $1 AND status = $2 AND is_approved = TRUE
	`, entry.DoctorID, models.StatusWaiting)
	if err != nil {
		return store.PublicStatus{}, err
	}
	ahead := store.CountAhead(siblings, entry)

	var available bool
	var avgMinutes int
	row = s.pool.QueryRow(ctx, `
		SELECT d.is_available, c.avg_consult_minutes
		FROM doctors d
		JOIN clinics c ON c.clinic_id = d.clinic_id
		WHERE d.doctor_id = $1
	`, entry.DoctorID)
	if err := row.Scan(&available, &avgMinutes); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return store.PublicStatus{}, err
		}
		available = true
	}

	return store.PublicStatus{
		PatientName:   entry.PatientName,
		TokenNumber:   entry.TokenNumber,
		Status:        entry.Status,
		PeopleAhead:   ahead,
		EstimatedWait: store.EstimateWait(ahead, avgMinutes, defaultConsultMinutes),
		DoctorOnBreak: !available,
	}, nil
}

func (s *Store) listEntries(ctx context.Context, query string, args ...interface{}) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.QueueEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) ListVisitRecords(ctx context.Context, clinicID string) ([]models.VisitRecord, error) {
	return s.listRecords(ctx, `
		SELECT record_id, clinic_id, doctor_id, patient_name, patient_phone,
			notes, required_test, duration_minutes, visit_date
		FROM visit_records
		WHERE clinic_id = $1
		ORDER BY visit_date DESC
	`, clinicID)
}

func (s *Store) ListPatientHistory(ctx context.Context, phone string) ([]models.VisitRecord, error) {
	digits := normalizePhone(phone)
	if digits == "" {
		return []models.VisitRecord{}, nil
	}
	return s.listRecords(ctx, `
		SELECT record_id, clinic_id, doctor_id, patient_name, patient_phone,
			notes, required_test, duration_minutes, visit_date
		FROM visit_records
		WHERE RIGHT(regexp_replace(patient_phone, '\D', '', 'g'), 10) = $1
		ORDER BY visit_date DESC
	`, digits)
}

func (s *Store) listRecords(ctx context.Context, query string, args ...interface{}) ([]models.VisitRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []models.VisitRecord{}
	for rows.Next() {
		var rec models.VisitRecord
		var testNull sql.NullString
		err := rows.Scan(&rec.ID, &rec.ClinicID, &rec.DoctorID, &rec.PatientName, &rec.PatientPhone,
			&rec.Notes, &testNull, &rec.DurationMinutes, &rec.VisitDate)
		if err != nil {
			return nil, err
		}
		if testNull.Valid {
			rec.RequiredTest = testNull.String
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) ListDoctors(ctx context.Context, clinicID string) ([]models.Doctor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doctor_id, clinic_id, name, specialization, is_available
		FROM doctors
		WHERE clinic_id = $1
		ORDER BY name
	`, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	doctors := []models.Doctor{}
	for rows.Next() {
		var d models.Doctor
		if err := rows.Scan(&d.ID, &d.ClinicID, &d.Name, &d.Specialization, &d.IsAvailable); err != nil {
			return nil, err
		}
		doctors = append(doctors, d)
	}
	return doctors, rows.Err()
}

func (s *Store) PublicDoctors(ctx context.Context, clinicCode string) (models.Clinic, []models.Doctor, error) {
	var clinic models.Clinic
	row := s.pool.QueryRow(ctx, `
		SELECT clinic_id, code, name, avg_consult_minutes
		FROM clinics WHERE code = $1
	`, strings.ToUpper(clinicCode))
	if err := row.Scan(&clinic.ID, &clinic.Code, &clinic.Name, &clinic.AvgConsultMinutes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Clinic{}, nil, store.ErrClinicNotFound
		}
		return models.Clinic{}, nil, err
	}
	doctors, err := s.ListDoctors(ctx, clinic.ID)
	if err != nil {
		return models.Clinic{}, nil, err
	}
	return clinic, doctors, nil
}

func (s *Store) SetDoctorAvailability(ctx context.Context, clinicID, doctorID string, available bool) (models.Doctor, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Doctor{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var doctor models.Doctor
	row := tx.QueryRow(ctx, `
		UPDATE doctors
		SET is_available = $3
		WHERE doctor_id = $1 AND clinic_id = $2
		RETURNING doctor_id, clinic_id, name, specialization, is_available
	`, doctorID, clinicID, available)
	if err = row.Scan(&doctor.ID, &doctor.ClinicID, &doctor.Name, &doctor.Specialization, &doctor.IsAvailable); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Doctor{}, store.ErrDoctorNotFound
		}
		return models.Doctor{}, err
	}

	if err = insertOutboxEvent(ctx, tx, store.EventDoctorStatusChanged, clinicID, "", doctorID); err != nil {
		return models.Doctor{}, err
	}
	// Staff rosters render availability, so they refresh too.
	if err = insertOutboxEvent(ctx, tx, store.EventStaffListUpdated, clinicID, "", doctorID); err != nil {
		return models.Doctor{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Doctor{}, err
	}
	return doctor, nil
}

func (s *Store) GetClinicSettings(ctx context.Context, clinicID string) (models.Clinic, error) {
	var clinic models.Clinic
	row := s.pool.QueryRow(ctx, `
		SELECT clinic_id, code, name, avg_consult_minutes
		FROM clinics WHERE clinic_id = $1
	`, clinicID)
	if err := row.Scan(&clinic.ID, &clinic.Code, &clinic.Name, &clinic.AvgConsultMinutes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Clinic{}, store.ErrClinicNotFound
		}
		return models.Clinic{}, err
	}
	return clinic, nil
}

func (s *Store) UpdateClinicSettings(ctx context.Context, clinicID string, avgConsultMinutes int) (models.Clinic, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Clinic{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var clinic models.Clinic
	row := tx.QueryRow(ctx, `
		UPDATE clinics
		SET avg_consult_minutes = $2
		WHERE clinic_id = $1
		RETURNING clinic_id, code, name, avg_consult_minutes
	`, clinicID, avgConsultMinutes)
	if err = row.Scan(&clinic.ID, &clinic.Code, &clinic.Name, &clinic.AvgConsultMinutes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Clinic{}, store.ErrClinicNotFound
		}
		return models.Clinic{}, err
	}

	if err = insertOutboxEvent(ctx, tx, store.EventClinicSettingsUpdated, clinicID, "", ""); err != nil {
		return models.Clinic{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Clinic{}, err
	}
	return clinic, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var sess store.Session
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, user_id, role, clinic_id, expires_at
		FROM sessions WHERE session_id = $1
	`, sessionID)
	if err := row.Scan(&sess.SessionID, &sess.UserID, &sess.Role, &sess.ClinicID, &sess.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Session{}, store.ErrSessionNotFound
		}
		return store.Session{}, err
	}
	if !sess.ExpiresAt.IsZero() && sess.ExpiresAt.Before(time.Now()) {
		return store.Session{}, store.ErrSessionNotFound
	}
	return sess, nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType, clinicID, entryID, doctorID string) error {
	payload, err := json.Marshal(map[string]string{
		"clinic_id": clinicID,
		"entry_id":  entryID,
		"doctor_id": doctorID,
	})
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, clinic_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, uuid.NewString(), clinicID, eventType, payload)
	return err
}

func (s *Store) ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, clinic_id, type, payload_json, created_at
		FROM outbox_events
		WHERE (created_at, event_id) > ($1, $2)
		ORDER BY created_at, event_id
		LIMIT $3
	`, offset.LastEventTime, offset.LastEventID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []store.OutboxEvent{}
	for rows.Next() {
		var ev store.OutboxEvent
		if err := rows.Scan(&ev.EventID, &ev.ClinicID, &ev.Type, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) GetOffset(ctx context.Context) (store.OutboxOffset, error) {
	var offset store.OutboxOffset
	row := s.pool.QueryRow(ctx, `
		SELECT last_event_time, last_event_id FROM realtime_offsets WHERE id = 1
	`)
	if err := row.Scan(&offset.LastEventTime, &offset.LastEventID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.OutboxOffset{}, nil
		}
		return store.OutboxOffset{}, err
	}
	return offset, nil
}

func (s *Store) UpdateOffset(ctx context.Context, offset store.OutboxOffset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO realtime_offsets (id, last_event_time, last_event_id)
		VALUES (1, $1, $2)
		ON CONFLICT (id)
		DO UPDATE SET last_event_time = $1, last_event_id = $2
	`, offset.LastEventTime, offset.LastEventID)
	return err
}

func (s *Store) CleanupOutbox(ctx context.Context, before time.Time) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM outbox_events WHERE created_at < $1
	`, before)
	return err
}

// PurgeStalePending removes check-ins that sat unapproved past maxAge.
// SKIP LOCKED keeps the janitor from stalling behind an in-flight approval;
// a locked row is picked up on the next scan.
func (s *Store) PurgeStalePending(ctx context.Context, maxAge time.Duration, batchSize int) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	cutoff := time.Now().UTC().Add(-maxAge)
	rows, err := tx.Query(ctx, `
		DELETE FROM queue_entries
		WHERE entry_id IN (
			SELECT entry_id FROM queue_entries
			WHERE status = $1 AND created_at < $2
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING clinic_id, entry_id, doctor_id
	`, models.StatusPendingApproval, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	type purged struct{ clinicID, entryID, doctorID string }
	removed := []purged{}
	for rows.Next() {
		var p purged
		if err = rows.Scan(&p.clinicID, &p.entryID, &p.doctorID); err != nil {
			rows.Close()
			return 0, err
		}
		removed = append(removed, p)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}

	for _, p := range removed {
		if err = insertOutboxEvent(ctx, tx, store.EventQueueUpdate, p.clinicID, p.entryID, p.doctorID); err != nil {
			return 0, err
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(removed), nil
}

func normalizePhone(phone string) string {
	digits := make([]byte, 0, len(phone))
	for i := 0; i < len(phone); i++ {
		if phone[i] >= '0' && phone[i] <= '9' {
			digits = append(digits, phone[i])
		}
	}
	if len(digits) > 10 {
		digits = digits[len(digits)-10:]
	}
	return string(digits)
}
