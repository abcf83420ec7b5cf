package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) SelfCheckIn(ctx context.Context, input store.SelfCheckInInput) (models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var clinicID string
	row := tx.QueryRow(ctx, `
		SELECT clinic_id FROM clinics WHERE code = $1
	`, strings.ToUpper(input.ClinicCode))
	if err = row.Scan(&clinicID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrClinicNotFound
		}
		return models.QueueEntry{}, err
	}
	if err = ensureDoctorTx(ctx, tx, clinicID, input.DoctorID); err != nil {
		return models.QueueEntry{}, err
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
	_, err = tx.Exec(ctx, `
		INSERT INTO queue_entries (
			entry_id, clinic_id, doctor_id, patient_name, patient_phone,
			status, is_approved, is_emergency, visit_type, current_stage, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,FALSE,FALSE,$7,$8,$9)
	`, entry.ID, entry.ClinicID, entry.DoctorID, entry.PatientName, entry.PatientPhone,
		entry.Status, entry.VisitType, entry.CurrentStage, entry.CreatedAt)
	if err != nil {
		return models.QueueEntry{}, err
	}

	if err = insertOutboxEvent(ctx, tx, store.EventQueueUpdate, entry.ClinicID, entry.ID, entry.DoctorID); err != nil {
		return models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) AddWalkIn(ctx context.Context, input store.WalkInInput) (models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = ensureDoctorTx(ctx, tx, input.ClinicID, input.DoctorID); err != nil {
		return models.QueueEntry{}, err
	}

	createdAt := orNow(input.CreatedAt)
	prefix := store.TokenPrefix(input.IsEmergency, false)
	seq, err := nextTokenNumber(ctx, tx, input.ClinicID, createdAt, prefix)
	if err != nil {
		return models.QueueEntry{}, err
	}

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
		TokenNumber:  store.FormatToken(prefix, seq),
		Status:       models.StatusWaiting,
		IsApproved:   true,
		IsEmergency:  input.IsEmergency,
		VisitType:    visitType,
		CurrentStage: models.StageWaiting,
		CreatedAt:    createdAt,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO queue_entries (
			entry_id, clinic_id, doctor_id, patient_name, patient_phone, token_number,
			status, is_approved, is_emergency, visit_type, current_stage, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,TRUE,$8,$9,$10,$11)
	`, entry.ID, entry.ClinicID, entry.DoctorID, entry.PatientName, entry.PatientPhone,
		entry.TokenNumber, entry.Status, entry.IsEmergency, entry.VisitType, entry.CurrentStage, entry.CreatedAt)
	if err != nil {
		return models.QueueEntry{}, err
	}

	if err = insertOutboxEvent(ctx, tx, store.EventQueueUpdate, entry.ClinicID, entry.ID, entry.DoctorID); err != nil {
		return models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) ApproveEntry(ctx context.Context, input store.ApproveInput) (models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// Lock the entry row so a racing cancel or duplicate approve observes
	// the committed state and fails its guard.
	var status string
	row := tx.QueryRow(ctx, `
		SELECT status FROM queue_entries
		WHERE entry_id = $1 AND clinic_id = $2
		FOR UPDATE
	`, input.EntryID, input.ClinicID)
	if err = row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, err
	}
	if !store.ValidTransition("approve", status) {
		err = store.ErrInvalidState
		return models.QueueEntry{}, err
	}

	approvedAt := orNow(input.ApprovedAt)
	prefix := store.TokenPrefix(input.IsEmergency, true)
	seq, err := nextTokenNumber(ctx, tx, input.ClinicID, approvedAt, prefix)
	if err != nil {
		return models.QueueEntry{}, err
	}

	var entry models.QueueEntry
	row = tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET is_approved = TRUE,
			status = $3,
			token_number = $4,
			is_emergency = $5
		WHERE entry_id = $1 AND clinic_id = $2
		RETURNING `+entryColumns+`
	`, input.EntryID, input.ClinicID, models.StatusWaiting, store.FormatToken(prefix, seq), input.IsEmergency)
	if entry, err = scanEntry(row); err != nil {
		return models.QueueEntry{}, err
	}

	if err = insertOutboxEvent(ctx, tx, store.EventQueueUpdate, entry.ClinicID, entry.ID, entry.DoctorID); err != nil {
		return models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) StartConsultation(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var doctorID, status, stage string
	var approved bool
	row := tx.QueryRow(ctx, `
		SELECT doctor_id, status, current_stage, is_approved
		FROM queue_entries
		WHERE entry_id = $1 AND clinic_id = $2
		FOR UPDATE
	`, input.EntryID, input.ClinicID)
	if err = row.Scan(&doctorID, &status, &stage, &approved); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, err
	}
	if !store.ValidTransition("start", status) || !approved || !store.StartableStage(stage) {
		err = store.ErrInvalidState
		return models.QueueEntry{}, err
	}

	// Serialize starts per doctor: two concurrent starts for the same
	// doctor queue behind this row lock, so the busy check is race-free.
	if err = lockDoctor(ctx, tx, input.ClinicID, doctorID); err != nil {
		return models.QueueEntry{}, err
	}
	var busy bool
	row = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM queue_entries
			WHERE doctor_id = $1 AND status = $2
		)
	`, doctorID, models.StatusInConsultation)
	if err = row.Scan(&busy); err != nil {
		return models.QueueEntry{}, err
	}
	if busy {
		err = store.ErrDoctorBusy
		return models.QueueEntry{}, err
	}

	var entry models.QueueEntry
	row = tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET status = $3,
			current_stage = $4,
			start_time = $5
		WHERE entry_id = $1 AND clinic_id = $2
		RETURNING `+entryColumns+`
	`, input.EntryID, input.ClinicID, models.StatusInConsultation, models.StageInConsultation, orNow(input.OccurredAt))
	if entry, err = scanEntry(row); err != nil {
		return models.QueueEntry{}, err
	}

	if err = insertOutboxEvent(ctx, tx, store.EventQueueUpdate, entry.ClinicID, entry.ID, entry.DoctorID); err != nil {
		return models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) ReferToLab(ctx context.Context, input store.ReferToLabInput) (models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var entry models.QueueEntry
	row := tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET status = $3,
			current_stage = $4,
			required_test = $5,
			start_time = NULL
		WHERE entry_id = $1 AND clinic_id = $2
			AND is_approved = TRUE
			AND status IN ($3, $6)
		RETURNING `+entryColumns+`
	`, input.EntryID, input.ClinicID, models.StatusWaiting, models.StageLabPending,
		input.TestName, models.StatusInConsultation)
	if entry, err = scanEntry(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, s.classifyMissing(ctx, input.ClinicID, input.EntryID)
		}
		return models.QueueEntry{}, err
	}

	if err = insertOutboxEvent(ctx, tx, store.EventQueueUpdate, entry.ClinicID, entry.ID, entry.DoctorID); err != nil {
		return models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) CompleteLabTask(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var entry models.QueueEntry
	row := tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET current_stage = $3
		WHERE entry_id = $1 AND clinic_id = $2 AND current_stage = $4
		RETURNING `+entryColumns+`
	`, input.EntryID, input.ClinicID, models.StageLabCompleted, models.StageLabPending)
	if entry, err = scanEntry(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, s.classifyMissing(ctx, input.ClinicID, input.EntryID)
		}
		return models.QueueEntry{}, err
	}

	if err = insertOutboxEvent(ctx, tx, store.EventQueueUpdate, entry.ClinicID, entry.ID, entry.DoctorID); err != nil {
		return models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) CompleteVisit(ctx context.Context, input store.CompleteVisitInput) (models.VisitRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.VisitRecord{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var entry models.QueueEntry
	row := tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE entry_id = $1 AND clinic_id = $2
		FOR UPDATE
	`, input.EntryID, input.ClinicID)
	if entry, err = scanEntry(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.VisitRecord{}, store.ErrEntryNotFound
		}
		return models.VisitRecord{}, err
	}
	if !store.ValidTransition("complete", entry.Status) {
		err = store.ErrInvalidState
		return models.VisitRecord{}, err
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
	_, err = tx.Exec(ctx, `
		INSERT INTO visit_records (
			record_id, clinic_id, doctor_id, patient_name, patient_phone,
			notes, required_test, duration_minutes, visit_date
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, record.ID, record.ClinicID, record.DoctorID, record.PatientName, record.PatientPhone,
		record.Notes, nullIfEmpty(record.RequiredTest), record.DurationMinutes, record.VisitDate)
	if err != nil {
		return models.VisitRecord{}, err
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM queue_entries WHERE entry_id = $1
	`, entry.ID)
	if err != nil {
		return models.VisitRecord{}, err
	}

	if err = insertOutboxEvent(ctx, tx, store.EventQueueUpdate, record.ClinicID, entry.ID, record.DoctorID); err != nil {
		return models.VisitRecord{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.VisitRecord{}, err
	}
	return record, nil
}

func (s *Store) CancelEntry(ctx context.Context, clinicID, entryID string) error {
	return s.cancel(ctx, clinicID, entryID)
}

func (s *Store) CancelOwnEntry(ctx context.Context, entryID string) error {
	return s.cancel(ctx, "", entryID)
}

func (s *Store) cancel(ctx context.Context, clinicID, entryID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := `
		DELETE FROM queue_entries
		WHERE entry_id = $1 AND status IN ($2, $3)
		RETURNING clinic_id, doctor_id
	`
	args := []interface{}{entryID, models.StatusPendingApproval, models.StatusWaiting}
	if clinicID != "" {
		query = `
			DELETE FROM queue_entries
			WHERE entry_id = $1 AND clinic_id = $4 AND status IN ($2, $3)
			RETURNING clinic_id, doctor_id
		`
		args = append(args, clinicID)
	}

	var gone struct{ clinicID, doctorID string }
	row := tx.QueryRow(ctx, query, args...)
	if err = row.Scan(&gone.clinicID, &gone.doctorID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.classifyMissing(ctx, clinicID, entryID)
		}
		return err
	}

	if err = insertOutboxEvent(ctx, tx, store.EventQueueUpdate, gone.clinicID, entryID, gone.doctorID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// classifyMissing distinguishes a guard violation from a purged entry after
// a conditional statement matched nothing.
func (s *Store) classifyMissing(ctx context.Context, clinicID, entryID string) error {
	query := `SELECT 1 FROM queue_entries WHERE entry_id = $1`
	args := []interface{}{entryID}
	if clinicID != "" {
		query += ` AND clinic_id = $2`
		args = append(args, clinicID)
	}
	var one int
	row := s.pool.QueryRow(ctx, query, args...)
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrEntryNotFound
		}
		return err
	}
	return store.ErrInvalidState
}

func ensureDoctorTx(ctx context.Context, tx pgx.Tx, clinicID, doctorID string) error {
	var one int
	row := tx.QueryRow(ctx, `
		SELECT 1 FROM doctors WHERE doctor_id = $1 AND clinic_id = $2
	`, doctorID, clinicID)
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrDoctorNotFound
		}
		return err
	}
	return nil
}

func lockDoctor(ctx context.Context, tx pgx.Tx, clinicID, doctorID string) error {
	var one int
	row := tx.QueryRow(ctx, `
		SELECT 1 FROM doctors
		WHERE doctor_id = $1 AND clinic_id = $2
		FOR UPDATE
	`, doctorID, clinicID)
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrDoctorNotFound
		}
		return err
	}
	return nil
}

// nextTokenNumber serializes allocation on the counter row: the upsert takes
// a row lock, so two approvals racing in the same clinic/day/prefix never
// observe the same value.
func nextTokenNumber(ctx context.Context, tx pgx.Tx, clinicID string, at time.Time, prefix string) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO token_counters (clinic_id, day, prefix, next_number)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (clinic_id, day, prefix)
		DO UPDATE SET next_number = token_counters.next_number + 1
		RETURNING next_number
	`, clinicID, at.UTC().Format("2006-01-02"), prefix)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

const entryColumns = `entry_id, clinic_id, doctor_id, patient_name, patient_phone, token_number,
	status, is_approved, is_emergency, visit_type, current_stage, required_test, start_time, created_at`

func scanEntry(row pgx.Row) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var tokenNull, testNull sql.NullString
	var startNull sql.NullTime
	err := row.Scan(&entry.ID, &entry.ClinicID, &entry.DoctorID, &entry.PatientName, &entry.PatientPhone,
		&tokenNull, &entry.Status, &entry.IsApproved, &entry.IsEmergency, &entry.VisitType,
		&entry.CurrentStage, &testNull, &startNull, &entry.CreatedAt)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if tokenNull.Valid {
		entry.TokenNumber = tokenNull.String
	}
	if testNull.Valid {
		entry.RequiredTest = testNull.String
	}
	if startNull.Valid {
		start := startNull.Time
		entry.StartTime = &start
	}
	return entry, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
