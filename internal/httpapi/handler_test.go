package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/google/uuid"
)

type fakeStore struct {
	checkInFn       func(ctx context.Context, input store.SelfCheckInInput) (models.QueueEntry, error)
	walkInFn        func(ctx context.Context, input store.WalkInInput) (models.QueueEntry, error)
	approveFn       func(ctx context.Context, input store.ApproveInput) (models.QueueEntry, error)
	startFn         func(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, error)
	referFn         func(ctx context.Context, input store.ReferToLabInput) (models.QueueEntry, error)
	labCompleteFn   func(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, error)
	completeFn      func(ctx context.Context, input store.CompleteVisitInput) (models.VisitRecord, error)
	cancelFn        func(ctx context.Context, clinicID, entryID string) error
	cancelOwnFn     func(ctx context.Context, entryID string) error
	getEntryFn      func(ctx context.Context, clinicID, entryID string) (models.QueueEntry, error)
	pendingFn       func(ctx context.Context, clinicID string) ([]models.QueueEntry, error)
	liveFn          func(ctx context.Context, clinicID string) ([]models.QueueEntry, error)
	doctorQueueFn   func(ctx context.Context, clinicID, doctorID string) ([]models.QueueEntry, error)
	displayFn       func(ctx context.Context, doctorID string) ([]models.QueueEntry, error)
	statusFn        func(ctx context.Context, entryID string, defaultConsultMinutes int) (store.PublicStatus, error)
	recordsFn       func(ctx context.Context, clinicID string) ([]models.VisitRecord, error)
	historyFn       func(ctx context.Context, phone string) ([]models.VisitRecord, error)
	doctorsFn       func(ctx context.Context, clinicID string) ([]models.Doctor, error)
	publicDoctorsFn func(ctx context.Context, clinicCode string) (models.Clinic, []models.Doctor, error)
	availabilityFn  func(ctx context.Context, clinicID, doctorID string, available bool) (models.Doctor, error)
	getSettingsFn   func(ctx context.Context, clinicID string) (models.Clinic, error)
	setSettingsFn   func(ctx context.Context, clinicID string, avgConsultMinutes int) (models.Clinic, error)
	sessionFn       func(ctx context.Context, sessionID string) (store.Session, error)
}

func (f fakeStore) SelfCheckIn(ctx context.Context, input store.SelfCheckInInput) (models.QueueEntry, error) {
	if f.checkInFn == nil {
		return models.QueueEntry{}, nil
	}
	return f.checkInFn(ctx, input)
}

func (f fakeStore) AddWalkIn(ctx context.Context, input store.WalkInInput) (models.QueueEntry, error) {
	if f.walkInFn == nil {
		return models.QueueEntry{}, nil
	}
	return f.walkInFn(ctx, input)
}

func (f fakeStore) ApproveEntry(ctx context.Context, input store.ApproveInput) (models.QueueEntry, error) {
	if f.approveFn == nil {
		return models.QueueEntry{}, nil
	}
	return f.approveFn(ctx, input)
}

func (f fakeStore) StartConsultation(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, error) {
	if f.startFn == nil {
		return models.QueueEntry{}, nil
	}
	return f.startFn(ctx, input)
}

func (f fakeStore) ReferToLab(ctx context.Context, input store.ReferToLabInput) (models.QueueEntry, error) {
	if f.referFn == nil {
		return models.QueueEntry{}, nil
	}
	return f.referFn(ctx, input)
}

func (f fakeStore) CompleteLabTask(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, error) {
	if f.labCompleteFn == nil {
		return models.QueueEntry{}, nil
	}
	return f.labCompleteFn(ctx, input)
}

func (f fakeStore) CompleteVisit(ctx context.Context, input store.CompleteVisitInput) (models.VisitRecord, error) {
	if f.completeFn == nil {
		return models.VisitRecord{}, nil
	}
	return f.completeFn(ctx, input)
}

func (f fakeStore) CancelEntry(ctx context.Context, clinicID, entryID string) error {
	if f.cancelFn == nil {
		return nil
	}
	return f.cancelFn(ctx, clinicID, entryID)
}

func (f fakeStore) CancelOwnEntry(ctx context.Context, entryID string) error {
	if f.cancelOwnFn == nil {
		return nil
	}
	return f.cancelOwnFn(ctx, entryID)
}

func (f fakeStore) GetEntry(ctx context.Context, clinicID, entryID string) (models.QueueEntry, error) {
	if f.getEntryFn == nil {
		return models.QueueEntry{}, nil
	}
	return f.getEntryFn(ctx, clinicID, entryID)
}

func (f fakeStore) ListPending(ctx context.Context, clinicID string) ([]models.QueueEntry, error) {
	if f.pendingFn == nil {
		return nil, nil
	}
	return f.pendingFn(ctx, clinicID)
}

func (f fakeStore) ListLiveQueue(ctx context.Context, clinicID string) ([]models.QueueEntry, error) {
	if f.liveFn == nil {
		return nil, nil
	}
	return f.liveFn(ctx, clinicID)
}

func (f fakeStore) ListDoctorQueue(ctx context.Context, clinicID, doctorID string) ([]models.QueueEntry, error) {
	if f.doctorQueueFn == nil {
		return nil, nil
	}
	return f.doctorQueueFn(ctx, clinicID, doctorID)
}

func (f fakeStore) PublicDoctorQueue(ctx context.Context, doctorID string) ([]models.QueueEntry, error) {
	if f.displayFn == nil {
		return nil, nil
	}
	return f.displayFn(ctx, doctorID)
}

func (f fakeStore) GetPublicStatus(ctx context.Context, entryID string, defaultConsultMinutes int) (store.PublicStatus, error) {
	if f.statusFn == nil {
		return store.PublicStatus{}, nil
	}
	return f.statusFn(ctx, entryID, defaultConsultMinutes)
}

func (f fakeStore) ListVisitRecords(ctx context.Context, clinicID string) ([]models.VisitRecord, error) {
	if f.recordsFn == nil {
		return nil, nil
	}
	return f.recordsFn(ctx, clinicID)
}

func (f fakeStore) ListPatientHistory(ctx context.Context, phone string) ([]models.VisitRecord, error) {
	if f.historyFn == nil {
		return nil, nil
	}
	return f.historyFn(ctx, phone)
}

func (f fakeStore) ListDoctors(ctx context.Context, clinicID string) ([]models.Doctor, error) {
	if f.doctorsFn == nil {
		return nil, nil
	}
	return f.doctorsFn(ctx, clinicID)
}

func (f fakeStore) PublicDoctors(ctx context.Context, clinicCode string) (models.Clinic, []models.Doctor, error) {
	if f.publicDoctorsFn == nil {
		return models.Clinic{}, nil, nil
	}
	return f.publicDoctorsFn(ctx, clinicCode)
}

func (f fakeStore) SetDoctorAvailability(ctx context.Context, clinicID, doctorID string, available bool) (models.Doctor, error) {
	if f.availabilityFn == nil {
		return models.Doctor{}, nil
	}
	return f.availabilityFn(ctx, clinicID, doctorID, available)
}

func (f fakeStore) GetClinicSettings(ctx context.Context, clinicID string) (models.Clinic, error) {
	if f.getSettingsFn == nil {
		return models.Clinic{}, nil
	}
	return f.getSettingsFn(ctx, clinicID)
}

func (f fakeStore) UpdateClinicSettings(ctx context.Context, clinicID string, avgConsultMinutes int) (models.Clinic, error) {
	if f.setSettingsFn == nil {
		return models.Clinic{}, nil
	}
	return f.setSettingsFn(ctx, clinicID, avgConsultMinutes)
}

func (f fakeStore) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	if f.sessionFn == nil {
		return store.Session{}, store.ErrSessionNotFound
	}
	return f.sessionFn(ctx, sessionID)
}

func (f fakeStore) ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	return nil, nil
}

func (f fakeStore) GetOffset(ctx context.Context) (store.OutboxOffset, error) {
	return store.OutboxOffset{}, nil
}

func (f fakeStore) UpdateOffset(ctx context.Context, offset store.OutboxOffset) error {
	return nil
}

func (f fakeStore) CleanupOutbox(ctx context.Context, before time.Time) error {
	return nil
}

func (f fakeStore) PurgeStalePending(ctx context.Context, maxAge time.Duration, batchSize int) (int, error) {
	return 0, nil
}

func staffSession(clinicID string) store.Session {
	return store.Session{
		SessionID: "sess-1",
		UserID:    uuid.NewString(),
		Role:      "receptionist",
		ClinicID:  clinicID,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func serve(f fakeStore, r *http.Request) *httptest.ResponseRecorder {
	h := NewHandler(f, Options{DefaultConsultMinutes: 12})
	w := httptest.NewRecorder()
	AuthMiddleware(f, h.Routes()).ServeHTTP(w, r)
	return w
}

func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error.Code
}

func TestCheckInCreatesPendingEntry(t *testing.T) {
	doctorID := uuid.NewString()
	var captured store.SelfCheckInInput
	f := fakeStore{
		checkInFn: func(ctx context.Context, input store.SelfCheckInInput) (models.QueueEntry, error) {
			captured = input
			return models.QueueEntry{ID: uuid.NewString(), Status: models.StatusPendingApproval}, nil
		},
	}

	body, _ := json.Marshal(checkInRequest{
		ClinicCode:   "SMC",
		DoctorID:     doctorID,
		PatientName:  "Asha Verma",
		PatientPhone: "9876543210",
	})
	r := httptest.NewRequest(http.MethodPost, "/api/queue/checkin", bytes.NewReader(body))
	w := serve(f, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if captured.ClinicCode != "SMC" || captured.DoctorID != doctorID {
		t.Fatalf("store input mismatch: %+v", captured)
	}
}

func TestCheckInRejectsBadPhone(t *testing.T) {
	body, _ := json.Marshal(checkInRequest{
		ClinicCode:   "SMC",
		DoctorID:     uuid.NewString(),
		PatientName:  "Asha Verma",
		PatientPhone: "not-a-phone",
	})
	r := httptest.NewRequest(http.MethodPost, "/api/queue/checkin", bytes.NewReader(body))
	w := serve(fakeStore{}, r)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if code := decodeErrorCode(t, w); code != "invalid_request" {
		t.Fatalf("expected invalid_request, got %s", code)
	}
}

func TestCheckInRejectsUnknownFields(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/queue/checkin", bytes.NewReader([]byte(`{"bogus":true}`)))
	w := serve(fakeStore{}, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if code := decodeErrorCode(t, w); code != "invalid_json" {
		t.Fatalf("expected invalid_json, got %s", code)
	}
}

func TestWalkInRequiresSession(t *testing.T) {
	body, _ := json.Marshal(walkInRequest{
		DoctorID:     uuid.NewString(),
		PatientName:  "Walk In",
		PatientPhone: "9876543210",
	})
	r := httptest.NewRequest(http.MethodPost, "/api/queue", bytes.NewReader(body))
	w := serve(fakeStore{}, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestWalkInUsesSessionClinic(t *testing.T) {
	clinicID := uuid.NewString()
	var captured store.WalkInInput
	f := fakeStore{
		sessionFn: func(ctx context.Context, sessionID string) (store.Session, error) {
			return staffSession(clinicID), nil
		},
		walkInFn: func(ctx context.Context, input store.WalkInInput) (models.QueueEntry, error) {
			captured = input
			return models.QueueEntry{ID: uuid.NewString(), TokenNumber: "T-1"}, nil
		},
	}

	body, _ := json.Marshal(walkInRequest{
		DoctorID:     uuid.NewString(),
		PatientName:  "Walk In",
		PatientPhone: "9876543210",
		IsEmergency:  true,
	})
	r := httptest.NewRequest(http.MethodPost, "/api/queue", bytes.NewReader(body))
	r.Header.Set("Authorization", "Bearer sess-1")
	w := serve(f, r)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if captured.ClinicID != clinicID || !captured.IsEmergency {
		t.Fatalf("store input mismatch: %+v", captured)
	}
}

func TestApproveActionMapsInvalidState(t *testing.T) {
	clinicID := uuid.NewString()
	f := fakeStore{
		sessionFn: func(ctx context.Context, sessionID string) (store.Session, error) {
			return staffSession(clinicID), nil
		},
		approveFn: func(ctx context.Context, input store.ApproveInput) (models.QueueEntry, error) {
			return models.QueueEntry{}, store.ErrInvalidState
		},
	}

	r := httptest.NewRequest(http.MethodPost, "/api/queue/"+uuid.NewString()+"/actions/approve", bytes.NewReader([]byte(`{}`)))
	r.Header.Set("Authorization", "Bearer sess-1")
	w := serve(f, r)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if code := decodeErrorCode(t, w); code != "invalid_state" {
		t.Fatalf("expected invalid_state, got %s", code)
	}
}

func TestStartActionMapsDoctorBusy(t *testing.T) {
	clinicID := uuid.NewString()
	f := fakeStore{
		sessionFn: func(ctx context.Context, sessionID string) (store.Session, error) {
			return staffSession(clinicID), nil
		},
		startFn: func(ctx context.Context, input store.EntryActionInput) (models.QueueEntry, error) {
			return models.QueueEntry{}, store.ErrDoctorBusy
		},
	}

	r := httptest.NewRequest(http.MethodPost, "/api/queue/"+uuid.NewString()+"/actions/start", nil)
	r.Header.Set("Authorization", "Bearer sess-1")
	w := serve(f, r)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if code := decodeErrorCode(t, w); code != "precondition_failed" {
		t.Fatalf("expected precondition_failed, got %s", code)
	}
}

func TestReferLabRequiresTestName(t *testing.T) {
	f := fakeStore{
		sessionFn: func(ctx context.Context, sessionID string) (store.Session, error) {
			return staffSession(uuid.NewString()), nil
		},
	}
	r := httptest.NewRequest(http.MethodPost, "/api/queue/"+uuid.NewString()+"/actions/refer-lab", bytes.NewReader([]byte(`{"test_name":"  "}`)))
	r.Header.Set("Authorization", "Bearer sess-1")
	w := serve(f, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestPublicStatusNeedsNoSession(t *testing.T) {
	entryID := uuid.NewString()
	f := fakeStore{
		statusFn: func(ctx context.Context, id string, minutes int) (store.PublicStatus, error) {
			if id != entryID {
				t.Errorf("entry id mismatch: %s", id)
			}
			return store.PublicStatus{TokenNumber: "P-3", Status: models.StatusWaiting, PeopleAhead: 2, EstimatedWait: 24}, nil
		},
	}
	r := httptest.NewRequest(http.MethodGet, "/api/queue/status/"+entryID, nil)
	w := serve(f, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var status store.PublicStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.PeopleAhead != 2 || status.EstimatedWait != 24 {
		t.Fatalf("unexpected projection: %+v", status)
	}
}

func TestPublicCancelUsesOwnPath(t *testing.T) {
	entryID := uuid.NewString()
	ownCalled := false
	f := fakeStore{
		cancelOwnFn: func(ctx context.Context, id string) error {
			ownCalled = true
			return nil
		},
		cancelFn: func(ctx context.Context, clinicID, id string) error {
			t.Error("clinic-scoped cancel must not run without a session")
			return nil
		},
	}
	r := httptest.NewRequest(http.MethodDelete, "/api/queue/"+entryID, nil)
	w := serve(f, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if !ownCalled {
		t.Fatal("expected CancelOwnEntry")
	}
}

func TestStaffCancelScopesToClinic(t *testing.T) {
	clinicID := uuid.NewString()
	var gotClinic string
	f := fakeStore{
		sessionFn: func(ctx context.Context, sessionID string) (store.Session, error) {
			return staffSession(clinicID), nil
		},
		cancelFn: func(ctx context.Context, clinic, id string) error {
			gotClinic = clinic
			return nil
		},
	}
	r := httptest.NewRequest(http.MethodDelete, "/api/queue/"+uuid.NewString(), nil)
	r.Header.Set("Authorization", "Bearer sess-1")
	w := serve(f, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if gotClinic != clinicID {
		t.Fatalf("expected clinic scope %s, got %s", clinicID, gotClinic)
	}
}

func TestDisplayBoardRedactsNames(t *testing.T) {
	doctorID := uuid.NewString()
	f := fakeStore{
		displayFn: func(ctx context.Context, id string) ([]models.QueueEntry, error) {
			return []models.QueueEntry{
				{TokenNumber: "T-1", PatientName: "Asha Verma", Status: models.StatusInConsultation},
				{TokenNumber: "E-1", PatientName: "Ravi", Status: models.StatusWaiting, IsEmergency: true},
			}, nil
		},
	}
	r := httptest.NewRequest(http.MethodGet, "/api/queue/display/"+doctorID, nil)
	w := serve(f, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var board []displayEntry
	if err := json.NewDecoder(w.Body).Decode(&board); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(board) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(board))
	}
	if board[0].DisplayName != "Asha V." {
		t.Fatalf("expected redacted name, got %q", board[0].DisplayName)
	}
	if board[1].DisplayName != "Ravi" {
		t.Fatalf("single names pass through, got %q", board[1].DisplayName)
	}
}

func TestSettingsPatchValidatesRange(t *testing.T) {
	f := fakeStore{
		sessionFn: func(ctx context.Context, sessionID string) (store.Session, error) {
			return staffSession(uuid.NewString()), nil
		},
	}
	r := httptest.NewRequest(http.MethodPatch, "/api/clinics/settings", bytes.NewReader([]byte(`{"avg_consult_minutes":0}`)))
	r.Header.Set("Authorization", "Bearer sess-1")
	w := serve(f, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestClinicDoctorsPublic(t *testing.T) {
	f := fakeStore{
		publicDoctorsFn: func(ctx context.Context, code string) (models.Clinic, []models.Doctor, error) {
			if code != "SMC" {
				t.Errorf("code mismatch: %s", code)
			}
			return models.Clinic{Code: "SMC", Name: "Sharma Medical Centre"}, []models.Doctor{{Name: "Dr. Sharma"}}, nil
		},
	}
	r := httptest.NewRequest(http.MethodGet, "/api/clinics/SMC/doctors", nil)
	w := serve(f, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestUnknownEntryMapsNotFound(t *testing.T) {
	f := fakeStore{
		sessionFn: func(ctx context.Context, sessionID string) (store.Session, error) {
			return staffSession(uuid.NewString()), nil
		},
		getEntryFn: func(ctx context.Context, clinicID, entryID string) (models.QueueEntry, error) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		},
	}
	r := httptest.NewRequest(http.MethodGet, "/api/queue/"+uuid.NewString(), nil)
	r.Header.Set("Authorization", "Bearer sess-1")
	w := serve(f, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if code := decodeErrorCode(t, w); code != "entry_not_found" {
		t.Fatalf("expected entry_not_found, got %s", code)
	}
}
