package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store                 store.EntryStore
	defaultConsultMinutes int
}

type Options struct {
	DefaultConsultMinutes int
}

func NewHandler(store store.EntryStore, options Options) *Handler {
	minutes := options.DefaultConsultMinutes
	if minutes <= 0 {
		minutes = 12
	}
	return &Handler{store: store, defaultConsultMinutes: minutes}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/queue", h.handleWalkIn)
	mux.HandleFunc("/api/queue/checkin", h.handleCheckIn)
	mux.HandleFunc("/api/queue/pending", h.handlePendingList)
	mux.HandleFunc("/api/queue/live", h.handleLiveQueue)
	mux.HandleFunc("/api/queue/mine", h.handleMyQueue)
	mux.HandleFunc("/api/queue/status/", h.handlePublicStatus)
	mux.HandleFunc("/api/queue/display/", h.handleDisplayBoard)
	mux.HandleFunc("/api/queue/", h.handleEntry)
	mux.HandleFunc("/api/records", h.handleRecords)
	mux.HandleFunc("/api/records/patient/", h.handlePatientHistory)
	mux.HandleFunc("/api/staff", h.handleStaffList)
	mux.HandleFunc("/api/staff/", h.handleStaffActions)
	mux.HandleFunc("/api/clinics/settings", h.handleClinicSettings)
	mux.HandleFunc("/api/clinics/", h.handleClinicDoctors)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type checkInRequest struct {
	ClinicCode   string `json:"clinic_code"`
	DoctorID     string `json:"doctor_id"`
	PatientName  string `json:"patient_name"`
	PatientPhone string `json:"patient_phone"`
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req checkInRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.ClinicCode = strings.TrimSpace(req.ClinicCode)
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.PatientName = strings.TrimSpace(req.PatientName)
	req.PatientPhone = strings.TrimSpace(req.PatientPhone)

	if req.ClinicCode == "" || req.DoctorID == "" || req.PatientName == "" || req.PatientPhone == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "clinic_code, doctor_id, patient_name, and patient_phone are required")
		return
	}
	if !isValidUUID(req.DoctorID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "doctor_id must be a UUID")
		return
	}
	if !isValidPhone(req.PatientPhone) {
		writeError(w, http.StatusBadRequest, "invalid_request", "patient_phone must be 8-16 digits")
		return
	}

	entry, err := h.store.SelfCheckIn(r.Context(), store.SelfCheckInInput{
		ClinicCode:   req.ClinicCode,
		DoctorID:     req.DoctorID,
		PatientName:  req.PatientName,
		PatientPhone: req.PatientPhone,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

type walkInRequest struct {
	DoctorID     string `json:"doctor_id"`
	PatientName  string `json:"patient_name"`
	PatientPhone string `json:"patient_phone"`
	VisitType    string `json:"visit_type"`
	IsEmergency  bool   `json:"is_emergency"`
}

func (h *Handler) handleWalkIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}

	var req walkInRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.DoctorID = strings.TrimSpace(req.DoctorID)
	req.PatientName = strings.TrimSpace(req.PatientName)
	req.PatientPhone = strings.TrimSpace(req.PatientPhone)
	req.VisitType = strings.TrimSpace(req.VisitType)

	if req.DoctorID == "" || req.PatientName == "" || req.PatientPhone == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "doctor_id, patient_name, and patient_phone are required")
		return
	}
	if !isValidUUID(req.DoctorID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "doctor_id must be a UUID")
		return
	}
	if !isValidPhone(req.PatientPhone) {
		writeError(w, http.StatusBadRequest, "invalid_request", "patient_phone must be 8-16 digits")
		return
	}
	if req.VisitType != "" && req.VisitType != models.VisitWalkIn && req.VisitType != models.VisitAppointment {
		writeError(w, http.StatusBadRequest, "invalid_request", "visit_type must be Walk-in or Appointment")
		return
	}

	entry, err := h.store.AddWalkIn(r.Context(), store.WalkInInput{
		ClinicID:     session.ClinicID,
		DoctorID:     req.DoctorID,
		PatientName:  req.PatientName,
		PatientPhone: req.PatientPhone,
		VisitType:    req.VisitType,
		IsEmergency:  req.IsEmergency,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handlePendingList(w http.ResponseWriter, r *http.Request) {
	h.listForClinic(w, r, h.store.ListPending)
}

func (h *Handler) handleLiveQueue(w http.ResponseWriter, r *http.Request) {
	h.listForClinic(w, r, h.store.ListLiveQueue)
}

func (h *Handler) listForClinic(w http.ResponseWriter, r *http.Request, list func(ctx context.Context, clinicID string) ([]models.QueueEntry, error)) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	entries, err := list(r.Context(), session.ClinicID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleMyQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	doctorID := strings.TrimSpace(r.URL.Query().Get("doctor_id"))
	if doctorID == "" {
		doctorID = session.UserID
	}
	if !isValidUUID(doctorID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "doctor_id must be a UUID")
		return
	}
	entries, err := h.store.ListDoctorQueue(r.Context(), session.ClinicID, doctorID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handlePublicStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	entryID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/queue/status/"), "/")
	if !isValidUUID(entryID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "entry id must be a UUID")
		return
	}
	status, err := h.store.GetPublicStatus(r.Context(), entryID, h.defaultConsultMinutes)
	if err != nil {
		code, errCode, msg := mapError(err)
		writeError(w, code, errCode, msg)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleDisplayBoard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	doctorID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/queue/display/"), "/")
	if !isValidUUID(doctorID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "doctor id must be a UUID")
		return
	}
	entries, err := h.store.PublicDoctorQueue(r.Context(), doctorID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, toDisplayEntries(entries))
}

// displayEntry is the redacted TV-board projection; full names and phone
// numbers never leave the staff surface.
type displayEntry struct {
	TokenNumber string `json:"token_number"`
	DisplayName string `json:"display_name"`
	Status      string `json:"status"`
	IsEmergency bool   `json:"is_emergency"`
}

func toDisplayEntries(entries []models.QueueEntry) []displayEntry {
	out := make([]displayEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, displayEntry{
			TokenNumber: e.TokenNumber,
			DisplayName: shortName(e.PatientName),
			Status:      e.Status,
			IsEmergency: e.IsEmergency,
		})
	}
	return out
}

// shortName reduces "Asha Verma" to "Asha V." for the public board.
func shortName(full string) string {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return ""
	}
	if len(fields) == 1 {
		return fields[0]
	}
	last := fields[len(fields)-1]
	return fields[0] + " " + string([]rune(last)[:1]) + "."
}

func (h *Handler) handleEntry(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/queue/"), "/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		h.handleCancel(w, r, parts[0])
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGetEntry(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions" && r.Method == http.MethodPost:
		h.handleEntryAction(w, r, parts[0], parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request, entryID string) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	if !isValidUUID(entryID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "entry id must be a UUID")
		return
	}
	entry, err := h.store.GetEntry(r.Context(), session.ClinicID, entryID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, entryID string) {
	if !isValidUUID(entryID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "entry id must be a UUID")
		return
	}
	var err error
	if session, ok := sessionFromContext(r.Context()); ok {
		err = h.store.CancelEntry(r.Context(), session.ClinicID, entryID)
	} else {
		err = h.store.CancelOwnEntry(r.Context(), entryID)
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type approveRequest struct {
	IsEmergency bool `json:"is_emergency"`
}

type referLabRequest struct {
	TestName string `json:"test_name"`
}

type completeRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) handleEntryAction(w http.ResponseWriter, r *http.Request, entryID, action string) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	if !isValidUUID(entryID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "entry id must be a UUID")
		return
	}

	now := time.Now().UTC()
	switch action {
	case "approve":
		var req approveRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		entry, err := h.store.ApproveEntry(r.Context(), store.ApproveInput{
			ClinicID:    session.ClinicID,
			EntryID:     entryID,
			IsEmergency: req.IsEmergency,
			ApprovedAt:  now,
		})
		respondEntry(w, entry, err)
	case "start":
		entry, err := h.store.StartConsultation(r.Context(), store.EntryActionInput{
			ClinicID:   session.ClinicID,
			EntryID:    entryID,
			OccurredAt: now,
		})
		respondEntry(w, entry, err)
	case "refer-lab":
		var req referLabRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		req.TestName = strings.TrimSpace(req.TestName)
		if req.TestName == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "test_name is required")
			return
		}
		entry, err := h.store.ReferToLab(r.Context(), store.ReferToLabInput{
			ClinicID:   session.ClinicID,
			EntryID:    entryID,
			TestName:   req.TestName,
			OccurredAt: now,
		})
		respondEntry(w, entry, err)
	case "lab-complete":
		entry, err := h.store.CompleteLabTask(r.Context(), store.EntryActionInput{
			ClinicID:   session.ClinicID,
			EntryID:    entryID,
			OccurredAt: now,
		})
		respondEntry(w, entry, err)
	case "complete":
		var req completeRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		record, err := h.store.CompleteVisit(r.Context(), store.CompleteVisitInput{
			ClinicID:    session.ClinicID,
			EntryID:     entryID,
			Notes:       strings.TrimSpace(req.Notes),
			CompletedAt: now,
		})
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, record)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func respondEntry(w http.ResponseWriter, entry models.QueueEntry, err error) {
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	records, err := h.store.ListVisitRecords(r.Context(), session.ClinicID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handlePatientHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := requireSession(w, r); !ok {
		return
	}
	phone := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/records/patient/"), "/")
	if !isValidPhone(phone) {
		writeError(w, http.StatusBadRequest, "invalid_request", "phone must be 8-16 digits")
		return
	}
	records, err := h.store.ListPatientHistory(r.Context(), phone)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) handleStaffList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	doctors, err := h.store.ListDoctors(r.Context(), session.ClinicID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, doctors)
}

type availabilityRequest struct {
	IsAvailable *bool `json:"is_available"`
}

func (h *Handler) handleStaffActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/staff/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "availability" || r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	doctorID := parts[0]
	if !isValidUUID(doctorID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "doctor id must be a UUID")
		return
	}
	var req availabilityRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.IsAvailable == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "is_available is required")
		return
	}
	doctor, err := h.store.SetDoctorAvailability(r.Context(), session.ClinicID, doctorID, *req.IsAvailable)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, doctor)
}

type settingsRequest struct {
	AvgConsultMinutes int `json:"avg_consult_minutes"`
}

func (h *Handler) handleClinicSettings(w http.ResponseWriter, r *http.Request) {
	session, ok := requireSession(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		clinic, err := h.store.GetClinicSettings(r.Context(), session.ClinicID)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, clinic)
	case http.MethodPatch:
		var req settingsRequest
		if !decodeRequest(w, r, &req) {
			return
		}
		if req.AvgConsultMinutes <= 0 || req.AvgConsultMinutes > 240 {
			writeError(w, http.StatusBadRequest, "invalid_request", "avg_consult_minutes must be between 1 and 240")
			return
		}
		clinic, err := h.store.UpdateClinicSettings(r.Context(), session.ClinicID, req.AvgConsultMinutes)
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, clinic)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleClinicDoctors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/clinics/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "doctors" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	clinic, doctors, err := h.store.PublicDoctors(r.Context(), parts[0])
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"clinic":  clinic,
		"doctors": doctors,
	})
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isValidPhone(value string) bool {
	if len(value) < 8 || len(value) > 16 {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrClinicNotFound):
		return http.StatusNotFound, "clinic_not_found", "clinic not found"
	case errors.Is(err, store.ErrDoctorNotFound):
		return http.StatusNotFound, "doctor_not_found", "doctor not found"
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found", "queue entry not found"
	case errors.Is(err, store.ErrDoctorBusy):
		return http.StatusConflict, "precondition_failed", "doctor already has a patient in consultation"
	case errors.Is(err, store.ErrTokenConflict):
		return http.StatusConflict, "token_conflict", "token allocation conflict"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "entry state does not allow this action"
	case errors.Is(err, store.ErrSessionNotFound):
		return http.StatusUnauthorized, "unauthorized", "invalid session"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: responseError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
