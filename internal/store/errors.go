package store

import "errors"

var (
	ErrClinicNotFound  = errors.New("clinic not found")
	ErrDoctorNotFound  = errors.New("doctor not found")
	ErrEntryNotFound   = errors.New("queue entry not found")
	ErrInvalidState    = errors.New("entry state does not allow this action")
	ErrDoctorBusy      = errors.New("doctor already has a consultation in progress")
	ErrTokenConflict   = errors.New("token allocation conflict")
	ErrSessionNotFound = errors.New("session not found")
)
