package domain

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateEvent checks an event at the ingestion boundary.
func ValidateEvent(e *Event) error {
	if e == nil {
		return NewValidationError("event", "event", "is nil")
	}
	if err := checkStruct("event", e); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		return NewValidationError("event", "timestamp", "is zero")
	}
	switch e.Type {
	case EventTypeCommunication, EventTypeStorage, EventTypeActivity,
		EventTypeEnvironmental, EventTypeSystem:
	default:
		return NewValidationError("event", "event_type", "is not a known type")
	}
	return nil
}

// ValidateProviderInfo checks a provider registration request.
func ValidateProviderInfo(p *ProviderInfo) error {
	if p == nil {
		return NewValidationError("provider", "provider", "is nil")
	}
	return checkStruct("provider", p)
}

// ValidateCursorUpdate checks a cursor update request.
func ValidateCursorUpdate(u *CursorUpdate) error {
	if u == nil {
		return NewValidationError("cursor_update", "cursor_update", "is nil")
	}
	return checkStruct("cursor_update", u)
}

func checkStruct(kind string, v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return NewValidationError(kind, fe.Field(), "failed rule "+fe.Tag())
	}
	return NewValidationError(kind, "", err.Error())
}
