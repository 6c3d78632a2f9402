package models

import (
	"errors"
	"fmt"
	"strings"
)

// Message validation errors.
var (
	ErrMessageIDRequired      = errors.New("message id is required")
	ErrMessageTimestampNeeded = errors.New("message timestamp is required")
)

// ValidationError is one failed field check.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (v ValidationError) Error() string {
	if v.Field == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// ValidationErrors collects field failures for a record.
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// Add records err against field. Nested ValidationErrors are flattened with
// dotted field names.
func (v *ValidationErrors) Add(field string, err error) {
	if err == nil {
		return
	}

	var nested *ValidationErrors
	if errors.As(err, &nested) {
		for _, sub := range nested.Errors {
			v.Errors = append(v.Errors, ValidationError{
				Field:   joinField(field, sub.Field),
				Message: sub.Message,
				Cause:   sub.Cause,
			})
		}
		return
	}

	v.Errors = append(v.Errors, ValidationError{
		Field:   field,
		Message: err.Error(),
		Cause:   err,
	})
}

// AddMessage records a failure without an underlying cause.
func (v *ValidationErrors) AddMessage(field, message string) {
	if message == "" {
		return
	}
	v.Errors = append(v.Errors, ValidationError{Field: field, Message: message})
}

// Err returns nil when nothing failed.
func (v *ValidationErrors) Err() error {
	if v == nil || len(v.Errors) == 0 {
		return nil
	}
	return v
}

func (v *ValidationErrors) Error() string {
	if v == nil || len(v.Errors) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(v.Errors))
	for _, err := range v.Errors {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}

// Is lets errors.Is see through to field causes.
func (v *ValidationErrors) Is(target error) bool {
	if v == nil {
		return false
	}
	for _, err := range v.Errors {
		if err.Cause != nil && errors.Is(err.Cause, target) {
			return true
		}
	}
	return false
}

// Validate checks a stored message before it is written.
func (m *Message) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(m.ID) == "" {
		validation.Add("id", ErrMessageIDRequired)
	}
	if strings.TrimSpace(m.ConversationID) == "" {
		validation.Add("conversation_id", ErrConversationIDRequired)
	}
	if m.Timestamp.IsZero() {
		validation.Add("timestamp", ErrMessageTimestampNeeded)
	}
	if _, err := ParseSenderKind(string(m.Sender)); err != nil {
		validation.Add("sender_kind", err)
	}
	return validation.Err()
}

func joinField(prefix, field string) string {
	switch {
	case prefix == "":
		return field
	case field == "":
		return prefix
	default:
		return prefix + "." + field
	}
}
