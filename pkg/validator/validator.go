package validator

import (
	"net/mail"
	"strings"
)

// MaxBulkKeys bounds how many notifications one bulk request may name
const MaxBulkKeys = 200

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ""
	}
	var msgs []string
	for _, e := range v {
		msgs = append(msgs, e.Field+": "+e.Message)
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any errors
func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

// Add adds a validation error
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, ValidationError{Field: field, Message: message})
}

// ValidateEmail validates an email address
func ValidateEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

// SanitizeEmail normalizes an email address
func SanitizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateLogin checks a login form. The password is only required to be
// present; the dispatch API owns the password rules.
func ValidateLogin(email, password string) ValidationErrors {
	var errors ValidationErrors

	switch {
	case strings.TrimSpace(email) == "":
		errors.Add("email", "is required")
	case !ValidateEmail(email):
		errors.Add("email", "is not a valid email address")
	}
	if password == "" {
		errors.Add("password", "is required")
	}

	return errors
}

// ValidateKeys checks the notification keys of a bulk request
func ValidateKeys(keys []string) ValidationErrors {
	var errors ValidationErrors

	if len(keys) == 0 {
		errors.Add("keys", "must name at least one notification")
		return errors
	}
	if len(keys) > MaxBulkKeys {
		errors.Add("keys", "too many notifications in one request")
		return errors
	}
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			errors.Add("keys", "must not contain empty keys")
			break
		}
	}

	return errors
}
