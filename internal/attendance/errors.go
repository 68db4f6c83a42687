package attendance

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound reports a missing member or company.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports that a conditional update lost to a concurrent writer.
	ErrConflict = errors.New("version conflict")
	// ErrDuplicateEmail reports a violated email uniqueness constraint.
	ErrDuplicateEmail = errors.New("email already in use")
	// ErrInvalidCredentials is returned by Login for unknown emails and bad passwords alike.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAlreadyScanned is the sentinel matched by *AlreadyScannedError.
	ErrAlreadyScanned = errors.New("already scanned today")
	// ErrInvalidCompanyCode reports a scanned company QR code that matches no company.
	ErrInvalidCompanyCode = errors.New("invalid company qr code")
	// ErrAdminExists is returned by RegisterFirstAdmin once an admin is stored.
	ErrAdminExists = errors.New("an admin already exists")
	// ErrNoQueue is returned when a job is requested but no queue is configured.
	ErrNoQueue = errors.New("job queue not configured")
)

// AlreadyScannedError is a business-rule rejection, not a system failure.
type AlreadyScannedError struct {
	Name string
	Date string
}

func (e *AlreadyScannedError) Error() string {
	return fmt.Sprintf("%s already scanned on %s", e.Name, e.Date)
}

// Is makes errors.Is(err, ErrAlreadyScanned) match.
func (e *AlreadyScannedError) Is(target error) bool {
	return target == ErrAlreadyScanned
}

// FieldError is one per-field validation message.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError carries every problem found in an input, not just the first.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Field+": "+f.Message)
	}
	return "invalid input: " + strings.Join(msgs, "; ")
}

// Messages returns the field messages in order.
func (e *ValidationError) Messages() []string {
	out := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		out = append(out, f.Message)
	}
	return out
}

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// PersistenceError wraps a store failure with the operation that failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence: " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// persistErr wraps store errors, leaving the domain sentinels recognisable to callers.
func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrDuplicateEmail) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
