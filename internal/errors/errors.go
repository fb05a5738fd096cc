package errors

import (
	"errors"
	"fmt"
)

// Local and remote store errors.
var (
	ErrNotFound       = errors.New("object not found")
	ErrCorruptPayload = errors.New("corrupt payload")
)

// Encryption errors.
var (
	ErrMissingSecret = errors.New("encryption key required to decrypt data")
	ErrWrongSecret   = errors.New("encryption key does not match encrypted data")
)

// Service errors.
var (
	ErrModeDisabled = errors.New("sync is disabled")
)

// ConfigurationError reports missing or incomplete configuration the user
// must fix: credentials, bucket settings, or the encryption key.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration: %v", e.Err)
	}

	return fmt.Sprintf("configuration %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransientIOError wraps a network or object-store failure that is worth
// retrying.
type TransientIOError struct {
	Op  string
	Key string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// ConflictOrCorruptionError reports a malformed metadata or backup document.
// Callers with a rebuild path rebuild instead of propagating it.
type ConflictOrCorruptionError struct {
	Document string
	Err      error
}

func (e *ConflictOrCorruptionError) Error() string {
	return fmt.Sprintf("malformed %s: %v", e.Document, e.Err)
}

func (e *ConflictOrCorruptionError) Unwrap() error { return e.Err }

// CapacityError reports a multipart upload that was aborted because a part
// could not be stored after exhausting its retries.
type CapacityError struct {
	Key  string
	Part int
	Err  error
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("multipart upload %s aborted at part %d: %v", e.Key, e.Part, e.Err)
}

func (e *CapacityError) Unwrap() error { return e.Err }

// IsConfiguration reports whether err carries a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsTransient reports whether err carries a TransientIOError.
func IsTransient(err error) bool {
	var te *TransientIOError
	return errors.As(err, &te)
}
