package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInput           = errors.New("invalid_input")
	ErrExecutionFailed = errors.New("execution_failed")
	ErrStorage         = errors.New("storage_error")
	ErrConflict        = errors.New("conflict")
	ErrDecode          = errors.New("decode_error")
	ErrNotFound        = errors.New("not_found")
)

// ErrorKind names the category a failure belongs to.
type ErrorKind string

const (
	KindInput     ErrorKind = "invalid_input"
	KindExecution ErrorKind = "simulation_failed"
	KindStorage   ErrorKind = "storage_error"
	KindConflict  ErrorKind = "conflict"
	KindDecode    ErrorKind = "decode_error"
	KindNotFound  ErrorKind = "not_found"
	KindInternal  ErrorKind = "internal_error"
)

// InputError reports a malformed or missing bundle member. It is raised
// before any I/O or process invocation.
type InputError struct {
	Member string
	Reason string
	Err    error
}

func (e *InputError) Error() string {
	var b strings.Builder
	b.WriteString("invalid input")
	if e.Member != "" {
		b.WriteString(" ")
		b.WriteString(e.Member)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *InputError) Unwrap() error { return e.Err }

func (e *InputError) Is(target error) bool { return target == ErrInput }

// Inputf builds an InputError for member.
func Inputf(member, format string, args ...any) error {
	return &InputError{Member: member, Reason: fmt.Sprintf(format, args...)}
}

// ExecutionError reports that the external simulation process failed or
// produced no usable output. Diagnostics holds the tail of its output.
type ExecutionError struct {
	Backend     Backend
	ExitCode    int
	Reason      string
	Diagnostics string
	Err         error
}

func (e *ExecutionError) Error() string {
	msg := "simulation failed"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Is(target error) bool { return target == ErrExecutionFailed }

// StorageError reports a ledger or blob store I/O failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return "storage: " + e.Op
	}
	return "storage: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Storage wraps err as a StorageError unless it is nil or already classified
// as not-found or storage.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStorage) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// ConflictError is returned by the run ledger when a fingerprint is already
// bound to a different run id.
type ConflictError struct {
	Existing RunRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("fingerprint %s already recorded as run %s", e.Existing.Fingerprint, e.Existing.RunID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// DecodeError reports stored bytes that cannot be decompressed or parsed.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Classify maps err onto the taxonomy used by transports.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInput):
		return KindInput
	case errors.Is(err, ErrExecutionFailed):
		return KindExecution
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrDecode):
		return KindDecode
	case errors.Is(err, ErrStorage):
		return KindStorage
	default:
		return KindInternal
	}
}
