package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/episim-labs/episim-go/internal/domain"
)

// Exit codes.
const (
	ExitSuccess   = 0
	ExitFailure   = 1 // storage or unexpected failure
	ExitUsage     = 2 // bad flags, manifest or configuration
	ExitSimFailed = 3 // the external simulation failed
	ExitNotFound  = 4
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps err to a process exit code. Explicit ExitErrors win; other
// errors are classified by their domain kind.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	switch domain.Classify(err) {
	case domain.KindInput:
		return ExitUsage
	case domain.KindExecution:
		return ExitSimFailed
	case domain.KindNotFound:
		return ExitNotFound
	default:
		return ExitFailure
	}
}

// OutputFormatter prints command results as "key: value" lines or as one
// JSON object.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

type response struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
	Error  *errorBody     `json:"error,omitempty"`
}

type errorBody struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func (f *OutputFormatter) Success(data map[string]any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(response{Status: "ok", Data: data})
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(f.Writer, "%s: %v\n", k, data[k]); err != nil {
			return err
		}
	}
	return nil
}

func (f *OutputFormatter) Error(err error) error {
	body := &errorBody{Kind: string(domain.Classify(err)), Message: err.Error()}
	var execErr *domain.ExecutionError
	if errors.As(err, &execErr) {
		body.Diagnostics = execErr.Diagnostics
	}
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(response{Status: "error", Error: body})
	}
	if _, werr := fmt.Fprintf(f.Writer, "Error [%s]: %s\n", body.Kind, body.Message); werr != nil {
		return werr
	}
	if body.Diagnostics != "" {
		_, werr := fmt.Fprintf(f.Writer, "--- diagnostics ---\n%s\n", body.Diagnostics)
		return werr
	}
	return nil
}
