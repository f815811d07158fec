package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	dErrors "midas/pkg/domain-errors"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // unclassified failure
	ExitCommandError = 2 // bad flags, arguments or configuration
	ExitNotFound     = 3
	ExitDenied       = 4 // unauthorized, forbidden
	ExitRejected     = 5 // the record's state or content refused the request
	ExitUnavailable  = 6 // backend or review system unreachable
)

// ExitCodeFor maps an error's domain code to a process exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var de *dErrors.Error
	if !errors.As(err, &de) {
		return ExitFailure
	}
	switch de.Code {
	case dErrors.CodeBadRequest, dErrors.CodeConfiguration, dErrors.CodeValidation:
		return ExitCommandError
	case dErrors.CodeNotFound, dErrors.CodePartNotAccessible:
		return ExitNotFound
	case dErrors.CodeUnauthorized, dErrors.CodeForbidden:
		return ExitDenied
	case dErrors.CodeConflict, dErrors.CodeInvalidUpdate, dErrors.CodeNotEditable,
		dErrors.CodeNotSubmittable, dErrors.CodeInvalidState:
		return ExitRejected
	case dErrors.CodeUnavailable, dErrors.CodeTimeout:
		return ExitUnavailable
	default:
		return ExitFailure
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the JSON envelope every command writes.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
}

// Success writes a command result. Text output prints strings bare and
// everything else as indented JSON.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return f.writeJSON(CLIResponse{Status: "ok", Data: data})
	}
	switch v := data.(type) {
	case nil:
		return nil
	case string:
		_, err := fmt.Fprintln(f.Writer, v)
		return err
	default:
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		_, err = fmt.Fprintln(f.Writer, string(out))
		return err
	}
}

// Error reports a failed command in the configured format.
func (f *OutputFormatter) Error(err error) error {
	code := dErrors.CodeOf(err)
	var details []string
	var de *dErrors.Error
	if errors.As(err, &de) {
		details = de.Details
	}
	if f.Format == "json" {
		return f.writeJSON(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: string(code), Message: err.Error(), Details: details},
		})
	}
	if _, werr := fmt.Fprintf(f.Writer, "error (%s): %v\n", code, err); werr != nil {
		return werr
	}
	for _, d := range details {
		if _, werr := fmt.Fprintf(f.Writer, "  - %s\n", d); werr != nil {
			return werr
		}
	}
	return nil
}

func (f *OutputFormatter) writeJSON(resp CLIResponse) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
