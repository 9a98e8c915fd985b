package clierror

import (
	"encoding/json"
	"fmt"
	"os"
)

// Exit codes of verdictctl.
const (
	ExitSuccess     = 0 // Operation completed successfully
	ExitGeneral     = 1 // Unknown/unhandled error
	ExitAuth        = 2 // Missing or rejected credential
	ExitAttestation = 3 // Evidence appraised with a false verdict
	ExitNotFound    = 4 // Resource doesn't exist
	ExitInvalid     = 5 // Request rejected by validation
	ExitConflict    = 6 // Request violates a state precondition
)

// Error codes (strings) for programmatic error handling
const (
	CodeAppraisalFailed    = "APPRAISAL_FAILED"
	CodeNotAuthorized      = "NOT_AUTHORIZED"
	CodeDeviceNotFound     = "DEVICE_NOT_FOUND"
	CodePolicyNotFound     = "POLICY_NOT_FOUND"
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodePreconditionFailed = "PRECONDITION_FAILED"
	CodeConnectionFailed   = "CONNECTION_FAILED"
	CodeInternalError      = "INTERNAL_ERROR"
)

// CLIError represents a structured error for CLI output.
type CLIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Path      string `json:"path,omitempty"`
	Hint      string `json:"hint,omitempty"`
	Retryable bool   `json:"retryable"`
	ExitCode  int    `json:"-"` // Not serialized, used for os.Exit
}

// Error implements the error interface.
func (e *CLIError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// FromEnvelope converts one error of a server response envelope. id is the
// error kind reported by the server.
func FromEnvelope(id, path, msg string) *CLIError {
	switch id {
	case "inv":
		return &CLIError{
			Code:     CodeInvalidRequest,
			Message:  msg,
			Path:     path,
			Hint:     "Fix the field named by the path and retry",
			ExitCode: ExitInvalid,
		}
	case "log":
		return &CLIError{
			Code:     CodePreconditionFailed,
			Message:  msg,
			Hint:     "Check the current state with 'verdictctl device show' or 'verdictctl policy show'",
			ExitCode: ExitConflict,
		}
	case "oob":
		return &CLIError{
			Code:     CodeNotFound,
			Message:  msg,
			Hint:     "List existing entities with 'verdictctl device list' or 'verdictctl policy list'",
			ExitCode: ExitNotFound,
		}
	case "auth":
		return NotAuthorized(msg)
	default:
		return &CLIError{
			Code:      CodeInternalError,
			Message:   msg,
			Retryable: true,
			ExitCode:  ExitGeneral,
		}
	}
}

// AppraisalFailed creates an error for evidence that was appraised with a
// false verdict.
func AppraisalFailed(deviceID string, annotations int) *CLIError {
	return &CLIError{
		Code:      CodeAppraisalFailed,
		Message:   fmt.Sprintf("device %s is not trusted (%d annotations)", deviceID, annotations),
		Hint:      "Inspect the annotations with 'verdictctl device show " + deviceID + "'",
		Retryable: false,
		ExitCode:  ExitAttestation,
	}
}

// NotAuthorized creates an error for a missing or rejected credential.
func NotAuthorized(reason string) *CLIError {
	return &CLIError{
		Code:      CodeNotAuthorized,
		Message:   reason,
		Hint:      "Pass the credential returned at enrollment with --credential",
		Retryable: false,
		ExitCode:  ExitAuth,
	}
}

// DeviceNotFound creates an error when a device doesn't exist.
func DeviceNotFound(id string) *CLIError {
	return &CLIError{
		Code:      CodeDeviceNotFound,
		Message:   fmt.Sprintf("device '%s' not found", id),
		Hint:      "Check device ids with 'verdictctl device list'",
		Retryable: false,
		ExitCode:  ExitNotFound,
	}
}

// PolicyNotFound creates an error when a policy doesn't exist.
func PolicyNotFound(id string) *CLIError {
	return &CLIError{
		Code:      CodePolicyNotFound,
		Message:   fmt.Sprintf("policy '%s' not found", id),
		Hint:      "Check policy ids with 'verdictctl policy list'",
		Retryable: false,
		ExitCode:  ExitNotFound,
	}
}

// ConnectionFailed creates an error for connection failures.
func ConnectionFailed(target string) *CLIError {
	return &CLIError{
		Code:      CodeConnectionFailed,
		Message:   fmt.Sprintf("failed to connect to '%s'", target),
		Hint:      "Check that verdictd is running and --server points at it",
		Retryable: true,
		ExitCode:  ExitGeneral,
	}
}

// InternalError creates an error for unexpected internal errors.
func InternalError(err error) *CLIError {
	msg := "an unexpected internal error occurred"
	if err != nil {
		msg = fmt.Sprintf("internal error: %s", err.Error())
	}
	return &CLIError{
		Code:      CodeInternalError,
		Message:   msg,
		Retryable: false,
		ExitCode:  ExitGeneral,
	}
}

// FormatError returns the error formatted for the given output format.
// Supported formats: "json" for JSON output, anything else for human-readable table format.
func FormatError(err *CLIError, outputFormat string) string {
	if outputFormat == "json" {
		data, jsonErr := json.MarshalIndent(err, "", "  ")
		if jsonErr != nil {
			return fmt.Sprintf(`{"code":%q,"message":%q}`, err.Code, err.Message)
		}
		return string(data)
	}

	output := fmt.Sprintf("Error [%s]: %s", err.Code, err.Error())
	if err.Hint != "" {
		output += fmt.Sprintf("\nHint: %s", err.Hint)
	}
	return output
}

// PrintError prints the error to stderr in the appropriate format.
func PrintError(err *CLIError, outputFormat string) {
	fmt.Fprintln(os.Stderr, FormatError(err, outputFormat))
}
