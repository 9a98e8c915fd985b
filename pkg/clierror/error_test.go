package clierror

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestExitCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		got      int
		expected int
	}{
		{"ExitSuccess", ExitSuccess, 0},
		{"ExitGeneral", ExitGeneral, 1},
		{"ExitAuth", ExitAuth, 2},
		{"ExitAttestation", ExitAttestation, 3},
		{"ExitNotFound", ExitNotFound, 4},
		{"ExitInvalid", ExitInvalid, 5},
		{"ExitConflict", ExitConflict, 6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("%s = %d, want %d", tt.name, tt.got, tt.expected)
			}
		})
	}
}

func TestCLIError_Error(t *testing.T) {
	t.Parallel()
	err := &CLIError{
		Code:    CodeDeviceNotFound,
		Message: "device '7' not found",
	}
	if err.Error() != "device '7' not found" {
		t.Errorf("Error() = %q, want %q", err.Error(), "device '7' not found")
	}

	err = &CLIError{
		Code:    CodeInvalidRequest,
		Message: "not a hex string",
		Path:    "/pcrs/0",
	}
	if err.Error() != "/pcrs/0: not a hex string" {
		t.Errorf("Error() = %q, want path prefix", err.Error())
	}
}

func TestFromEnvelope(t *testing.T) {
	t.Parallel()
	tests := []struct {
		id        string
		code      string
		exitCode  int
		retryable bool
		keepsPath bool
	}{
		{"inv", CodeInvalidRequest, ExitInvalid, false, true},
		{"log", CodePreconditionFailed, ExitConflict, false, false},
		{"oob", CodeNotFound, ExitNotFound, false, false},
		{"auth", CodeNotAuthorized, ExitAuth, false, false},
		{"err", CodeInternalError, ExitGeneral, true, false},
		{"something-new", CodeInternalError, ExitGeneral, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := FromEnvelope(tt.id, "/name", "boom")
			if err.Code != tt.code {
				t.Errorf("Code = %q, want %q", err.Code, tt.code)
			}
			if err.ExitCode != tt.exitCode {
				t.Errorf("ExitCode = %d, want %d", err.ExitCode, tt.exitCode)
			}
			if err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", err.Retryable, tt.retryable)
			}
			if (err.Path == "/name") != tt.keepsPath {
				t.Errorf("Path = %q, keepsPath %v", err.Path, tt.keepsPath)
			}
			if err.Message != "boom" {
				t.Errorf("Message = %q, want %q", err.Message, "boom")
			}
		})
	}
}

func TestAppraisalFailed(t *testing.T) {
	t.Parallel()
	err := AppraisalFailed("12", 3)

	if err.Code != CodeAppraisalFailed {
		t.Errorf("Code = %q, want %q", err.Code, CodeAppraisalFailed)
	}
	if err.ExitCode != ExitAttestation {
		t.Errorf("ExitCode = %d, want %d", err.ExitCode, ExitAttestation)
	}
	if !strings.Contains(err.Message, "3 annotations") {
		t.Errorf("Message should contain annotation count, got %q", err.Message)
	}
	if !strings.Contains(err.Hint, "verdictctl device show 12") {
		t.Errorf("Hint should reference the device, got %q", err.Hint)
	}
	if err.Retryable {
		t.Error("Retryable should be false for a false verdict")
	}
}

func TestNotFoundErrors(t *testing.T) {
	t.Parallel()
	for _, err := range []*CLIError{DeviceNotFound("42"), PolicyNotFound("42")} {
		if err.ExitCode != ExitNotFound {
			t.Errorf("%s: ExitCode = %d, want %d", err.Code, err.ExitCode, ExitNotFound)
		}
		if !strings.Contains(err.Message, "'42'") {
			t.Errorf("%s: Message should contain the id, got %q", err.Code, err.Message)
		}
		if err.Hint == "" {
			t.Errorf("%s: Hint should not be empty", err.Code)
		}
	}
}

func TestConnectionFailed(t *testing.T) {
	t.Parallel()
	err := ConnectionFailed("http://localhost:18080")

	if err.Code != CodeConnectionFailed {
		t.Errorf("Code = %q, want %q", err.Code, CodeConnectionFailed)
	}
	if !strings.Contains(err.Message, "localhost:18080") {
		t.Errorf("Message should contain target, got %q", err.Message)
	}
	if !err.Retryable {
		t.Error("Retryable should be true for connection failures")
	}
}

func TestInternalError(t *testing.T) {
	t.Parallel()
	err := InternalError(errors.New("disk full"))
	if !strings.Contains(err.Message, "disk full") {
		t.Errorf("Message should wrap cause, got %q", err.Message)
	}

	err = InternalError(nil)
	if err.Message != "an unexpected internal error occurred" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestFormatError_JSON(t *testing.T) {
	t.Parallel()
	err := FromEnvelope("inv", "/pcrs/0", "not a hex string")
	out := FormatError(err, "json")

	var decoded map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(out), &decoded); jsonErr != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", jsonErr, out)
	}
	if decoded["code"] != CodeInvalidRequest {
		t.Errorf("code = %v, want %q", decoded["code"], CodeInvalidRequest)
	}
	if decoded["path"] != "/pcrs/0" {
		t.Errorf("path = %v, want /pcrs/0", decoded["path"])
	}
	if _, ok := decoded["ExitCode"]; ok {
		t.Error("exit code must not be serialized")
	}
}

func TestFormatError_Table(t *testing.T) {
	t.Parallel()
	out := FormatError(PolicyNotFound("9"), "table")

	if !strings.HasPrefix(out, "Error [POLICY_NOT_FOUND]: policy '9' not found") {
		t.Errorf("unexpected first line: %q", out)
	}
	if !strings.Contains(out, "\nHint: ") {
		t.Errorf("hint line missing: %q", out)
	}

	out = FormatError(&CLIError{Code: CodeInternalError, Message: "x"}, "")
	if strings.Contains(out, "Hint") {
		t.Errorf("empty hint must be omitted: %q", out)
	}
}
