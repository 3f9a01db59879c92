package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrPolicyViolation, "test error message")

	if err == nil {
		t.Fatal("Expected error to be created, got nil")
	}

	if err.Code != ErrPolicyViolation {
		t.Errorf("Expected error code %s, got %s", ErrPolicyViolation, err.Code)
	}

	if err.Message != "test error message" {
		t.Errorf("Expected message 'test error message', got '%s'", err.Message)
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(ErrPrimitiveFailed, "wrapper message", cause)

	if err.Code != ErrPrimitiveFailed {
		t.Errorf("Expected error code %s, got %s", ErrPrimitiveFailed, err.Code)
	}

	if err.Message != "wrapper message" {
		t.Errorf("Expected message 'wrapper message', got '%s'", err.Message)
	}

	if err.Cause != cause {
		t.Error("Expected cause to be set")
	}
}

func TestErrorString(t *testing.T) {
	tests := []struct {
		name     string
		err      *IsolateError
		expected string
	}{
		{
			name:     "Error without cause",
			err:      New(ErrPolicyViolation, "test error"),
			expected: "[POLICY_VIOLATION] test error",
		},
		{
			name:     "Error with cause",
			err:      Wrap(ErrPrimitiveFailed, "wrapper", errors.New("cause")),
			expected: "[PRIMITIVE_FAILED] wrapper: cause",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.expected {
				t.Errorf("Expected error string '%s', got '%s'", tt.expected, tt.err.Error())
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(ErrPrimitiveFailed, "wrapper message", cause)

	if err.Unwrap() != cause {
		t.Error("Expected Unwrap to return the cause")
	}
}

func TestWithHint(t *testing.T) {
	err := New(ErrPermissionDenied, "permission denied").
		WithHint("Try running with sudo")

	if err.Hint != "Try running with sudo" {
		t.Errorf("Expected hint 'Try running with sudo', got '%s'", err.Hint)
	}

	fullMsg := err.GetFullMessage()
	if !strings.Contains(fullMsg, "Hint: Try running with sudo") {
		t.Errorf("Expected full message to contain hint, got '%s'", fullMsg)
	}
}

func TestWithField(t *testing.T) {
	err := New(ErrPrimitiveFailed, "test error").
		WithField("primitive", "bind_mount")

	if err.Fields == nil {
		t.Fatal("Expected fields map to be initialized")
	}

	if err.Fields["primitive"] != "bind_mount" {
		t.Errorf("Expected field 'primitive' to be 'bind_mount', got '%v'", err.Fields["primitive"])
	}
}

func TestWithMultipleFields(t *testing.T) {
	err := New(ErrPrimitiveFailed, "test error").
		WithField("key1", "value1").
		WithField("key2", 123)

	if len(err.Fields) != 2 {
		t.Errorf("Expected 2 fields, got %d", len(err.Fields))
	}

	if err.Fields["key1"] != "value1" {
		t.Errorf("Expected field 'key1' to be 'value1', got '%v'", err.Fields["key1"])
	}

	if err.Fields["key2"] != 123 {
		t.Errorf("Expected field 'key2' to be 123, got '%v'", err.Fields["key2"])
	}
}

func TestIsCode(t *testing.T) {
	err := New(ErrPrimitiveFailed, "test error")

	if !IsCode(err, ErrPrimitiveFailed) {
		t.Error("Expected IsCode to return true for matching code")
	}

	if IsCode(err, ErrLaunchFailed) {
		t.Error("Expected IsCode to return false for non-matching code")
	}

	if IsCode(nil, ErrPrimitiveFailed) {
		t.Error("Expected IsCode to return false for nil error")
	}

	stdErr := errors.New("standard error")
	if IsCode(stdErr, ErrPrimitiveFailed) {
		t.Error("Expected IsCode to return false for standard error")
	}
}

func TestCode(t *testing.T) {
	err := New(ErrPrimitiveFailed, "test error")

	if Code(err) != ErrPrimitiveFailed {
		t.Errorf("Expected error code %s, got %s", ErrPrimitiveFailed, Code(err))
	}

	if Code(nil) != "" {
		t.Errorf("Expected empty code for nil error, got %s", Code(nil))
	}

	stdErr := errors.New("standard error")
	if Code(stdErr) != ErrInternal {
		t.Errorf("Expected ErrInternal for standard error, got %s", Code(stdErr))
	}
}

func TestPrimitive(t *testing.T) {
	cause := errors.New("mount failed")
	err := Primitive("bind_mount", cause)

	if err.Code != ErrPrimitiveFailed {
		t.Errorf("Expected error code %s, got %s", ErrPrimitiveFailed, err.Code)
	}

	if err.Fields["primitive"] != "bind_mount" {
		t.Errorf("Expected primitive field 'bind_mount', got '%v'", err.Fields["primitive"])
	}

	if err.Cause != cause {
		t.Error("Expected cause to be set")
	}
}

func TestUnprivileged(t *testing.T) {
	err := Unprivileged("must run as root")

	if err.Code != ErrUnprivileged {
		t.Errorf("Expected error code %s, got %s", ErrUnprivileged, err.Code)
	}

	if !strings.Contains(err.Hint, "sudo") {
		t.Errorf("Expected hint to mention 'sudo', got '%s'", err.Hint)
	}
}

func TestInternal(t *testing.T) {
	cause := errors.New("internal failure")
	err := Internal("unexpected error", cause)

	if err.Code != ErrInternal {
		t.Errorf("Expected error code %s, got %s", ErrInternal, err.Code)
	}

	if err.Cause != cause {
		t.Error("Expected cause to be set")
	}

	if !strings.Contains(err.Hint, "bug") {
		t.Errorf("Expected hint to mention 'bug', got '%s'", err.Hint)
	}
}

func TestErrorCodes(t *testing.T) {
	codes := []ErrorCode{
		ErrPolicyParse,
		ErrPolicyViolation,
		ErrUnprivileged,
		ErrPrimitiveFailed,
		ErrLaunchFailed,
		ErrAborted,
		ErrInvalidConfig,
		ErrInvalidArgument,
		ErrPermissionDenied,
		ErrInternal,
	}

	for _, code := range codes {
		if code == "" {
			t.Errorf("Error code should not be empty")
		}
	}
}

func TestGetFullMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      *IsolateError
		contains []string
	}{
		{
			name:     "Error without hint",
			err:      New(ErrPolicyViolation, "test error"),
			contains: []string{"POLICY_VIOLATION", "test error"},
		},
		{
			name:     "Error with hint",
			err:      New(ErrPermissionDenied, "access denied").WithHint("Use sudo"),
			contains: []string{"PERMISSION_DENIED", "access denied", "Hint:", "Use sudo"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fullMsg := tt.err.GetFullMessage()
			for _, substr := range tt.contains {
				if !strings.Contains(fullMsg, substr) {
					t.Errorf("Expected full message to contain '%s', got '%s'", substr, fullMsg)
				}
			}
		})
	}
}
