package errors_test

import (
	"errors"
	"fmt"
	"testing"

	. "sandboxjudge/pkg/errors"
)

func TestErrorCode_Message(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{Success, "Success"},
		{SubmissionNotFound, "Submission not found"},
		{LanguageNotSupported, "Programming language not supported"},
		{SandboxNotRunning, "Sandbox worker is not running"},
		{ErrorCode(99999), "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.code.Message(); got != tt.want {
				t.Errorf("Message() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{Success, 200},
		{InvalidParams, 400},
		{ValidationFailed, 400},
		{LanguageNotSupported, 400},
		{SubmissionNotFound, 404},
		{ProblemNotFound, 404},
		{SubmissionInvalidState, 409},
		{JudgeQueueFull, 429},
		{ServiceUnavailable, 503},
		{SandboxError, 500},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestNewf(t *testing.T) {
	err := Newf(SubmissionNotFound, "submission %s not found", "s-1")

	if err.Code != SubmissionNotFound {
		t.Errorf("Code = %v, want %v", err.Code, SubmissionNotFound)
	}
	if err.Error() != "submission s-1 not found" {
		t.Errorf("Error() = %v", err.Error())
	}
	if err.Stack == "" {
		t.Error("expected stack to be captured")
	}
}

func TestWrapf(t *testing.T) {
	originalErr := errors.New("connection refused")
	wrappedErr := Wrapf(originalErr, DatabaseError, "claim submissions")

	if wrappedErr.Code != DatabaseError {
		t.Errorf("Code = %v, want %v", wrappedErr.Code, DatabaseError)
	}
	if wrappedErr.Error() != "claim submissions: connection refused" {
		t.Errorf("Error() = %v", wrappedErr.Error())
	}
	if !errors.Is(wrappedErr, originalErr) {
		t.Error("wrapped error should match the original")
	}
	if Wrapf(nil, DatabaseError, "noop") != nil {
		t.Error("Wrapf(nil) should return nil")
	}
}

func TestIsWalksChain(t *testing.T) {
	inner := New(SandboxNotRunning)
	outer := Wrap(inner, SandboxError)
	std := fmt.Errorf("run: %w", outer)

	if !Is(std, SandboxError) || !Is(std, SandboxNotRunning) {
		t.Error("Is() should find every code in the chain")
	}
	if GetCode(std) != SandboxError {
		t.Errorf("GetCode() = %v, want outermost %v", GetCode(std), SandboxError)
	}
	if Is(std, DatabaseError) {
		t.Error("Is() should return false for absent code")
	}
	if Is(nil, SandboxError) {
		t.Error("Is() should return false for nil error")
	}
}

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{name: "nil error", err: nil, want: Success},
		{name: "custom error", err: New(ProblemNotFound), want: ProblemNotFound},
		{name: "standard error", err: errors.New("standard error"), want: InternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Errorf("GetCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	err := ValidationError("sourceCode", "required")
	if err.Code != ValidationFailed {
		t.Errorf("Code = %v, want %v", err.Code, ValidationFailed)
	}
	if err.Error() != "sourceCode required" {
		t.Errorf("Error() = %v", err.Error())
	}
	if err.Details["field"] != "sourceCode" || err.Details["reason"] != "required" {
		t.Errorf("unexpected details: %v", err.Details)
	}
}

func TestGetErrorWrapsForeignErrors(t *testing.T) {
	err := GetError(errors.New("boom"))
	if err.Code != InternalServerError {
		t.Errorf("Code = %v, want %v", err.Code, InternalServerError)
	}
	if GetError(nil) != nil {
		t.Error("GetError(nil) should return nil")
	}
}
