package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"circuit open", ErrCircuitOpen, true},
		{"ask timeout", ErrAskTimeout, true},
		{"mailbox full", ErrMailboxFull, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"invalid data", ErrInvalidData, false},
		{"key mismatch", ErrKeyMismatch, false},
		{"network error", fmt.Errorf("network connection failed"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsTransient(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"unroutable", ErrUnroutable, true},
		{"key mismatch", ErrKeyMismatch, true},
		{"not initialized", ErrNotInitialized, true},
		{"wrapped not initialized", fmt.Errorf("entity 1_44: %w", ErrNotInitialized), true},
		{"parsing failed", ErrParsingFailed, true},
		{"ask timeout", ErrAskTimeout, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsInvalid(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(ErrInvalidConfig) {
		t.Error("invalid config should be fatal")
	}
	if !IsFatal(fmt.Errorf("journal corrupted at offset 12")) {
		t.Error("corruption message should be fatal")
	}
	if IsFatal(ErrAskTimeout) {
		t.Error("ask timeout should not be fatal")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"not initialized", ErrNotInitialized, ErrorInvalid},
		{"ask timeout", ErrAskTimeout, ErrorTransient},
		{"resource exhausted", ErrResourceExhausted, ErrorFatal},
		{"unknown", errors.New("something odd"), ErrorTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.expected {
				t.Errorf("expected %v, got %v", test.expected, got)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("disk unplugged")
	err := Wrap(base, "Journal", "Append", "write record")

	if err.Error() != "Journal.Append: write record failed: disk unplugged" {
		t.Errorf("unexpected message: %s", err.Error())
	}
	if !errors.Is(err, base) {
		t.Error("wrapped error should unwrap to base")
	}
	if Wrap(nil, "a", "b", "c") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrapClassified(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name  string
		err   error
		class ErrorClass
	}{
		{"transient", WrapTransient(base, "Store", "Ask", "deliver"), ErrorTransient},
		{"invalid", WrapInvalid(base, "Store", "Ask", "route"), ErrorInvalid},
		{"fatal", WrapFatal(base, "Store", "Start", "recover"), ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var ce *ClassifiedError
			if !errors.As(test.err, &ce) {
				t.Fatal("expected ClassifiedError")
			}
			if ce.Class != test.class {
				t.Errorf("expected class %v, got %v", test.class, ce.Class)
			}
			if ce.Component != "Store" {
				t.Errorf("expected component Store, got %s", ce.Component)
			}
			if !errors.Is(test.err, base) {
				t.Error("classified error should unwrap to base")
			}
		})
	}
}

func TestCodeRoundTrip(t *testing.T) {
	for code, sentinel := range codes {
		t.Run(code, func(t *testing.T) {
			wrapped := WrapInvalid(sentinel, "Entity", "Receive", "apply")
			if got := Code(wrapped); got != code {
				t.Fatalf("expected code %s, got %s", code, got)
			}

			rebuilt := FromCode(code, wrapped.Error())
			if !errors.Is(rebuilt, sentinel) {
				t.Errorf("rebuilt error should match sentinel %v", sentinel)
			}
			if IsInvalid(sentinel) != IsInvalid(rebuilt) {
				t.Errorf("class mismatch after round trip for %s", code)
			}
		})
	}
}

func TestFromCode_Unknown(t *testing.T) {
	if FromCode("", "") != nil {
		t.Error("empty code should produce nil")
	}
	err := FromCode("internal", "database melted")
	if err == nil || !strings.Contains(err.Error(), "database melted") {
		t.Errorf("unexpected error: %v", err)
	}
	if Code(errors.New("plain")) != "internal" {
		t.Error("unknown errors should map to internal")
	}
}

func BenchmarkClassify(b *testing.B) {
	err := Wrap(ErrKeyMismatch, "Entity", "Receive", "check key")
	for i := 0; i < b.N; i++ {
		_ = Classify(err)
	}
}
