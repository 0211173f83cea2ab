package errors

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Details == nil {
			t.Error("Details map is nil")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets correct retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeStorageWrite, "disk full").Retryable {
			t.Error("StorageWrite should be retryable by default")
		}
		if NewError(ErrCodeCacheCorrupt, "bad checksum").Retryable {
			t.Error("CacheCorrupt should not be retryable by default")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code     ErrorCode
		expected ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeStorageRead, CategoryStorage},
		{ErrCodePayloadNotFound, CategoryStorage},
		{ErrCodeCircuitOpen, CategoryStorage},
		{ErrCodeCacheCorrupt, CategoryConsistency},
		{ErrCodeIndexLoad, CategoryConsistency},
		{ErrCodeHandleClosed, CategoryState},
		{ErrCodeInternalError, CategoryInternal},
		{ErrorCode("SOMETHING_ELSE"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := GetCategory(tt.code); got != tt.expected {
				t.Errorf("GetCategory(%v) = %v, want %v", tt.code, got, tt.expected)
			}
		})
	}
}

func TestCacheError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *CacheError
		want string
	}{
		{
			name: "code only",
			err:  NewError(ErrCodeStorageRead, "read failed"),
			want: "STORAGE_READ: read failed",
		},
		{
			name: "with component",
			err:  NewError(ErrCodeStorageRead, "read failed").WithComponent("cache"),
			want: "[cache] STORAGE_READ: read failed",
		},
		{
			name: "with component and operation",
			err:  NewError(ErrCodeStorageRead, "read failed").WithComponent("cache").WithOperation("get"),
			want: "[cache:get] STORAGE_READ: read failed",
		},
		{
			name: "with cause",
			err:  Wrap(io.ErrUnexpectedEOF, ErrCodeStorageRead, "read failed"),
			want: "STORAGE_READ: read failed: unexpected EOF",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCacheError_IsAndUnwrap(t *testing.T) {
	t.Parallel()

	err := Wrap(io.EOF, ErrCodeStorageRead, "read failed")
	wrapped := fmt.Errorf("outer: %w", err)

	if !errors.Is(wrapped, NewError(ErrCodeStorageRead, "")) {
		t.Error("errors.Is should match on code through wrapping")
	}
	if errors.Is(wrapped, NewError(ErrCodeStorageWrite, "")) {
		t.Error("errors.Is should not match a different code")
	}
	if !errors.Is(wrapped, io.EOF) {
		t.Error("errors.Is should reach the cause")
	}

	var cacheErr *CacheError
	if !errors.As(wrapped, &cacheErr) {
		t.Fatal("errors.As failed")
	}
	if cacheErr.Code != ErrCodeStorageRead {
		t.Errorf("Code = %v, want %v", cacheErr.Code, ErrCodeStorageRead)
	}
}

func TestCode(t *testing.T) {
	t.Parallel()

	if got := Code(nil); got != "" {
		t.Errorf("Code(nil) = %q, want empty", got)
	}
	if got := Code(io.EOF); got != "" {
		t.Errorf("Code(io.EOF) = %q, want empty", got)
	}
	err := fmt.Errorf("ctx: %w", NewError(ErrCodeSizeMismatch, "short body"))
	if got := Code(err); got != ErrCodeSizeMismatch {
		t.Errorf("Code() = %q, want %q", got, ErrCodeSizeMismatch)
	}
}

func TestCacheError_String(t *testing.T) {
	t.Parallel()

	err := NewError(ErrCodeStorageDelete, "delete failed").
		WithComponent("maintenance").
		WithOperation("evict").
		WithDetail("location", "00000000000000A1").
		WithCause(io.ErrClosedPipe)

	s := err.String()
	for _, want := range []string{
		"Code=STORAGE_DELETE",
		"Component=maintenance",
		"Operation=evict",
		"Retryable=true",
		`"location":"00000000000000A1"`,
		"Cause=",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %s, missing %q", s, want)
		}
	}
}
