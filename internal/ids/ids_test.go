// Package ids provides unit tests for identifier generation and validation.
package ids

import (
	"sort"
	"testing"
	"time"

	apperrors "github.com/agrilink/fieldsync/backend/internal/errors"
)

// TestNewEntityID tests that NewEntityID() generates valid UUID v4 strings.
func TestNewEntityID(t *testing.T) {
	id := NewEntityID()

	if id == "" {
		t.Fatal("Expected non-empty id")
	}
	if !IsValidEntityID(id) {
		t.Errorf("Generated id does not match v4 format: %s", id)
	}
}

// TestNewEntityIDUniqueness tests that NewEntityID() generates unique ids.
func TestNewEntityIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewEntityID()
		if seen[id] {
			t.Fatalf("Duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

// TestIsValidEntityID tests UUID v4 recognition.
func TestIsValidEntityID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"valid UUID v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"valid UUID v4 uppercase", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", true},
		{"empty string", "", false},
		{"too short", "f47ac10b-58cc-4372-a567", false},
		{"missing dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"v1 instead of v4", "f47ac10b-58cc-1372-a567-0e02b2c3d479", false},
		{"invalid variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", false},
		{"local placeholder", "L1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidEntityID(tt.id); got != tt.want {
				t.Errorf("IsValidEntityID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

// TestValidateEntityID tests the validation error kind.
func TestValidateEntityID(t *testing.T) {
	if err := ValidateEntityID("f47ac10b-58cc-4372-a567-0e02b2c3d479"); err != nil {
		t.Errorf("ValidateEntityID(valid) error = %v", err)
	}

	err := ValidateEntityID("not-a-uuid")
	if err == nil {
		t.Fatal("ValidateEntityID(invalid) should fail")
	}
	if !apperrors.IsKind(err, apperrors.KindValidation) {
		t.Errorf("error kind = %v, want validation", apperrors.KindOf(err))
	}
}

// TestNewOperationIDOrdering tests that ids sort in generation order,
// including ids generated within the same millisecond.
func TestNewOperationIDOrdering(t *testing.T) {
	now := time.Now()
	generated := make([]string, 0, 500)
	for i := 0; i < 500; i++ {
		generated = append(generated, newOperationIDAt(now))
	}

	sorted := append([]string(nil), generated...)
	sort.Strings(sorted)

	for i := range generated {
		if generated[i] != sorted[i] {
			t.Fatalf("id %d out of order: %s vs %s", i, generated[i], sorted[i])
		}
	}
}

// TestOperationTime tests extracting the timestamp from an operation id.
func TestOperationTime(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123)
	id := newOperationIDAt(at)

	got, err := OperationTime(id)
	if err != nil {
		t.Fatalf("OperationTime() error = %v", err)
	}
	if !got.Equal(at) {
		t.Errorf("OperationTime() = %v, want %v", got, at)
	}

	if _, err := OperationTime("nope"); err == nil {
		t.Error("OperationTime(invalid) should fail")
	}
}

// BenchmarkNewOperationID benchmarks operation id generation.
func BenchmarkNewOperationID(b *testing.B) {
	for i := 0; i < b.N; i++ {
		NewOperationID()
	}
}
