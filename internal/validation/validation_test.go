package validation

import (
	"testing"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"hs_a1b2c3d4", true},
		{"svc_tutoring", true},
		{"rpt_0f3e9a", true},

		{"a1b2c3d4", false},
		{"hs-a1b2c3", false},
		{"_abc", false},
		{"hs_", false},
		{"", false},
		{"hs_a b", false},
	}

	for _, tc := range tests {
		if got := IsValidID(tc.id); got != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errors := Validate(
		Required("title", "Guitar lessons"),
		ValidHours("hours", "1.50"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	errors = Validate(
		Required("title", ""),
		ValidHours("hours", "abc"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestValidHours(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1.00", true},
		{"0.50", true},
		{"100", true},
		{".50", true}, // lenient: parsed as 0.50
		{"1.", true},  // lenient: parsed as 1.00

		{"abc", false},
		{"-1.00", false},
		{"1.2.3", false},
		{"0.00", false},
	}

	for _, tc := range tests {
		err := ValidHours("hours", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidHours(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("field", "hello", 10)(); err != nil {
		t.Error("Expected no error for string under limit")
	}
	if err := MaxLength("field", "hello", 5)(); err != nil {
		t.Error("Expected no error for string at limit")
	}
	if err := MaxLength("field", "hello world", 5)(); err == nil {
		t.Error("Expected error for string over limit")
	}
}
