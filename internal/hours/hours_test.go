package hours

import (
	"math/big"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"", 0, true},
		{"0", 0, true},
		{"1", 100, true},
		{"1.5", 150, true},
		{"1.50", 150, true},
		{"0.25", 25, true},
		{"-0.25", -25, true},
		{"-2", -200, true},
		{"2.125", 212, true}, // truncated, not rounded
		{"1.2.3", 0, false},
		{"abc", 0, false},
		{"-", 0, false},
	}

	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if ok != tt.ok {
			t.Errorf("Parse(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got.Int64() != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got.Int64(), tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0.00"},
		{100, "1.00"},
		{150, "1.50"},
		{25, "0.25"},
		{-25, "-0.25"},
		{12345, "123.45"},
	}

	for _, tt := range tests {
		if got := Format(big.NewInt(tt.in)); got != tt.want {
			t.Errorf("Format(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatNil(t *testing.T) {
	if got := Format(nil); got != "0.00" {
		t.Errorf("Format(nil) = %q, want 0.00", got)
	}
}

func TestNeg(t *testing.T) {
	if got := Neg("2.00"); got != "-2.00" {
		t.Errorf("Neg(2.00) = %q", got)
	}
	if got := Neg("-1.50"); got != "1.50" {
		t.Errorf("Neg(-1.50) = %q", got)
	}
}

func TestIsProvisionable(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"0.50", true},
		{"0.5", true},
		{"2", true},
		{"0.49", false},
		{"0", false},
		{"-1", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		if got := IsProvisionable(tt.in); got != tt.want {
			t.Errorf("IsProvisionable(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	for _, s := range []string{"0.00", "0.50", "1.25", "100.75", "-3.50"} {
		v, ok := Parse(s)
		if !ok {
			t.Fatalf("Parse(%q) failed", s)
		}
		if got := Format(v); got != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}
}
