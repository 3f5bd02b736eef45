package phone

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in      string
		country string
		want    string
		wantErr bool
	}{
		{"+966 50 123 4567", "966", "966501234567", false},
		{"00966501234567", "966", "966501234567", false},
		{"0501234567", "966", "966501234567", false},
		{"501234567", "966", "966501234567", false},
		{"966501234567", "966", "966501234567", false},
		{"+1 (415) 555-0100", "966", "14155550100", false},
		{"0501234567", "", "", true},   // local form, no default country
		{"12345", "966", "", true},     // too short
		{"abc123", "966", "", true},    // letters
		{"", "966", "", true},          // empty
	}

	for _, tc := range cases {
		got, err := Normalize(tc.in, tc.country)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Normalize(%q) err = %v, want ErrInvalid", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Normalize(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValid(t *testing.T) {
	if !Valid("+966501234567", "966") {
		t.Error("valid number rejected")
	}
	if Valid("not-a-number", "966") {
		t.Error("garbage accepted")
	}
}
