package validation

import (
	"testing"
)

func TestIsValidTONAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"EQBvW8Z5huBkMJYdnfAEM5JqTNkuWX3diqYENkWsIL0XggGG", true},
		{"UQBvW8Z5huBkMJYdnfAEM5JqTNkuWX3diqYENkWsIL0Xgl9B", true},
		{"kQBvW8Z5huBkMJYdnfAEM5JqTNkuWX3diqYENkWsIL0Xgu-t", true},
		{"0:83dfd552e63729b472fcbcc8c45ebcc6691702558b68ec7527e1ba403a0f31a8", true},
		{"-1:83dfd552e63729b472fcbcc8c45ebcc6691702558b68ec7527e1ba403a0f31a8", true},

		// Invalid cases
		{"EQBvW8Z5huBkMJYdnfAEM5JqTNkuWX3diqYENkWsIL0Xgg", false}, // too short
		{"XXBvW8Z5huBkMJYdnfAEM5JqTNkuWX3diqYENkWsIL0XggGG", false},
		{"0:83dfd552e63729b472fcbcc8c45ebcc66917", false}, // truncated raw
		{"0x1234567890123456789012345678901234567890", false},
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidTONAddress(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidTONAddress(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestIsValidTxHash(t *testing.T) {
	tests := []struct {
		hash  string
		valid bool
	}{
		{"83dfd552e63729b472fcbcc8c45ebcc6691702558b68ec7527e1ba403a0f31a8", true},
		{"83DFD552E63729B472FCBCC8C45EBCC6691702558B68EC7527E1BA403A0F31A8", true},
		{"83dfd552", false},
		{"zzdfd552e63729b472fcbcc8c45ebcc6691702558b68ec7527e1ba403a0f31a8", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := IsValidTxHash(tc.hash); got != tc.valid {
			t.Errorf("IsValidTxHash(%q) = %v, want %v", tc.hash, got, tc.valid)
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
		{"with\x00null", 20, "withnull"},
	}
	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("receiver_address", ""),
		PositiveAmount("amount", 0),
		MaxLength("message", "ok", 500),
	)
	if len(errs) != 2 {
		t.Fatalf("expected 2 validation errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "receiver_address" {
		t.Errorf("first error field = %q", errs[0].Field)
	}
	if errs[1].Field != "amount" {
		t.Errorf("second error field = %q", errs[1].Field)
	}
}

func TestValidAddressAllowsEmpty(t *testing.T) {
	if err := ValidAddress("sender_address", "")(); err != nil {
		t.Errorf("empty address should pass ValidAddress, got %v", err)
	}
	if err := ValidAddress("sender_address", "not-an-address")(); err == nil {
		t.Error("expected error for malformed address")
	}
}
