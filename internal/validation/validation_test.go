package validation

import (
	"errors"
	"testing"
)

func TestValidateSubmission(t *testing.T) {
	valid := SubmissionInput{
		ProductName: "Tomatoes",
		Category:    "vegetables",
		Quantity:    100,
		Unit:        "kg",
		PriceCents:  12000,
	}

	tests := []struct {
		name      string
		mutate    func(in *SubmissionInput)
		wantField string
	}{
		{
			name:   "valid input",
			mutate: func(in *SubmissionInput) {},
		},
		{
			name:      "missing product name",
			mutate:    func(in *SubmissionInput) { in.ProductName = "" },
			wantField: "productName",
		},
		{
			name:      "missing category",
			mutate:    func(in *SubmissionInput) { in.Category = "" },
			wantField: "category",
		},
		{
			name:      "missing unit",
			mutate:    func(in *SubmissionInput) { in.Unit = "" },
			wantField: "unit",
		},
		{
			name:      "zero quantity",
			mutate:    func(in *SubmissionInput) { in.Quantity = 0 },
			wantField: "quantity",
		},
		{
			name:      "negative price",
			mutate:    func(in *SubmissionInput) { in.PriceCents = -1 },
			wantField: "farmerPrice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)

			err := ValidateSubmission(in)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			var vErr *Error
			if !errors.As(err, &vErr) {
				t.Fatalf("expected *validation.Error, got %v", err)
			}
			if vErr.Field != tt.wantField {
				t.Fatalf("field = %s, want %s", vErr.Field, tt.wantField)
			}
		})
	}
}

func TestIsValidMsisdn(t *testing.T) {
	tests := []struct {
		name   string
		msisdn string
		valid  bool
	}{
		{
			name:   "local format",
			msisdn: "0712345678",
			valid:  true,
		},
		{
			name:   "international format",
			msisdn: "+254712345678",
			valid:  true,
		},
		{
			name:   "too short",
			msisdn: "12345",
			valid:  false,
		},
		{
			name:   "contains letters",
			msisdn: "07123abc78",
			valid:  false,
		},
		{
			name:   "empty string",
			msisdn: "",
			valid:  false,
		},
		{
			name:   "plus only",
			msisdn: "+",
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidMsisdn(tt.msisdn); got != tt.valid {
				t.Fatalf("IsValidMsisdn(%q) = %v, want %v", tt.msisdn, got, tt.valid)
			}
		})
	}
}
