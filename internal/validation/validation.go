// Package validation содержит функции валидации входных данных.
package validation

import (
	"fmt"
	"unicode"
)

// Error описывает ошибку валидации конкретного поля запроса.
type Error struct {
	Field  string
	Reason string
}

// Error реализует интерфейс error.
func (e *Error) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Errorf создаёт ошибку валидации для указанного поля.
func Errorf(field, reason string) *Error {
	return &Error{Field: field, Reason: reason}
}

// SubmissionInput описывает поля заявки на партию продукции, подлежащие проверке.
type SubmissionInput struct {
	ProductName string
	Category    string
	Quantity    int64
	Unit        string
	PriceCents  int64
}

// ValidateSubmission проверяет заявку фермера: обязательные поля,
// положительные количество и цену.
func ValidateSubmission(in SubmissionInput) error {
	if in.ProductName == "" {
		return Errorf("productName", "required")
	}
	if in.Category == "" {
		return Errorf("category", "required")
	}
	if in.Unit == "" {
		return Errorf("unit", "required")
	}
	if in.Quantity <= 0 {
		return Errorf("quantity", "must be positive")
	}
	if in.PriceCents <= 0 {
		return Errorf("farmerPrice", "must be positive")
	}
	return nil
}

// ValidateAmountCents проверяет, что денежная сумма строго положительна.
func ValidateAmountCents(field string, amountCents int64) error {
	if amountCents <= 0 {
		return Errorf(field, "must be positive")
	}
	return nil
}

// IsValidMsisdn проверяет номер мобильного кошелька для выплат:
// от 10 до 15 цифр, допускается ведущий знак «+».
func IsValidMsisdn(msisdn string) bool {
	if msisdn == "" {
		return false
	}

	digits := msisdn
	if digits[0] == '+' {
		digits = digits[1:]
	}

	if len(digits) < 10 || len(digits) > 15 {
		return false
	}

	for _, ch := range digits {
		if !unicode.IsDigit(ch) {
			return false
		}
	}

	return true
}
