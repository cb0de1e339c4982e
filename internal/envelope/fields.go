package envelope

import (
	"fmt"
	"strings"
	"time"
)

const dateValueLayout = "2006-01-02"

// validateFieldPlacement checks a new field's geometry and type-specific
// configuration before it is attached to a draft.
func validateFieldPlacement(f Field) error {
	switch f.Type {
	case FieldSignature, FieldInitial, FieldText, FieldDate,
		FieldCheckbox, FieldRadio, FieldDropdown, FieldEmail:
	default:
		return fmt.Errorf("%w: unknown field type %q", ErrValidation, f.Type)
	}
	if f.Page < 1 {
		return fmt.Errorf("%w: page must be >= 1", ErrValidation)
	}
	if f.X < 0 || f.Y < 0 || f.W <= 0 || f.H <= 0 {
		return fmt.Errorf("%w: field box must have positive size and non-negative origin", ErrValidation)
	}
	// Page-relative units: the box must lie inside the page.
	if f.X+f.W > 1 || f.Y+f.H > 1 {
		return fmt.Errorf("%w: field box exceeds page bounds", ErrValidation)
	}
	switch f.Type {
	case FieldRadio, FieldDropdown:
		if len(f.Options) == 0 {
			return fmt.Errorf("%w: %s field requires options", ErrValidation, f.Type)
		}
		seen := make(map[string]struct{}, len(f.Options))
		for _, opt := range f.Options {
			if strings.TrimSpace(opt) == "" {
				return fmt.Errorf("%w: empty option", ErrValidation)
			}
			if _, dup := seen[opt]; dup {
				return fmt.Errorf("%w: duplicate option %q", ErrValidation, opt)
			}
			seen[opt] = struct{}{}
		}
	default:
		if len(f.Options) > 0 {
			return fmt.Errorf("%w: %s field does not take options", ErrValidation, f.Type)
		}
	}
	return nil
}

// validateFieldValue applies the field's type-specific completion rule.
// Required fields never accept an empty value; optional text fields may be
// completed blank, every other type demands a well-formed value.
func validateFieldValue(f Field, value string) error {
	if value == "" {
		if f.Required {
			return fmt.Errorf("%w: required field cannot be empty", ErrFieldValidation)
		}
		if f.Type == FieldText {
			return nil
		}
		return fmt.Errorf("%w: %s field requires a value", ErrFieldValidation, f.Type)
	}
	switch f.Type {
	case FieldSignature, FieldInitial:
		// Opaque signature image reference; presence is the contract.
		return nil
	case FieldText:
		if len(value) > MaxMessageLength {
			return fmt.Errorf("%w: text value too long", ErrFieldValidation)
		}
		return nil
	case FieldDate:
		if _, err := time.Parse(dateValueLayout, value); err != nil {
			return fmt.Errorf("%w: date must match %s", ErrFieldValidation, dateValueLayout)
		}
		return nil
	case FieldCheckbox:
		if value != "true" && value != "false" {
			return fmt.Errorf("%w: checkbox value must be true or false", ErrFieldValidation)
		}
		return nil
	case FieldRadio, FieldDropdown:
		for _, opt := range f.Options {
			if value == opt {
				return nil
			}
		}
		return fmt.Errorf("%w: value is not one of the configured options", ErrFieldValidation)
	case FieldEmail:
		if err := validateEmail(value); err != nil {
			return fmt.Errorf("%w: invalid email value", ErrFieldValidation)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown field type %q", ErrFieldValidation, f.Type)
}

// requiredComplete reports whether every required field assigned to the
// recipient has been completed. This is the submission gate input.
func requiredComplete(fields []Field, recipientID string) bool {
	for _, f := range fields {
		if f.RecipientID != recipientID || !f.Required {
			continue
		}
		if !f.Completed {
			return false
		}
	}
	return true
}
