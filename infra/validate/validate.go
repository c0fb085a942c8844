// Package validate holds the shared validator instance and the custom rules used by
// config loading and request decoding.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	instance *validator.Validate
	once     sync.Once

	referencePattern = regexp.MustCompile(`^[A-Za-z0-9._:/-]{1,64}$`)
	binPattern       = regexp.MustCompile(`^[0-9]{6}$`)
)

// AllowedMaxInstallments are the only installment ceilings the gateway accepts
var AllowedMaxInstallments = []int{1, 3, 6, 9, 12}

// Validator returns the shared validator with custom rules registered
func Validator() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("gateway_mode", func(fl validator.FieldLevel) bool {
			m := fl.Field().String()
			return m == "sandbox" || m == "live"
		})
		_ = v.RegisterValidation("max_installments", func(fl validator.FieldLevel) bool {
			return IsAllowedMaxInstallments(int(fl.Field().Int()))
		})
		_ = v.RegisterValidation("reference", func(fl validator.FieldLevel) bool {
			return referencePattern.MatchString(fl.Field().String())
		})
		_ = v.RegisterValidation("bin", func(fl validator.FieldLevel) bool {
			return binPattern.MatchString(fl.Field().String())
		})
		instance = v
	})
	return instance
}

// IsAllowedMaxInstallments reports whether n is an accepted installment ceiling
func IsAllowedMaxInstallments(n int) bool {
	for _, allowed := range AllowedMaxInstallments {
		if n == allowed {
			return true
		}
	}
	return false
}

// IsReference reports whether s is a well-formed local reference
func IsReference(s string) bool {
	return referencePattern.MatchString(s)
}

// IsBIN reports whether s is a six digit card prefix
func IsBIN(s string) bool {
	return binPattern.MatchString(s)
}

// Struct validates s and flattens validator errors into one readable error
func Struct(s any) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return &Error{Fields: fieldNames(verrs), Message: strings.Join(msgs, "; ")}
}

// Error is a flattened validation failure
type Error struct {
	Fields  []string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func fieldNames(verrs validator.ValidationErrors) []string {
	out := make([]string, len(verrs))
	for i, fe := range verrs {
		out[i] = fe.Namespace()
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", fe.Namespace())
	case "max_installments":
		return fmt.Sprintf("%s must be one of %v", fe.Namespace(), AllowedMaxInstallments)
	case "gateway_mode":
		return fmt.Sprintf("%s must be sandbox or live", fe.Namespace())
	case "reference":
		return fmt.Sprintf("%s must be 1-64 characters of letters, digits or ._:/-", fe.Namespace())
	case "bin":
		return fmt.Sprintf("%s must be exactly 6 digits", fe.Namespace())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Namespace(), fe.Param())
	case "gt", "min":
		return fmt.Sprintf("%s must be greater than %s", fe.Namespace(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Namespace(), fe.Tag())
	}
}
