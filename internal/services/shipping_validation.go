package services

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"unicode"

	"github.com/go-playground/validator/v10"
)

var (
	phonePattern   = regexp.MustCompile(`^\+?[0-9]{8,15}$`)
	zipcodePattern = regexp.MustCompile(`^[0-9A-Za-z\- ]+$`)

	shippingValidator = newShippingValidator()
)

func newShippingValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON-facing lower camel names.
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := []rune(field.Name)
		if len(name) == 0 {
			return ""
		}
		name[0] = unicode.ToLower(name[0])
		return string(name)
	})
	mustRegister(v, "phone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
	mustRegister(v, "zipcode", func(fl validator.FieldLevel) bool {
		return zipcodePattern.MatchString(fl.Field().String())
	})
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("services: register %s validation: %v", tag, err))
	}
}

// validateShipping checks a sanitised address and reports the first failing field.
func validateShipping(in ShippingInput) error {
	err := shippingValidator.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Field: "shipping", Message: err.Error()}
	}
	fe := fieldErrs[0]
	return &ValidationError{Field: fe.Field(), Message: shippingMessage(fe)}
}

func shippingMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "is not a valid address"
	case "phone":
		return "must be 8-15 digits with an optional leading +"
	case "zipcode":
		return "contains invalid characters"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return "is invalid"
	}
}
