package validator

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	registerCustomValidations()
}

func registerCustomValidations() {
	// Kinds a manual grant may record. Consumption is only ever written by a consume.
	validate.RegisterValidation("grant_kind", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "", "purchase", "refill":
			return true
		}
		return false
	})

	// Client idempotency keys: printable, no surrounding spaces.
	validate.RegisterValidation("idempotency_key", func(fl validator.FieldLevel) bool {
		key := fl.Field().String()
		if key != strings.TrimSpace(key) {
			return false
		}
		for _, r := range key {
			if r < 0x20 || r == 0x7f {
				return false
			}
		}
		return true
	})
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"_": "Invalid request"}
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required", "required_without":
			fields[field] = "This field is required"
		case "min":
			fields[field] = "Value is too short (min: " + fe.Param() + ")"
		case "max":
			fields[field] = "Value is too long (max: " + fe.Param() + ")"
		case "gt":
			fields[field] = "Value must be greater than " + fe.Param()
		case "gte":
			fields[field] = "Value must be at least " + fe.Param()
		case "lte":
			fields[field] = "Value must be at most " + fe.Param()
		case "grant_kind":
			fields[field] = "Invalid kind. Must be: purchase or refill"
		case "idempotency_key":
			fields[field] = "Invalid idempotency key"
		default:
			fields[field] = "Invalid value"
		}
	}

	return fields
}

// ValidateVar validates a single variable
func ValidateVar(field interface{}, tag string) error {
	return validate.Var(field, tag)
}
