package model

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// SubdomainPattern matches a single lowercase DNS label.
var SubdomainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

var validate = NewValidator()

// NewValidator returns a validator with the custom tags used by this module registered.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	v.RegisterValidation("subdomain", func(fl validator.FieldLevel) bool {
		return SubdomainPattern.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks a Host's struct tags.
func (h *Host) Validate() error {
	return ValidateStruct(h)
}

// ValidateStruct runs struct-tag validation and converts the result into a *ValidationError.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	return AsValidationError(err)
}

// AsValidationError converts validator output into a *ValidationError naming the first bad field.
func AsValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Message: err.Error(), Err: err}
	}
	fe := fieldErrs[0]
	return &ValidationError{
		Field:   fe.Field(),
		Message: describeTag(fe),
		Err:     err,
	}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "subdomain":
		return fmt.Sprintf("%q is not a valid DNS label", fe.Value())
	case "fqdn":
		return fmt.Sprintf("%q is not a valid hostname", fe.Value())
	case "email":
		return fmt.Sprintf("%q is not a valid email address", fe.Value())
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}
