// Package validator wraps go-playground/validator with the tags the legacy
// import relies on.
package validator

import (
	"errors"
	"reflect"

	"nald_import/platform/sanitize"

	"github.com/go-playground/validator/v10"
)

// TagNotNull rejects empty strings and the legacy "null" sentinel.
const TagNotNull = "notnull"

// Validator validates struct tags on claim inputs and request bodies.
type Validator struct {
	v *validator.Validate
}

// New creates a Validator with the legacy tags registered.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation(TagNotNull, notNull); err != nil {
		panic(err)
	}
	return &Validator{v: v}
}

// Struct validates a struct based on validation tags.
func (val *Validator) Struct(s any) error {
	return val.v.Struct(s)
}

// Var validates a single variable against a tag.
func (val *Validator) Var(field any, tag string) error {
	return val.v.Var(field, tag)
}

// FieldErrors returns the names of the fields that failed validation, or nil
// when err carries no validation errors.
func FieldErrors(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return fields
}

func notNull(fl validator.FieldLevel) bool {
	field := fl.Field()
	if field.Kind() != reflect.String {
		return false
	}
	return !sanitize.IsNull(field.String())
}
