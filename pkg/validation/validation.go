// Package validation wraps go-playground/validator behind AppError-shaped
// results so callers branch on codes, not validator internals.
package validation

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"stocksync/internal/core/apperror"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Struct validates s against its `validate` tags. Returns a
// CodeValidation AppError listing every failed field.
func Struct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	fieldErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperror.NewValidation(err.Error())
	}

	appErr := apperror.NewValidation("invalid input")
	var fields []string
	for _, fe := range fieldErrors {
		fields = append(fields, fe.Field())
		appErr.WithDetail(strings.ToLower(fe.Field()), describe(fe))
	}
	appErr.Message = "invalid input: " + strings.Join(fields, ", ")
	return appErr
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}
