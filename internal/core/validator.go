package core

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"rentaltrack/internal/types"
)

// ValidationError describes one invalid field of a request body.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Validator wraps go-playground/validator and reports failures as AppErrors
// that name fields by their JSON keys.
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	return &Validator{validate: v, logger: logger}
}

// ValidateStruct validates s. The returned AppError carries the code of the
// first failure and lists every failure under details["validation_errors"].
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		v.logger.Error("struct validation could not run", slog.Any("error", err))
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	errs := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, toValidationError(fe))
	}

	return types.NewAppErrorWithDetails(
		types.ErrorCode(errs[0].Code),
		errs[0].Message,
		err,
		map[string]any{"validation_errors": errs},
	)
}

func toValidationError(fe validator.FieldError) ValidationError {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return ValidationError{
			Field:   field,
			Code:    string(types.ErrCodeValidationMissingField),
			Message: field + " is required",
		}
	case "email":
		return ValidationError{
			Field:   field,
			Code:    string(types.ErrCodeValidationInvalidEmail),
			Message: field + " must be a valid email address",
		}
	case "max":
		return ValidationError{
			Field:   field,
			Code:    string(types.ErrCodeValidationFailed),
			Message: field + " must be at most " + fe.Param() + " characters",
		}
	default:
		return ValidationError{
			Field:   field,
			Code:    string(types.ErrCodeValidationFailed),
			Message: field + " failed " + fe.Tag() + " validation",
		}
	}
}
