package core

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"vshift/internal/datum"
	"vshift/internal/grid"
	"vshift/internal/types"
)

// Validator wraps go-playground/validator and registers the vshift tags:
//
//	region    - "west/east/south/north" parsable by grid.ParseBounds
//	increment - a grid spacing parsable by grid.ParseIncrement
//	datum     - a datum spec parsable by datum.ParseSpec
type Validator struct {
	validate *validator.Validate
	logger   *slog.Logger
}

// NewValidator creates a Validator. Field names in errors use the json tag.
func NewValidator(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	must := func(tag string, fn validator.Func) {
		if err := v.RegisterValidation(tag, fn); err != nil {
			panic(fmt.Sprintf("register validation %q: %v", tag, err))
		}
	}
	must("region", func(fl validator.FieldLevel) bool {
		_, _, _, _, err := grid.ParseBounds(fl.Field().String())
		return err == nil
	})
	must("increment", func(fl validator.FieldLevel) bool {
		_, _, err := grid.ParseIncrement(fl.Field().String())
		return err == nil
	})
	must("datum", func(fl validator.FieldLevel) bool {
		_, err := datum.ParseSpec(fl.Field().String())
		return err == nil
	})

	return &Validator{validate: v, logger: logger}
}

// errCodeValidationInvalidValue covers failing tags without a dedicated code.
const errCodeValidationInvalidValue types.ErrorCode = "validation_invalid_value"

// tagCodes maps a failing tag to the error code reported to clients.
var tagCodes = map[string]types.ErrorCode{
	"required":  types.ErrCodeValidationMissingField,
	"region":    types.ErrCodeValidationInvalidRegion,
	"increment": types.ErrCodeValidationInvalidIncrement,
	"datum":     types.ErrCodeValidationUnsupportedDatum,
}

// ValidateStruct validates s and returns nil or a *types.AppError describing
// the first failing field. Every failure is listed under details["fields"].
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "request validation failed", err)
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}

	first := verrs[0]
	code, ok := tagCodes[first.Tag()]
	if !ok {
		code = errCodeValidationInvalidValue
		if strings.Contains(strings.ToLower(first.Field()), "epoch") {
			code = types.ErrCodeValidationInvalidEpoch
		}
	}
	return types.NewAppErrorWithDetails(code, fieldMessage(first), err, map[string]any{
		"field":  first.Field(),
		"fields": fields,
	})
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "region":
		return fmt.Sprintf("%s must be west/east/south/north in degrees, got %q", fe.Field(), fe.Value())
	case "increment":
		return fmt.Sprintf("%s must be a positive spacing such as 0.01, 3s or 1m, got %q", fe.Field(), fe.Value())
	case "datum":
		return fmt.Sprintf("%s %q is not a supported datum", fe.Field(), fe.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
}
