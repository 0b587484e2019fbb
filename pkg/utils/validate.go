package utils

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/payalb/course-management/pkg/apperrors"
	"github.com/payalb/course-management/pkg/domain"
)

// NewValidator returns a validator that compares domain.Money fields as numbers,
// so tags such as gt=0 work on prices. The price tag checks column precision.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	_ = v.RegisterValidation("price", storablePrice)

	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if m, ok := field.Interface().(domain.Money); ok {
			f, _ := m.Float64()
			return f
		}
		return nil
	}, domain.Money{})

	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})

	return v
}

// storablePrice reads the original Money from the parent struct; the field
// value itself has already been converted to float64.
func storablePrice(fl validator.FieldLevel) bool {
	field := fl.Parent().FieldByName(fl.StructFieldName())
	if field.Kind() == reflect.Pointer {
		if field.IsNil() {
			return true
		}
		field = field.Elem()
	}

	m, ok := field.Interface().(domain.Money)
	return ok && m.Storable()
}

// ValidateStruct runs v over s and converts a failure into *apperrors.ValidationError.
func ValidateStruct(v *validator.Validate, s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}

	var invalid validator.ValidationErrors
	if !errors.As(err, &invalid) {
		return err
	}

	return apperrors.NewValidationError(FormatValidationError(invalid))
}

func FormatValidationError(err error) map[string]string {
	fields := make(map[string]string)

	var invalid validator.ValidationErrors
	if !errors.As(err, &invalid) {
		fields["request"] = err.Error()
		return fields
	}

	for _, fe := range invalid {
		field := fe.Field()

		switch fe.Tag() {
		case "required":
			fields[field] = fmt.Sprintf("%s is required", field)
		case "min":
			fields[field] = fmt.Sprintf("%s must be at least %s characters", field, fe.Param())
		case "max":
			fields[field] = fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
		case "gt":
			fields[field] = fmt.Sprintf("%s must be greater than %s", field, fe.Param())
		case "gte":
			fields[field] = fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
		case "price":
			fields[field] = fmt.Sprintf(
				"%s must have at most %d decimal places and %d integer digits",
				field, domain.MoneyScale, domain.MaxMoneyIntegerDigits,
			)
		case "oneof":
			fields[field] = fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
		default:
			fields[field] = fmt.Sprintf("%s is invalid", field)
		}
	}
	return fields
}
