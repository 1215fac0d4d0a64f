// Package validator checks request payloads against their validate tags.
package validator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var global = New()

// New returns a validator that reports fields by their json names.
func New() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks s and describes the first failing field.
func Validate(ctx context.Context, s any) error {
	return describe(global.StructCtx(ctx, s))
}

func describe(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]

	var msg string
	switch fe.Tag() {
	case "required", "required_unless":
		msg = "is required"
	case "gt":
		msg = "must be greater than " + fe.Param()
	case "gte", "min":
		msg = "must be at least " + fe.Param()
	case "lt":
		msg = "must be less than " + fe.Param()
	case "lte", "max":
		msg = "must be at most " + fe.Param()
	default:
		msg = "is invalid"
	}
	return fmt.Errorf("%s %s", fe.Field(), msg)
}
