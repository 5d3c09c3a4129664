package services

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	validator "github.com/go-playground/validator/v10"
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationError reports the first failing field as an invalid error.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return NewInvalidError(err.Error())
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return NewInvalidError(fmt.Sprintf("%s is required", fe.Field()))
	case "http_url", "url":
		return NewInvalidError(fmt.Sprintf("%s must be a valid http or https URL", fe.Field()))
	}
	return NewInvalidError(fmt.Sprintf("%s is invalid", fe.Field()))
}
