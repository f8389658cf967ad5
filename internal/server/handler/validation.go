package handler

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// fieldErrors converts validation errors to a field -> message map. Messages never echo values.
func fieldErrors(err error) map[string]string {
	out := make(map[string]string)
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return out
	}
	for _, e := range verrs {
		field := strings.ToLower(e.Field())
		switch e.Tag() {
		case "required":
			out[field] = fmt.Sprintf("%s is required", field)
		case "email":
			out[field] = "invalid email format"
		case "max":
			out[field] = fmt.Sprintf("%s must be at most %s characters", field, e.Param())
		case "min":
			out[field] = fmt.Sprintf("%s must be at least %s characters", field, e.Param())
		default:
			out[field] = fmt.Sprintf("%s is invalid", field)
		}
	}
	return out
}
