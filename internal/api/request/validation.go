package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/edvin/proxyhost/internal/model"
)

var validate = model.NewValidator()

const maxBodyBytes = 1 << 20

// Decode parses a JSON body into v and validates its struct tags.
// Errors are *model.ValidationError.
func Decode(r *http.Request, v any) error {
	return decode(r, v, false)
}

// DecodeOptional is Decode for endpoints whose body may be empty.
func DecodeOptional(r *http.Request, v any) error {
	return decode(r, v, true)
}

func decode(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	switch {
	case errors.Is(err, io.EOF) && optional:
	case err != nil:
		return &model.ValidationError{Field: "body", Message: fmt.Sprintf("invalid JSON: %v", err), Err: err}
	}
	if err := validate.Struct(v); err != nil {
		return model.AsValidationError(err)
	}
	return nil
}

// RequireID returns s or a validation error when it is empty.
func RequireID(s string) (string, error) {
	if s == "" {
		return "", &model.ValidationError{Field: "id", Message: "missing required ID"}
	}
	return s, nil
}
