// Package verify holds the proof-of-presence policies, one per attendance
// method. Each one only answers accept or reject; the session rules live in
// package attendance.
package verify

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"uniattend/internal/attendance"
)

var validate = newValidator()

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

// decodeProof unmarshals and validates a proof payload. Any problem is the
// caller's fault and comes back as attendance.ErrInvalidInput.
func decodeProof(method attendance.Method, raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return attendance.InvalidInput("%s proof required", method)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return attendance.InvalidInput("malformed %s proof: %v", method, err)
	}
	if err := validate.Struct(dst); err != nil {
		return attendance.InvalidInput("malformed %s proof: %s", method, describe(err))
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
