// Package paramutil holds the shared decode-then-validate helper every C5
// adapter uses to turn a Start event's raw params into its typed struct
// (spec §4.1, §4.4).
package paramutil

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode unmarshals raw into a new T and runs struct tag validation over
// it, so a malformed or incomplete Start surfaces as a single decode error
// instead of a panic deep inside an adapter.
func Decode[T any](raw json.RawMessage) (T, error) {
	var params T
	if err := json.Unmarshal(raw, &params); err != nil {
		return params, fmt.Errorf("decode params: %w", err)
	}
	if err := validate.Struct(&params); err != nil {
		return params, fmt.Errorf("validate params: %w", err)
	}
	return params, nil
}
