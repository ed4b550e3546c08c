package websocket

import (
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
)

var ErrIdentityMismatch = errors.New("payload identity does not match connection")

// decodePayload unmarshals and validates one inbound event payload.
func decodePayload[T any](validate *validator.Validate, data json.RawMessage) (T, error) {
	var payload T
	if len(data) == 0 {
		return payload, errors.New("empty payload")
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, err
	}
	if err := validate.Struct(payload); err != nil {
		return payload, err
	}
	return payload, nil
}
