package backend

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Envelope statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Envelope is the JSON wrapper every StudentStore endpoint responds with.
type Envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// envelopeSchema requires a known status and a message on errors.
const envelopeSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["status"],
	"properties": {
		"status": {"enum": ["success", "error"]},
		"message": {"type": "string"}
	},
	"if": {"properties": {"status": {"const": "error"}}},
	"then": {"required": ["message"]}
}`

var compiledEnvelope = jsonschema.MustCompileString("envelope.json", envelopeSchema)

// APIError is returned when the backend answers with an error envelope or
// a non-2xx status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("backend error: %s", e.Message)
	}
	return fmt.Sprintf("backend error (%d): %s", e.StatusCode, e.Message)
}

// NotFound reports whether the backend said the resource does not exist.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}
