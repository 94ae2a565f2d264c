package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/angeloszaimis/service-gateway/internal/gatewayerr"
)

// Envelope is the body of every management response and of every error the
// gateway itself answers with.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, body Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func WriteSuccess(w http.ResponseWriter, status int, message string, data any) {
	WriteJSON(w, status, Envelope{Success: true, Message: message, Data: data})
}

// WriteError answers with the status err maps to. Unclassified errors become
// a generic 500 so internals never leak to clients. Validation errors carry
// their per-field messages under data.fields when data is nil.
func WriteError(w http.ResponseWriter, err error, data any) {
	var gerr *gatewayerr.Error
	if !errors.As(err, &gerr) {
		gerr = gatewayerr.Internal(err)
	}

	if gerr.RetryAfter > 0 {
		seconds := int(math.Ceil(gerr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	if data == nil {
		if fields := gerr.FieldErrors(); fields != nil {
			data = map[string]any{"fields": fields}
		}
	}

	WriteJSON(w, gerr.StatusCode(), Envelope{
		Success: false,
		Error:   gerr.Message,
		Data:    data,
	})
}
