// Package codec renders relay responses and errors as JSON.
package codec

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/conversion-relay/internal/core/domain"
)

// ErrorResponse is a serialized error ready to be written.
type ErrorResponse struct {
	StatusCode int
	Body       []byte
}

type errorBody struct {
	Error errorObject `json:"error"`
}

type errorObject struct {
	Type    domain.ErrorType `json:"type"`
	Code    domain.ErrorCode `json:"code,omitempty"`
	Message string           `json:"message"`
	Param   string           `json:"param,omitempty"`
}

// ToCanonicalError converts any error to a domain.APIError.
// If the error is already a domain.APIError, it returns it directly.
// Anything else becomes an opaque server error.
func ToCanonicalError(err error) *domain.APIError {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return domain.ErrServer("internal error")
}

// FormatError renders err as {"error":{"type","code","message"}}.
func FormatError(err error) *ErrorResponse {
	apiErr := ToCanonicalError(err)
	body, _ := json.Marshal(errorBody{Error: errorObject{
		Type:    apiErr.Type,
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Param:   apiErr.Param,
	}})
	return &ErrorResponse{
		StatusCode: apiErr.HTTPStatusCode(),
		Body:       body,
	}
}

// WriteError writes err with the status its type maps to.
func WriteError(w http.ResponseWriter, err error) {
	resp := FormatError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
