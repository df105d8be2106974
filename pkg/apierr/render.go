package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Payload is the JSON body rendered for every error response.
type Payload struct {
	StatusCode int    `json:"statusCode"`
	ErrorCode  string `json:"error"`
	Message    string `json:"message"`
}

// ToPayload converts any error into a renderable payload. Foreign errors are
// sanitized to a bare 500 so internal details never reach clients.
func ToPayload(err error) Payload {
	var e *Error
	if errors.As(err, &e) {
		return Payload{
			StatusCode: e.StatusCode,
			ErrorCode:  string(e.Code),
			Message:    e.Message,
		}
	}
	return Payload{
		StatusCode: http.StatusInternalServerError,
		ErrorCode:  string(CodeInternalError),
		Message:    "Internal Server Error",
	}
}

// Render writes the JSON error response for err.
func Render(w http.ResponseWriter, err error) {
	p := ToPayload(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(p.StatusCode)
	_ = json.NewEncoder(w).Encode(p)
}
