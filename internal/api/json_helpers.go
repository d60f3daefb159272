package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"mediafetch/internal/delivery"
	"mediafetch/internal/errs"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	delivery.WriteJSON(w, status, payload)
}

func writeError(w http.ResponseWriter, err error) {
	delivery.WriteError(w, err)
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, err error) {
	writeError(w, err)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	writeJSON(w, http.StatusMethodNotAllowed, delivery.ErrorBody{
		Error:   "MethodNotAllowed",
		Message: fmt.Sprintf("method %s not allowed", r.Method),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errs.Invalid("body", "request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errs.Invalid("body", "request body is required")
		case errors.As(err, &tooLarge):
			return errs.Invalid("body", "request body is too large")
		default:
			return errs.Invalid("body", "request body is not valid JSON: "+err.Error())
		}
	}
	return nil
}
