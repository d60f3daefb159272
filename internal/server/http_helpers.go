package server

import (
	"net/http"

	"mediafetch/internal/delivery"
)

// writeMiddlewareError normalises middleware error responses to the API JSON shape.
func writeMiddlewareError(w http.ResponseWriter, status int, kind, message string) {
	delivery.WriteJSON(w, status, delivery.ErrorBody{Error: kind, Message: message})
}
