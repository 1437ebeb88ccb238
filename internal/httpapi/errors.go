package httpapi

import (
	"context"
	"errors"
	"net/http"

	"llmd/internal/backend"
	"llmd/internal/engine"
	"llmd/internal/rpc"
	"llmd/pkg/types"
)

// statusFor maps the engine error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case engine.IsModelNotFound(err):
		return http.StatusNotFound
	case engine.IsNoModelLoaded(err):
		return http.StatusConflict
	case engine.IsAmbiguousModel(err), engine.IsConfigError(err):
		return http.StatusBadRequest
	case engine.IsTooBusy(err):
		return http.StatusTooManyRequests
	case engine.IsUnsupportedModel(err):
		return http.StatusUnprocessableEntity
	case backend.IsDeviceLost(err):
		return http.StatusServiceUnavailable
	case rpc.IsProtocolError(err):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}
