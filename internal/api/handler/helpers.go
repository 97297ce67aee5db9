package handler

import (
	"errors"
	"net/http"

	"github.com/edvin/controlplane/internal/api/response"
	"github.com/edvin/controlplane/internal/model"
)

// writeServiceError maps domain errors to HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		response.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrInvalidTransition):
		response.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrBillingNotConfirmed):
		response.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrCapacityExhausted):
		response.WriteError(w, http.StatusServiceUnavailable, err.Error())
	default:
		response.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
