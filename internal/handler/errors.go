package handler

import (
	"errors"
	"net/http"

	"fieldsync/internal/service"
	"fieldsync/pkg/response"
)

// writeServiceError maps service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var validationErr *service.ValidationError
	var mergedErr *service.MergedError

	switch {
	case errors.As(err, &validationErr):
		response.BadRequest(w, validationErr.Error())
	case errors.As(err, &mergedErr):
		response.Conflict(w, mergedErr.Error())
	case errors.Is(err, service.ErrRecordNotFound),
		errors.Is(err, service.ErrConflictNotFound),
		errors.Is(err, service.ErrBatchNotFound):
		response.NotFound(w, err.Error())
	case errors.Is(err, service.ErrRevisionMismatch),
		errors.Is(err, service.ErrConflictResolved):
		response.Conflict(w, err.Error())
	case errors.Is(err, service.ErrInvalidResolution):
		response.BadRequest(w, err.Error())
	case errors.Is(err, service.ErrNodeMismatch):
		response.Forbidden(w, err.Error())
	case errors.Is(err, service.ErrInvalidCredentials):
		response.Unauthorized(w, err.Error())
	default:
		response.InternalError(w, err.Error())
	}
}
