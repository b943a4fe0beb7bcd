package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/me/graderun/internal/lock"
	"github.com/me/graderun/internal/store"
	"github.com/me/graderun/pkg/model"
)

// requestID generates a unique request identifier.
func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

// respondOK writes a success response with the standard envelope.
func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil, nil)
}

// respondCreated writes a 201 response with the standard envelope.
func respondCreated(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusCreated, reqID, data, nil, nil)
}

// respondList writes a success response with pagination.
func respondList(w http.ResponseWriter, reqID string, data any, pg *model.Pagination) {
	respondJSON(w, http.StatusOK, reqID, data, pg, nil)
}

// respondError writes an error response with the standard envelope.
func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	respondJSON(w, status, reqID, nil, nil, apiErr)
}

// respondServiceError maps service and store errors onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, reqID string, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		respondError(w, reqID, statusFor(apiErr.Code), apiErr)
		return
	}

	var invalid *model.InvalidTransitionError
	if errors.As(err, &invalid) {
		details := make([]string, len(invalid.Allowed))
		for i, st := range invalid.Allowed {
			details[i] = string(st)
		}
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: err.Error(),
			Details: details,
		})
		return
	}

	if errors.Is(err, lock.ErrHeld) {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrLocked,
			Message: "resource is locked by another operation, retry shortly",
		})
		return
	}
	if errors.Is(err, store.ErrStatusConflict) {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrConflict,
			Message: err.Error(),
		})
		return
	}

	respondError(w, reqID, http.StatusInternalServerError, &model.APIError{
		Code:    model.ErrInternal,
		Message: err.Error(),
	})
}

func statusFor(code model.ErrorCode) int {
	switch code {
	case model.ErrValidation:
		return http.StatusBadRequest
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrUnauthorized:
		return http.StatusUnauthorized
	case model.ErrIneligible:
		return http.StatusForbidden
	case model.ErrConflict, model.ErrLocked:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, pg *model.Pagination, apiErr *model.APIError) {
	resp := model.Response{
		RequestID:  reqID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Pagination: pg,
		Error:      apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	} else {
		resp.Status = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
