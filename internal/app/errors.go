package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"inkwell/editor/internal/auth"
	"inkwell/editor/internal/blob"
	"inkwell/editor/internal/store"
)

// DomainError is a client-visible failure. Status picks the HTTP status,
// Code lands in the envelope's "error" field and Message in "message".
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusBadRequest, "validation_error", message, nil)
}

func forbiddenError() *DomainError {
	return domainError(http.StatusForbidden, "forbidden", "you do not have access to this resource", nil)
}

func notFoundError(what string) *DomainError {
	return domainError(http.StatusNotFound, "not_found", what+" not found", nil)
}

// mapError folds any service failure into the response envelope. Unknown
// errors become opaque 500s; their detail stays in the server log.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, blob.ErrNotFound) {
		return http.StatusNotFound, "not_found", "not found", nil
	}
	if errors.Is(err, store.ErrAlreadyShared) {
		return http.StatusConflict, "conflict", "already shared with this user", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrRevokedToken) {
		return http.StatusUnauthorized, "unauthorized", "authentication required", nil
	}
	return http.StatusInternalServerError, "server_error", "internal server error", nil
}
