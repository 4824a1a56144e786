package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"bizdesk/api/internal/auth"
	"bizdesk/api/internal/command"
	"bizdesk/api/internal/environment"
	"bizdesk/api/internal/history"
	"bizdesk/api/internal/registry"
)

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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if kind := command.KindOf(err); kind != "" {
		return http.StatusUnprocessableEntity, "STRUCTURAL_ERROR", err.Error(), map[string]any{"kind": kind}
	}
	if errors.Is(err, command.ErrDuplicateID) || errors.Is(err, environment.ErrBlockIDTaken) {
		return http.StatusUnprocessableEntity, "STRUCTURAL_ERROR", err.Error(), map[string]any{"kind": command.KindDuplicateID}
	}
	var invalid validator.ValidationErrors
	if errors.As(err, &invalid) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	}
	if errors.Is(err, environment.ErrNotFound) || errors.Is(err, registry.ErrTypeNotFound) || errors.Is(err, history.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
