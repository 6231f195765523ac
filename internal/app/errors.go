package app

import (
	"fmt"
	"net/http"
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

func forbidden(action string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Your role does not allow this action", map[string]any{"action": action})
}

func featureUnavailable(feature, plan string) *DomainError {
	return domainError(http.StatusForbidden, "FEATURE_NOT_AVAILABLE", "Your plan does not include this feature", map[string]any{
		"feature": feature,
		"plan":    plan,
	})
}

func unavailable(code, message string) *DomainError {
	return domainError(http.StatusServiceUnavailable, code, message, nil)
}
