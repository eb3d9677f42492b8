package main

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/javiergcw/kraken-sas/pkg/authn"
	"github.com/javiergcw/kraken-sas/pkg/domain"
	"github.com/javiergcw/kraken-sas/pkg/httpx"
)

// writeDomainError is the single place errors become HTTP responses.
func writeDomainError(w http.ResponseWriter, log *zap.Logger, err error) {
	var (
		lint       *TemplateLintError
		missing    *domain.MissingRequiredFieldError
		badEmail   *domain.InvalidSignerEmailError
		invalid    *domain.ValidationError
		varInvalid *domain.VarValidationError
		noTemplate *domain.TemplateNotFoundError
		transition *domain.TransitionError
		conflict   *domain.ConflictError
	)
	switch {
	case errors.As(err, &lint):
		writeTemplateLintError(w, lint)
	case errors.As(err, &missing):
		httpx.WriteError(w, http.StatusUnprocessableEntity, "MISSING_REQUIRED_FIELD", err.Error(),
			map[string]any{"key": missing.Key, "label": missing.Label})
	case errors.As(err, &badEmail):
		httpx.WriteError(w, http.StatusUnprocessableEntity, "INVALID_SIGNER_EMAIL", err.Error(),
			map[string]any{"email": badEmail.Email})
	case errors.As(err, &invalid):
		code := invalid.Code
		if code == "" {
			code = "VALIDATION_FAILED"
		}
		var details any
		if invalid.Field != "" {
			details = map[string]any{"field": invalid.Field}
		}
		httpx.WriteError(w, http.StatusBadRequest, code, err.Error(), details)
	case errors.As(err, &varInvalid):
		httpx.WriteError(w, http.StatusBadRequest, "INVALID_FIELD_VALUE", err.Error(), map[string]any{"field": varInvalid.Key})
	case errors.As(err, &noTemplate):
		httpx.WriteError(w, http.StatusNotFound, "TEMPLATE_NOT_FOUND", err.Error(), nil)
	case errors.Is(err, domain.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.As(err, &transition):
		httpx.WriteError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(),
			map[string]any{"from": transition.From, "to": transition.To})
	case errors.As(err, &conflict):
		httpx.WriteError(w, http.StatusConflict, conflict.Code, conflict.Message, nil)
	case errors.Is(err, authn.ErrUnauthorized):
		httpx.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid bearer token", nil)
	case errors.Is(err, domain.ErrValidation):
		httpx.WriteError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error(), nil)
	default:
		if log != nil {
			log.Error("request failed", zap.Error(err), zap.String("request_id", w.Header().Get(httpx.RequestIDHeader)))
		}
		httpx.WriteError(w, http.StatusInternalServerError, "DB_ERROR", err.Error(), nil)
	}
}
