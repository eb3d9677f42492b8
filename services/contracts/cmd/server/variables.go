package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/javiergcw/kraken-sas/pkg/domain"
	"github.com/javiergcw/kraken-sas/pkg/httpx"
	"github.com/javiergcw/kraken-sas/services/contracts/internal/render"
)

type variableCreateRequest struct {
	TemplateID string `json:"template_id"`
	templateVariableInput
}

type variableUpdateRequest struct {
	Key          *string `json:"key"`
	Label        *string `json:"label"`
	DataType     *string `json:"data_type"`
	Required     *bool   `json:"required"`
	DefaultValue *string `json:"default_value"`
	SortOrder    *int    `json:"sort_order"`
}

func (u variableUpdateRequest) apply(v domain.TemplateVariable) (domain.TemplateVariable, error) {
	lint := &TemplateLintError{}
	if u.Key != nil {
		key := strings.TrimSpace(*u.Key)
		if !domain.ValidVarKey(key) {
			lint.add("key", "INVALID_KEY", "key must start with a letter and contain only letters, digits and underscores")
		}
		v.Key = domain.VarKey(key)
	}
	if u.Label != nil {
		v.Label = strings.TrimSpace(*u.Label)
	}
	if u.DataType != nil {
		typ, err := domain.ParseVarType(*u.DataType)
		if err != nil {
			lint.add("data_type", "UNKNOWN_TYPE", err.Error())
		}
		v.DataType = typ
	}
	if u.Required != nil {
		v.Required = *u.Required
	}
	if u.DefaultValue != nil {
		v.DefaultValue = u.DefaultValue
	}
	if u.SortOrder != nil {
		v.SortOrder = *u.SortOrder
	}
	if lint.hasIssues() {
		return domain.TemplateVariable{}, lint
	}
	return v, nil
}

func variableReferenced(tpl domain.ContractTemplate, key domain.VarKey) error {
	if render.References(tpl.HTMLContent, key) {
		return &domain.ConflictError{
			Code:    "VARIABLE_REFERENCED",
			Message: fmt.Sprintf("variable %s is still referenced by template %s; remove %%%s%% from html_content first", key, tpl.SKU, key),
		}
	}
	return nil
}

func registerVariableRoutes(api chi.Router, s *server) {
	create := func(w http.ResponseWriter, r *http.Request, templateID string, in templateVariableInput) {
		lint := &TemplateLintError{}
		lintVariable(lint, "variable", in)
		if lint.hasIssues() {
			writeTemplateLintError(w, lint)
			return
		}
		v, err := s.st.AddVariable(r.Context(), principal(r).TenantID, variableFromInput(templateID, in, 0))
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		httpx.WriteData(w, http.StatusCreated, "variable created", v)
	}

	// owned loads the variable and, for nested routes, checks it belongs to
	// the template in the path.
	owned := func(w http.ResponseWriter, r *http.Request) (domain.TemplateVariable, bool) {
		v, err := s.st.GetVariable(r.Context(), principal(r).TenantID, chi.URLParam(r, "variableId"))
		if err != nil {
			writeDomainError(w, s.log, err)
			return domain.TemplateVariable{}, false
		}
		if tplID := chi.URLParam(r, "id"); tplID != "" && tplID != v.TemplateID {
			httpx.WriteError(w, http.StatusNotFound, "NOT_FOUND", "variable not found in template "+tplID, nil)
			return domain.TemplateVariable{}, false
		}
		return v, true
	}

	update := func(w http.ResponseWriter, r *http.Request) {
		var req variableUpdateRequest
		if !readJSONWithLimit(w, r, s.maxBody, &req) {
			return
		}
		current, ok := owned(w, r)
		if !ok {
			return
		}
		next, err := req.apply(current)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		if next.Key != current.Key {
			tpl, err := s.st.GetTemplate(r.Context(), principal(r).TenantID, current.TemplateID)
			if err != nil {
				writeDomainError(w, s.log, err)
				return
			}
			if err := variableReferenced(tpl, current.Key); err != nil {
				writeDomainError(w, s.log, err)
				return
			}
		}
		v, err := s.st.UpdateVariable(r.Context(), principal(r).TenantID, next)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		httpx.WriteData(w, http.StatusOK, "variable updated", v)
	}

	remove := func(w http.ResponseWriter, r *http.Request) {
		current, ok := owned(w, r)
		if !ok {
			return
		}
		tpl, err := s.st.GetTemplate(r.Context(), principal(r).TenantID, current.TemplateID)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		if err := variableReferenced(tpl, current.Key); err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		if err := s.st.DeleteVariable(r.Context(), principal(r).TenantID, current.ID); err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		httpx.WriteData(w, http.StatusOK, "variable deleted", map[string]any{"id": current.ID})
	}

	api.Post("/contract-templates/{id}/variables", func(w http.ResponseWriter, r *http.Request) {
		var in templateVariableInput
		if !readJSONWithLimit(w, r, s.maxBody, &in) {
			return
		}
		create(w, r, chi.URLParam(r, "id"), in)
	})
	api.Put("/contract-templates/{id}/variables/{variableId}", update)
	api.Delete("/contract-templates/{id}/variables/{variableId}", remove)

	api.Post("/template-variables", func(w http.ResponseWriter, r *http.Request) {
		var req variableCreateRequest
		if !readJSONWithLimit(w, r, s.maxBody, &req) {
			return
		}
		if strings.TrimSpace(req.TemplateID) == "" {
			writeDomainError(w, s.log, &domain.ValidationError{Code: "REQUIRED", Field: "template_id", Message: "template_id is required"})
			return
		}
		create(w, r, strings.TrimSpace(req.TemplateID), req.templateVariableInput)
	})
	api.Put("/template-variables/{variableId}", update)
	api.Delete("/template-variables/{variableId}", remove)
}
