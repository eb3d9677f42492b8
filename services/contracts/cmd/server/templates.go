package main

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/javiergcw/kraken-sas/pkg/domain"
	"github.com/javiergcw/kraken-sas/pkg/httpx"
	"github.com/javiergcw/kraken-sas/services/contracts/internal/render"
	"github.com/javiergcw/kraken-sas/services/contracts/internal/store"
)

type templateVariableInput struct {
	Key          string  `json:"key"`
	Label        string  `json:"label"`
	DataType     string  `json:"data_type"`
	Required     bool    `json:"required"`
	DefaultValue *string `json:"default_value"`
	SortOrder    *int    `json:"sort_order"`
}

type templateCreateRequest struct {
	Name        string                  `json:"name"`
	SKU         string                  `json:"sku"`
	Description *string                 `json:"description"`
	HTMLContent string                  `json:"html_content"`
	IsActive    *bool                   `json:"is_active"`
	Variables   []templateVariableInput `json:"variables"`
}

type templateUpdateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	HTMLContent *string `json:"html_content"`
	IsActive    *bool   `json:"is_active"`
	Version     *int    `json:"version"`
}

type TemplateLintIssue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type TemplateLintError struct {
	Issues []TemplateLintIssue
}

func (e *TemplateLintError) add(path, code, message string) {
	e.Issues = append(e.Issues, TemplateLintIssue{
		Path:    strings.TrimSpace(path),
		Code:    strings.TrimSpace(code),
		Message: strings.TrimSpace(message),
	})
}

func (e *TemplateLintError) hasIssues() bool { return len(e.Issues) > 0 }

func (e *TemplateLintError) sort() {
	sort.SliceStable(e.Issues, func(i, j int) bool {
		if e.Issues[i].Path != e.Issues[j].Path {
			return e.Issues[i].Path < e.Issues[j].Path
		}
		if e.Issues[i].Code != e.Issues[j].Code {
			return e.Issues[i].Code < e.Issues[j].Code
		}
		return e.Issues[i].Message < e.Issues[j].Message
	})
}

func (e *TemplateLintError) Error() string {
	if len(e.Issues) == 0 {
		return "template validation failed"
	}
	first := e.Issues[0]
	return fmt.Sprintf("template validation failed at %s: %s", first.Path, first.Message)
}

func (e *TemplateLintError) Unwrap() error { return domain.ErrValidation }

func writeTemplateLintError(w http.ResponseWriter, lintErr *TemplateLintError) {
	if lintErr == nil {
		httpx.WriteError(w, http.StatusUnprocessableEntity, "TEMPLATE_LINT_FAILED", "template validation failed", nil)
		return
	}
	lintErr.sort()
	httpx.WriteError(w, http.StatusUnprocessableEntity, "TEMPLATE_LINT_FAILED", lintErr.Error(), lintErr.Issues)
}

// lintVariable checks one variable definition; path prefixes every issue.
func lintVariable(lint *TemplateLintError, path string, in templateVariableInput) {
	key := strings.TrimSpace(in.Key)
	if key == "" {
		lint.add(path+".key", "REQUIRED", "key is required")
	} else if !domain.ValidVarKey(key) {
		lint.add(path+".key", "INVALID_KEY", "key must start with a letter and contain only letters, digits and underscores")
	}
	if _, err := domain.ParseVarType(in.DataType); err != nil {
		lint.add(path+".data_type", "UNKNOWN_TYPE", err.Error())
	}
}

func lintUndeclared(lint *TemplateLintError, html string, vars []domain.TemplateVariable) {
	for _, key := range render.UndeclaredTokens(html, vars) {
		lint.add("html_content", "UNDECLARED_VARIABLE", fmt.Sprintf("token %%%s%% does not match any declared variable", key))
	}
}

func validateTemplateCreate(req templateCreateRequest) ([]domain.TemplateVariable, error) {
	lint := &TemplateLintError{}
	if strings.TrimSpace(req.Name) == "" {
		lint.add("name", "REQUIRED", "name is required")
	}
	if strings.TrimSpace(req.SKU) == "" {
		lint.add("sku", "REQUIRED", "sku is required")
	}
	vars := make([]domain.TemplateVariable, 0, len(req.Variables))
	seen := map[string]int{}
	for i, in := range req.Variables {
		path := fmt.Sprintf("variables[%d]", i)
		lintVariable(lint, path, in)
		key := strings.TrimSpace(in.Key)
		if prev, dup := seen[key]; dup && key != "" {
			lint.add(path+".key", "DUPLICATE_KEY", fmt.Sprintf("key %s already declared at variables[%d]", key, prev))
		}
		seen[key] = i
		vars = append(vars, variableFromInput("", in, i))
	}
	lintUndeclared(lint, req.HTMLContent, vars)
	if lint.hasIssues() {
		return nil, lint
	}
	return vars, nil
}

func variableFromInput(templateID string, in templateVariableInput, fallbackOrder int) domain.TemplateVariable {
	typ, _ := domain.ParseVarType(in.DataType)
	order := fallbackOrder
	if in.SortOrder != nil {
		order = *in.SortOrder
	}
	return domain.TemplateVariable{
		TemplateID:   templateID,
		Key:          domain.VarKey(strings.TrimSpace(in.Key)),
		Label:        strings.TrimSpace(in.Label),
		DataType:     typ,
		Required:     in.Required,
		DefaultValue: in.DefaultValue,
		SortOrder:    order,
	}
}

func registerTemplateRoutes(api chi.Router, s *server) {
	api.Get("/contract-templates", func(w http.ResponseWriter, r *http.Request) {
		templates, err := s.st.ListTemplates(r.Context(), principal(r).TenantID)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		httpx.WriteData(w, http.StatusOK, "", templates)
	})

	api.Post("/contract-templates", func(w http.ResponseWriter, r *http.Request) {
		var req templateCreateRequest
		if !readJSONWithLimit(w, r, s.maxBody, &req) {
			return
		}
		vars, err := validateTemplateCreate(req)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		active := true
		if req.IsActive != nil {
			active = *req.IsActive
		}
		tpl, err := s.st.CreateTemplate(r.Context(), domain.ContractTemplate{
			TenantID:    principal(r).TenantID,
			SKU:         strings.TrimSpace(req.SKU),
			Name:        strings.TrimSpace(req.Name),
			Description: req.Description,
			HTMLContent: req.HTMLContent,
			Variables:   vars,
			IsActive:    active,
		})
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		setETag(w, tpl.Version)
		httpx.WriteData(w, http.StatusCreated, "template created", tpl)
	})

	api.Get("/contract-templates/{id}", func(w http.ResponseWriter, r *http.Request) {
		tpl, err := s.st.GetTemplate(r.Context(), principal(r).TenantID, chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		setETag(w, tpl.Version)
		httpx.WriteData(w, http.StatusOK, "", tpl)
	})

	api.Put("/contract-templates/{id}", func(w http.ResponseWriter, r *http.Request) {
		tenantID := principal(r).TenantID
		id := chi.URLParam(r, "id")
		var req templateUpdateRequest
		if !readJSONWithLimit(w, r, s.maxBody, &req) {
			return
		}
		version, err := expectedVersion(r, req.Version)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		lint := &TemplateLintError{}
		if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
			lint.add("name", "REQUIRED", "name cannot be blank")
		}
		if req.HTMLContent != nil {
			current, err := s.st.GetTemplate(r.Context(), tenantID, id)
			if err != nil {
				writeDomainError(w, s.log, err)
				return
			}
			lintUndeclared(lint, *req.HTMLContent, current.Variables)
		}
		if lint.hasIssues() {
			writeTemplateLintError(w, lint)
			return
		}
		if req.Name != nil {
			trimmed := strings.TrimSpace(*req.Name)
			req.Name = &trimmed
		}
		tpl, err := s.st.UpdateTemplate(r.Context(), tenantID, id, store.TemplatePatch{
			Name:        req.Name,
			Description: req.Description,
			HTMLContent: req.HTMLContent,
			IsActive:    req.IsActive,
		}, version)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		setETag(w, tpl.Version)
		httpx.WriteData(w, http.StatusOK, "template updated", tpl)
	})

	api.Delete("/contract-templates/{id}", func(w http.ResponseWriter, r *http.Request) {
		version, err := expectedVersion(r, nil)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		id := chi.URLParam(r, "id")
		if err := s.st.DeleteTemplate(r.Context(), principal(r).TenantID, id, version); err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		httpx.WriteData(w, http.StatusOK, "template deleted", map[string]any{"id": id})
	})
}
