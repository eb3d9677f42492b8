package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
)

func assertLintIssue(t *testing.T, err error, path, code string) {
	t.Helper()
	var lint *TemplateLintError
	if !errors.As(err, &lint) {
		t.Fatalf("expected TemplateLintError, got %T (%v)", err, err)
	}
	for _, issue := range lint.Issues {
		if issue.Path == path && issue.Code == code {
			return
		}
	}
	t.Fatalf("expected lint issue %s/%s, got %+v", path, code, lint.Issues)
}

func TestValidateTemplateCreate(t *testing.T) {
	base := templateCreateRequest{
		Name:        "Arriendo",
		SKU:         "LEASE-001",
		HTMLContent: "<p>%signer_name% %start_date%</p>",
		Variables: []templateVariableInput{
			{Key: "start_date", Label: "Inicio", DataType: "DATE", Required: true},
		},
	}
	vars, err := validateTemplateCreate(base)
	if err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
	if len(vars) != 1 || vars[0].SortOrder != 0 || vars[0].DataType != "DATE" {
		t.Fatalf("unexpected variables: %+v", vars)
	}

	undeclared := base
	undeclared.HTMLContent = "<p>%start_date% %deposit%</p>"
	_, err = validateTemplateCreate(undeclared)
	assertLintIssue(t, err, "html_content", "UNDECLARED_VARIABLE")

	dup := base
	dup.Variables = append(dup.Variables, templateVariableInput{Key: "start_date", DataType: "TEXT"})
	_, err = validateTemplateCreate(dup)
	assertLintIssue(t, err, "variables[1].key", "DUPLICATE_KEY")

	badType := base
	badType.Variables = []templateVariableInput{{Key: "start_date", DataType: "MONEY"}}
	_, err = validateTemplateCreate(badType)
	assertLintIssue(t, err, "variables[0].data_type", "UNKNOWN_TYPE")

	badKey := base
	badKey.Variables = append(badKey.Variables, templateVariableInput{Key: "1st", DataType: "TEXT"})
	_, err = validateTemplateCreate(badKey)
	assertLintIssue(t, err, "variables[1].key", "INVALID_KEY")

	blank := templateCreateRequest{}
	_, err = validateTemplateCreate(blank)
	assertLintIssue(t, err, "name", "REQUIRED")
	assertLintIssue(t, err, "sku", "REQUIRED")
}

func TestCreateTemplateReturnsEnvelopeAndETag(t *testing.T) {
	h := newHarness(t)
	tpl := h.seedLease()
	if tpl["sku"] != "LEASE-001" || tpl["is_active"] != true {
		t.Fatalf("unexpected template: %+v", tpl)
	}
	vars, _ := tpl["variables"].([]any)
	if len(vars) != 3 {
		t.Fatalf("expected 3 variables, got %d", len(vars))
	}

	rr := h.do(http.MethodGet, "/contract-templates/"+tpl["id"].(string), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: %d", rr.Code)
	}
	if rr.Header().Get("ETag") != `"1"` {
		t.Fatalf("expected ETag \"1\", got %q", rr.Header().Get("ETag"))
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}

	list := h.do(http.MethodGet, "/contract-templates", nil)
	var all []map[string]any
	decode(t, list, &all)
	if len(all) != 1 {
		t.Fatalf("expected one template, got %d", len(all))
	}
}

func TestCreateTemplateLintFailure(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodPost, "/contract-templates", map[string]any{
		"name":         "Broken",
		"sku":          "BROKEN",
		"html_content": "<p>%missing%</p>",
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rr.Code, rr.Body.String())
	}
	env := decode(t, rr, nil)
	if env.Success || env.Error == nil || env.Error.Code != "TEMPLATE_LINT_FAILED" {
		t.Fatalf("unexpected envelope: %s", rr.Body.String())
	}
	var issues []TemplateLintIssue
	if err := json.Unmarshal(env.Error.Details, &issues); err != nil {
		t.Fatalf("decode details: %v", err)
	}
	if len(issues) != 1 || issues[0].Code != "UNDECLARED_VARIABLE" || !strings.Contains(issues[0].Message, "%missing%") {
		t.Fatalf("unexpected issues: %+v", issues)
	}
}

func TestCreateTemplateDuplicateSKUSurfacesStoreMessage(t *testing.T) {
	h := newHarness(t)
	h.seedLease()
	rr := h.do(http.MethodPost, "/contract-templates", map[string]any{"name": "Otro", "sku": "LEASE-001"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	env := decode(t, rr, nil)
	if env.Error.Code != "SKU_TAKEN" || !strings.Contains(env.Error.Message, "already exists") {
		t.Fatalf("unexpected error: %+v", env.Error)
	}
}

func TestUpdateTemplateVersioning(t *testing.T) {
	h := newHarness(t)
	id := h.seedLease()["id"].(string)

	rr := h.do(http.MethodPut, "/contract-templates/"+id, map[string]any{"name": "Arriendo v2"}, "If-Match", `"1"`)
	if rr.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("ETag") != `"2"` {
		t.Fatalf("expected version 2, got %s", rr.Header().Get("ETag"))
	}

	stale := h.do(http.MethodPut, "/contract-templates/"+id, map[string]any{"is_active": false}, "If-Match", `"1"`)
	if stale.Code != http.StatusConflict || errorCode(t, stale) != "VERSION_MISMATCH" {
		t.Fatalf("expected VERSION_MISMATCH, got %d %s", stale.Code, stale.Body.String())
	}

	bodyVersion := h.do(http.MethodPut, "/contract-templates/"+id, map[string]any{"is_active": false, "version": 2})
	if bodyVersion.Code != http.StatusOK {
		t.Fatalf("expected body version to be accepted, got %d", bodyVersion.Code)
	}

	badHeader := h.do(http.MethodPut, "/contract-templates/"+id, map[string]any{}, "If-Match", "abc")
	if badHeader.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed If-Match, got %d", badHeader.Code)
	}
}

func TestUpdateTemplateLintsNewHTML(t *testing.T) {
	h := newHarness(t)
	id := h.seedLease()["id"].(string)
	rr := h.do(http.MethodPut, "/contract-templates/"+id, map[string]any{"html_content": "<p>%deposit%</p>"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
}

func TestTemplateRejectsUnknownFieldsAndLargeBodies(t *testing.T) {
	h := newHarness(t)
	rr := h.do(http.MethodPost, "/contract-templates", `{"name":"a","sku":"b","colour":"red"}`)
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "BAD_JSON" {
		t.Fatalf("expected BAD_JSON, got %d %s", rr.Code, rr.Body.String())
	}

	h.srv.maxBody = 32
	big := h.do(http.MethodPost, "/contract-templates", map[string]any{"name": strings.Repeat("x", 64), "sku": "S"})
	if big.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", big.Code)
	}
}

func TestVariableRoutes(t *testing.T) {
	h := newHarness(t)
	tpl := h.seedLease()
	id := tpl["id"].(string)

	rr := h.do(http.MethodPost, "/contract-templates/"+id+"/variables", map[string]any{
		"key": "deposit", "label": "Depósito", "data_type": "NUMBER", "sort_order": 4,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("add variable: %d %s", rr.Code, rr.Body.String())
	}
	var v map[string]any
	decode(t, rr, &v)
	varID := v["id"].(string)

	dup := h.do(http.MethodPost, "/template-variables", map[string]any{"template_id": id, "key": "deposit", "data_type": "TEXT"})
	if dup.Code != http.StatusConflict || errorCode(t, dup) != "VARIABLE_KEY_TAKEN" {
		t.Fatalf("expected VARIABLE_KEY_TAKEN, got %d %s", dup.Code, dup.Body.String())
	}

	upd := h.do(http.MethodPut, "/template-variables/"+varID, map[string]any{"label": "Depósito inicial", "required": true})
	if upd.Code != http.StatusOK {
		t.Fatalf("update variable: %d %s", upd.Code, upd.Body.String())
	}
	decode(t, upd, &v)
	if v["label"] != "Depósito inicial" || v["required"] != true || v["data_type"] != "NUMBER" {
		t.Fatalf("partial update lost fields: %+v", v)
	}

	wrongParent := h.do(http.MethodDelete, "/contract-templates/tpl_other/variables/"+varID, nil)
	if wrongParent.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign template, got %d", wrongParent.Code)
	}

	del := h.do(http.MethodDelete, "/contract-templates/"+id+"/variables/"+varID, nil)
	if del.Code != http.StatusOK {
		t.Fatalf("delete unreferenced variable: %d %s", del.Code, del.Body.String())
	}

	missingTemplate := h.do(http.MethodPost, "/template-variables", map[string]any{"key": "x", "data_type": "TEXT"})
	if missingTemplate.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without template_id, got %d", missingTemplate.Code)
	}
}

func TestDeleteReferencedVariableIsRejected(t *testing.T) {
	h := newHarness(t)
	tpl := h.seedLease()
	var emailID string
	for _, raw := range tpl["variables"].([]any) {
		v := raw.(map[string]any)
		if v["key"] == "start_date" {
			emailID = v["id"].(string)
		}
	}
	rr := h.do(http.MethodDelete, "/template-variables/"+emailID, nil)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "VARIABLE_REFERENCED" {
		t.Fatalf("expected VARIABLE_REFERENCED, got %d %s", rr.Code, rr.Body.String())
	}

	rename := h.do(http.MethodPut, "/template-variables/"+emailID, map[string]any{"key": "begins_on"})
	if rename.Code != http.StatusConflict {
		t.Fatalf("renaming a referenced key should be rejected, got %d", rename.Code)
	}
}

func TestDeleteTemplateKeepsIssuedContracts(t *testing.T) {
	h := newHarness(t)
	id := h.seedLease()["id"].(string)
	issued := h.issueLease(id, map[string]any{"fields": map[string]any{"email": "a@b.com", "start_date": "2025-07-01"}})

	if rr := h.do(http.MethodDelete, "/contract-templates/"+id, nil); rr.Code != http.StatusOK {
		t.Fatalf("delete template: %d %s", rr.Code, rr.Body.String())
	}

	rr := h.do(http.MethodGet, "/contracts/"+issued["id"].(string), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("contract must survive template deletion, got %d", rr.Code)
	}
	var after map[string]any
	decode(t, rr, &after)
	if after["html_snapshot"] != issued["html_snapshot"] {
		t.Fatalf("snapshot changed after template deletion")
	}
	beforeFields, _ := json.Marshal(issued["fields"])
	afterFields, _ := json.Marshal(after["fields"])
	if string(beforeFields) != string(afterFields) {
		t.Fatalf("fields changed: %s vs %s", beforeFields, afterFields)
	}
}
