package kraken

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/javiergcw/kraken-sas/pkg/domain"
)

// Deployments disagree on payload shape: envelopes or bare bodies, lists
// nested under a key or not, snake_case or camelCase keys. Each endpoint has
// one adapter here that turns whatever arrived into the domain types.

func decodeBody(body []byte) (any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return unwrapEnvelope(v), nil
}

func unwrapEnvelope(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	data, ok := m["data"]
	if !ok {
		return v
	}
	if _, isEnvelope := m["success"]; isEnvelope {
		return data
	}
	if _, isEntity := m["id"]; !isEntity {
		return data
	}
	return v
}

// listOf accepts a bare array or an object holding the array under one of keys.
func listOf(v any, keys ...string) []any {
	switch t := v.(type) {
	case []any:
		return t
	case map[string]any:
		for _, k := range append(keys, "items", "results", "data") {
			if inner, ok := t[k]; ok {
				return listOf(inner)
			}
		}
	}
	return nil
}

func snakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// normalizeKeys snake_cases the top-level keys of m and applies aliases.
// Nested values are left as they are.
func normalizeKeys(m map[string]any, aliases map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		canonical := snakeCase(k)
		key := canonical
		if alias, ok := aliases[canonical]; ok {
			key = alias
		}
		if _, exists := out[key]; exists && key != canonical {
			// the canonical key wins over an alias
			continue
		}
		out[key] = v
	}
	return out
}

func remarshal(v any, dst any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

var templateAliases = map[string]string{
	"content":            "html_content",
	"html":               "html_content",
	"active":             "is_active",
	"template_variables": "variables",
}

var variableAliases = map[string]string{
	"type":    "data_type",
	"order":   "sort_order",
	"default": "default_value",
}

var contractAliases = map[string]string{
	"state":    "status",
	"snapshot": "html_snapshot",
	"values":   "fields",
	"token":    "signing_token",
}

func normalizeTemplate(v any) (domain.ContractTemplate, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return domain.ContractTemplate{}, fmt.Errorf("template: unexpected payload %T", v)
	}
	if inner, ok := m["template"].(map[string]any); ok {
		m = inner
	}
	n := normalizeKeys(m, templateAliases)
	vars := listOf(n["variables"])
	delete(n, "variables")
	var tpl domain.ContractTemplate
	if err := remarshal(n, &tpl); err != nil {
		return domain.ContractTemplate{}, fmt.Errorf("template: %w", err)
	}
	if _, ok := n["is_active"]; !ok {
		tpl.IsActive = true
	}
	for _, raw := range vars {
		tv, err := normalizeVariable(raw)
		if err != nil {
			return domain.ContractTemplate{}, err
		}
		if tv.TemplateID == "" {
			tv.TemplateID = tpl.ID
		}
		tpl.Variables = append(tpl.Variables, tv)
	}
	tpl.Variables = domain.SortVariables(tpl.Variables)
	return tpl, nil
}

func normalizeTemplates(v any) ([]domain.ContractTemplate, error) {
	items := listOf(v, "templates", "contract_templates", "contractTemplates")
	out := make([]domain.ContractTemplate, 0, len(items))
	for _, raw := range items {
		tpl, err := normalizeTemplate(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, nil
}

func normalizeVariable(v any) (domain.TemplateVariable, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return domain.TemplateVariable{}, fmt.Errorf("variable: unexpected payload %T", v)
	}
	n := normalizeKeys(m, variableAliases)
	if s, ok := n["data_type"].(string); ok {
		n["data_type"] = strings.ToUpper(strings.TrimSpace(s))
	}
	if d, ok := n["default_value"]; ok && d != nil {
		n["default_value"] = stringify(d)
	}
	var tv domain.TemplateVariable
	if err := remarshal(n, &tv); err != nil {
		return domain.TemplateVariable{}, fmt.Errorf("variable: %w", err)
	}
	return tv, nil
}

// Contract is an issued instance plus presentation data from the API.
type Contract struct {
	domain.ContractInstance
	StatusLabel string `json:"status_label"`
	// SigningToken is only present on the issuance response.
	SigningToken string `json:"signing_token,omitempty"`
}

func normalizeContract(v any) (Contract, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Contract{}, fmt.Errorf("contract: unexpected payload %T", v)
	}
	if inner, ok := m["contract"].(map[string]any); ok {
		m = inner
	}
	n := normalizeKeys(m, contractAliases)
	if raw, ok := n["fields"].(map[string]any); ok {
		fields := make(map[string]any, len(raw))
		for k, val := range raw {
			if val == nil {
				fields[k] = nil
				continue
			}
			fields[k] = stringify(val)
		}
		n["fields"] = fields
	}
	if s, ok := n["status"].(string); ok {
		st, err := domain.ParseStatus(s)
		if err != nil {
			return Contract{}, fmt.Errorf("contract: %w", err)
		}
		n["status"] = string(st)
	}
	var c Contract
	if err := remarshal(n, &c); err != nil {
		return Contract{}, fmt.Errorf("contract: %w", err)
	}
	if c.StatusLabel == "" {
		c.StatusLabel, _ = c.Status.Label()
	}
	return c, nil
}

func normalizeContracts(v any) ([]Contract, error) {
	items := listOf(v, "contracts", "instances")
	out := make([]Contract, 0, len(items))
	for _, raw := range items {
		c, err := normalizeContract(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

type Event struct {
	ID         int64          `json:"id"`
	ContractID string         `json:"contract_id"`
	Type       string         `json:"type"`
	ActorID    *string        `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func normalizeEvents(v any) ([]Event, error) {
	items := listOf(v, "events")
	out := make([]Event, 0, len(items))
	for _, raw := range items {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("event: unexpected payload %T", raw)
		}
		var e Event
		if err := remarshal(normalizeKeys(m, map[string]string{"event_type": "type", "data": "payload"}), &e); err != nil {
			return nil, fmt.Errorf("event: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// normalizePDF extracts printable HTML. JSON bodies carry it as data.html,
// a bare data string or a top-level html key; anything else is the document.
func normalizePDF(contentType string, body []byte) (string, error) {
	if !strings.Contains(strings.ToLower(contentType), "json") {
		return string(body), nil
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("decode pdf response: %w", err)
	}
	switch data := raw["data"].(type) {
	case string:
		return data, nil
	case map[string]any:
		if html, ok := data["html"].(string); ok {
			return html, nil
		}
	}
	if html, ok := raw["html"].(string); ok {
		return html, nil
	}
	return "", fmt.Errorf("pdf response carries no html")
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
}
