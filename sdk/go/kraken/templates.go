package kraken

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/javiergcw/kraken-sas/pkg/domain"
)

type VariableInput struct {
	Key          string  `json:"key" yaml:"key"`
	Label        string  `json:"label,omitempty" yaml:"label"`
	DataType     string  `json:"data_type" yaml:"data_type"`
	Required     bool    `json:"required" yaml:"required"`
	DefaultValue *string `json:"default_value,omitempty" yaml:"default_value"`
	SortOrder    *int    `json:"sort_order,omitempty" yaml:"sort_order"`
}

type TemplateInput struct {
	Name        string          `json:"name" yaml:"name"`
	SKU         string          `json:"sku" yaml:"sku"`
	Description *string         `json:"description,omitempty" yaml:"description"`
	HTMLContent string          `json:"html_content" yaml:"html_content"`
	IsActive    *bool           `json:"is_active,omitempty" yaml:"is_active"`
	Variables   []VariableInput `json:"variables,omitempty" yaml:"variables"`
}

// TemplatePatch updates only the non-nil fields. Version, when non-zero, is
// sent as If-Match.
type TemplatePatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	HTMLContent *string `json:"html_content,omitempty"`
	IsActive    *bool   `json:"is_active,omitempty"`
	Version     int     `json:"-"`
}

type VariablePatch struct {
	Key          *string `json:"key,omitempty"`
	Label        *string `json:"label,omitempty"`
	DataType     *string `json:"data_type,omitempty"`
	Required     *bool   `json:"required,omitempty"`
	DefaultValue *string `json:"default_value,omitempty"`
	SortOrder    *int    `json:"sort_order,omitempty"`
}

func ifMatch(version int) map[string]string {
	if version <= 0 {
		return nil
	}
	return map[string]string{"If-Match": strconv.Quote(strconv.Itoa(version))}
}

func (c *Client) ListTemplates(ctx context.Context) ([]domain.ContractTemplate, error) {
	resp, err := c.get(ctx, "/contract-templates", "application/json")
	if err != nil {
		return nil, err
	}
	v, err := decodeBody(resp.body)
	if err != nil {
		return nil, err
	}
	return normalizeTemplates(v)
}

// GetTemplate fetches one template with its variables. A 404 matches
// domain.ErrNotFound.
func (c *Client) GetTemplate(ctx context.Context, id string) (domain.ContractTemplate, error) {
	resp, err := c.get(ctx, "/contract-templates/"+url.PathEscape(id), "application/json")
	if err != nil {
		return domain.ContractTemplate{}, err
	}
	return c.template(resp)
}

func (c *Client) CreateTemplate(ctx context.Context, in TemplateInput) (domain.ContractTemplate, error) {
	resp, err := c.send(ctx, http.MethodPost, "/contract-templates", in, nil)
	if err != nil {
		return domain.ContractTemplate{}, err
	}
	return c.template(resp)
}

func (c *Client) UpdateTemplate(ctx context.Context, id string, p TemplatePatch) (domain.ContractTemplate, error) {
	resp, err := c.send(ctx, http.MethodPut, "/contract-templates/"+url.PathEscape(id), p, ifMatch(p.Version))
	if err != nil {
		return domain.ContractTemplate{}, err
	}
	return c.template(resp)
}

func (c *Client) DeleteTemplate(ctx context.Context, id string, version int) error {
	_, err := c.send(ctx, http.MethodDelete, "/contract-templates/"+url.PathEscape(id), nil, ifMatch(version))
	return err
}

func (c *Client) template(resp response) (domain.ContractTemplate, error) {
	v, err := decodeBody(resp.body)
	if err != nil {
		return domain.ContractTemplate{}, err
	}
	return normalizeTemplate(v)
}

func (c *Client) AddVariable(ctx context.Context, templateID string, in VariableInput) (domain.TemplateVariable, error) {
	resp, err := c.send(ctx, http.MethodPost, "/contract-templates/"+url.PathEscape(templateID)+"/variables", in, nil)
	if err != nil {
		return domain.TemplateVariable{}, err
	}
	return c.variable(resp)
}

func (c *Client) UpdateVariable(ctx context.Context, templateID, variableID string, p VariablePatch) (domain.TemplateVariable, error) {
	path := "/contract-templates/" + url.PathEscape(templateID) + "/variables/" + url.PathEscape(variableID)
	resp, err := c.send(ctx, http.MethodPut, path, p, nil)
	if err != nil {
		return domain.TemplateVariable{}, err
	}
	return c.variable(resp)
}

func (c *Client) DeleteVariable(ctx context.Context, templateID, variableID string) error {
	path := "/contract-templates/" + url.PathEscape(templateID) + "/variables/" + url.PathEscape(variableID)
	_, err := c.send(ctx, http.MethodDelete, path, nil, nil)
	return err
}

func (c *Client) variable(resp response) (domain.TemplateVariable, error) {
	v, err := decodeBody(resp.body)
	if err != nil {
		return domain.TemplateVariable{}, err
	}
	return normalizeVariable(v)
}
