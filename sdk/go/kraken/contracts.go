package kraken

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"

	"github.com/javiergcw/kraken-sas/pkg/domain"
	"github.com/javiergcw/kraken-sas/pkg/issuance"
)

type ContractFilter struct {
	Status      domain.Status
	TemplateID  string
	RelatedType domain.RelatedType
	RelatedID   string
}

func (f ContractFilter) query() string {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.TemplateID != "" {
		q.Set("template_id", f.TemplateID)
	}
	if f.RelatedType != "" {
		q.Set("related_type", string(f.RelatedType))
	}
	if f.RelatedID != "" {
		q.Set("related_id", f.RelatedID)
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

type SignInput struct {
	SignedByName   string `json:"signed_by_name"`
	SignedByEmail  string `json:"signed_by_email"`
	SignatureImage string `json:"signature_image,omitempty"`
	Version        int    `json:"version,omitempty"`
}

type InvalidateInput struct {
	Reason              string `json:"reason"`
	InvalidateAllTokens bool   `json:"invalidate_all_tokens,omitempty"`
	Version             int    `json:"version,omitempty"`
}

func NewIdempotencyKey() string { return uuid.NewString() }

// IssueContract submits a prepared request. A non-empty idempotencyKey makes
// retries of the same issuance return the first answer.
func (c *Client) IssueContract(ctx context.Context, req issuance.Request, idempotencyKey string) (Contract, error) {
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	resp, err := c.send(ctx, http.MethodPost, "/contracts", req, headers)
	if err != nil {
		return Contract{}, err
	}
	return c.contract(resp)
}

// CreateContract lets the client act as an issuance.Submitter.
func (c *Client) CreateContract(ctx context.Context, req issuance.Request) (domain.ContractInstance, error) {
	out, err := c.IssueContract(ctx, req, "")
	if err != nil {
		return domain.ContractInstance{}, err
	}
	return out.ContractInstance, nil
}

func (c *Client) ListContracts(ctx context.Context, f ContractFilter) ([]Contract, error) {
	resp, err := c.get(ctx, "/contracts"+f.query(), "application/json")
	if err != nil {
		return nil, err
	}
	v, err := decodeBody(resp.body)
	if err != nil {
		return nil, err
	}
	return normalizeContracts(v)
}

func (c *Client) GetContract(ctx context.Context, id string) (Contract, error) {
	resp, err := c.get(ctx, "/contracts/"+url.PathEscape(id), "application/json")
	if err != nil {
		return Contract{}, err
	}
	return c.contract(resp)
}

func (c *Client) DeleteContract(ctx context.Context, id string) error {
	_, err := c.send(ctx, http.MethodDelete, "/contracts/"+url.PathEscape(id), nil, nil)
	return err
}

func (c *Client) SignContract(ctx context.Context, id string, in SignInput) (Contract, error) {
	resp, err := c.send(ctx, http.MethodPost, "/contracts/"+url.PathEscape(id)+"/sign", in, nil)
	if err != nil {
		return Contract{}, err
	}
	return c.contract(resp)
}

// SignWithToken uses the public route; the signing token replaces the bearer.
func (c *Client) SignWithToken(ctx context.Context, id, token string, in SignInput) (Contract, error) {
	body := struct {
		Token string `json:"token"`
		SignInput
	}{Token: token, SignInput: in}
	resp, err := c.send(ctx, http.MethodPost, "/public/contracts/"+url.PathEscape(id)+"/sign", body, nil)
	if err != nil {
		return Contract{}, err
	}
	return c.contract(resp)
}

func (c *Client) InvalidateContract(ctx context.Context, id string, in InvalidateInput) (Contract, error) {
	resp, err := c.send(ctx, http.MethodPost, "/contracts/"+url.PathEscape(id)+"/invalidate", in, nil)
	if err != nil {
		return Contract{}, err
	}
	return c.contract(resp)
}

// ContractPDF returns the printable HTML document.
func (c *Client) ContractPDF(ctx context.Context, id string) (string, error) {
	resp, err := c.get(ctx, "/contracts/"+url.PathEscape(id)+"/pdf", "text/html, application/json;q=0.9")
	if err != nil {
		return "", err
	}
	return normalizePDF(resp.contentType, resp.body)
}

func (c *Client) ListEvents(ctx context.Context, id string) ([]Event, error) {
	resp, err := c.get(ctx, "/contracts/"+url.PathEscape(id)+"/events", "application/json")
	if err != nil {
		return nil, err
	}
	v, err := decodeBody(resp.body)
	if err != nil {
		return nil, err
	}
	return normalizeEvents(v)
}

func (c *Client) contract(resp response) (Contract, error) {
	v, err := decodeBody(resp.body)
	if err != nil {
		return Contract{}, err
	}
	return normalizeContract(v)
}

var (
	_ issuance.TemplateSource = (*Client)(nil)
	_ issuance.Submitter      = (*Client)(nil)
)
