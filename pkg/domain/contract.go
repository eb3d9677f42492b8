package domain

import (
	"fmt"
	"strings"
	"time"
)

type RelatedType string

const (
	RelatedReservation RelatedType = "RESERVATION"
	RelatedProduct     RelatedType = "PRODUCT"
	RelatedVessel      RelatedType = "VESSEL"
	RelatedRent        RelatedType = "RENT"
)

// ParseRelatedType returns "" for empty input.
func ParseRelatedType(s string) (RelatedType, error) {
	switch v := RelatedType(strings.ToUpper(strings.TrimSpace(s))); v {
	case "":
		return "", nil
	case RelatedReservation, RelatedProduct, RelatedVessel, RelatedRent:
		return v, nil
	default:
		return "", fmt.Errorf("unknown related type: %s", s)
	}
}

type ContractTemplate struct {
	ID          string             `json:"id"`
	TenantID    string             `json:"tenant_id"`
	SKU         string             `json:"sku"`
	Name        string             `json:"name"`
	Description *string            `json:"description"`
	HTMLContent string             `json:"html_content"`
	Variables   []TemplateVariable `json:"variables"`
	IsActive    bool               `json:"is_active"`
	Version     int                `json:"version"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// TemplateCopy is the template source a contract was issued from. Signing
// renders from it, so later template edits or deletion never change what the
// signer sees.
type TemplateCopy struct {
	HTMLContent string             `json:"html_content"`
	Variables   []TemplateVariable `json:"variables"`
}

func CopyTemplate(t ContractTemplate) *TemplateCopy {
	return &TemplateCopy{HTMLContent: t.HTMLContent, Variables: append([]TemplateVariable{}, t.Variables...)}
}

type ContractInstance struct {
	ID             string             `json:"id"`
	TenantID       string             `json:"tenant_id"`
	SKU            string             `json:"sku"`
	Code           string             `json:"code"`
	TemplateID     string             `json:"template_id"`
	RelatedType    RelatedType        `json:"related_type,omitempty"`
	RelatedID      *string            `json:"related_id"`
	Status         Status             `json:"status"`
	SignerName     string             `json:"signer_name"`
	SignerEmail    string             `json:"signer_email"`
	Fields         map[string]*string `json:"fields"`
	SignedByName   *string            `json:"signed_by_name"`
	SignedByEmail  *string            `json:"signed_by_email"`
	SignedAt       *time.Time         `json:"signed_at"`
	SignatureImage *string            `json:"signature_image"`
	ExpiresAt      *time.Time         `json:"expires_at"`
	HTMLSnapshot   *string            `json:"html_snapshot"`
	SnapshotHash   string             `json:"snapshot_hash,omitempty"`
	IssuedFrom     *TemplateCopy      `json:"-"`
	CancelReason   *string            `json:"cancel_reason"`
	CancelledAt    *time.Time         `json:"cancelled_at"`
	Version        int                `json:"version"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// IsExpired is true iff expires_at is set and in the past and the contract
// was never signed.
func (c ContractInstance) IsExpired(now time.Time) bool {
	if c.SignedAt != nil || c.ExpiresAt == nil {
		return false
	}
	return now.After(*c.ExpiresAt)
}

// EffectiveStatus derives EXPIRED at read time for contracts still awaiting signature.
func (c ContractInstance) EffectiveStatus(now time.Time) Status {
	if c.Status.Terminal() {
		return c.Status
	}
	if c.IsExpired(now) {
		return StatusExpired
	}
	return c.Status
}

func CloneFields(in map[string]*string) map[string]*string {
	out := make(map[string]*string, len(in))
	for k, v := range in {
		if v == nil {
			out[k] = nil
			continue
		}
		s := *v
		out[k] = &s
	}
	return out
}

func StringPtr(s string) *string { return &s }

func FieldValue(fields map[string]*string, key string) string {
	if v, ok := fields[key]; ok && v != nil {
		return *v
	}
	return ""
}
