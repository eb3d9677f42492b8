// Package issuance turns a contract template and user-entered values into a
// contract creation request. The same Build runs in the SDK before submission
// and on the server for every POST /contracts.
package issuance

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/javiergcw/kraken-sas/pkg/domain"
)

type Input struct {
	TemplateID  string
	Values      map[string]string
	SignerName  string
	SignerEmail string
	Code        string
	SKU         string
	RelatedType domain.RelatedType
	RelatedID   string
	ExpiresAt   string
}

// Request is the creation payload sent to POST /contracts.
type Request struct {
	TemplateID  string             `json:"template_id"`
	SKU         string             `json:"sku"`
	Code        string             `json:"code,omitempty"`
	RelatedType domain.RelatedType `json:"related_type,omitempty"`
	RelatedID   string             `json:"related_id,omitempty"`
	SignerName  string             `json:"signer_name"`
	SignerEmail string             `json:"signer_email"`
	Fields      map[string]*string `json:"fields"`
	ExpiresAt   *time.Time         `json:"expires_at,omitempty"`
}

type Options struct {
	Now func() time.Time
	// Rand returns a value in [0, n).
	Rand func(n int) int
	// Location is the zone date-only expiry dates are closed in.
	Location *time.Location
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Rand == nil {
		o.Rand = rand.IntN
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	return o
}

// Build validates in against tpl and produces the request to submit.
// Validation failures are reported one at a time, first by variable order.
func Build(tpl domain.ContractTemplate, in Input, opts Options) (Request, error) {
	opts = opts.withDefaults()
	if !tpl.IsActive {
		return Request{}, &domain.ConflictError{Code: "TEMPLATE_INACTIVE", Message: fmt.Sprintf("template %s is not active", tpl.SKU)}
	}
	vars := domain.SortVariables(tpl.Variables)

	fields := SeedFields(vars)
	Overlay(fields, in.Values)
	if err := FirstMissing(vars, fields); err != nil {
		return Request{}, err
	}
	if !domain.ValidEmail(in.SignerEmail) {
		return Request{}, &domain.InvalidSignerEmailError{Email: in.SignerEmail}
	}
	for _, v := range vars {
		if v.DataType == domain.VarSignature {
			continue
		}
		if err := domain.ValidateValue(v, domain.FieldValue(fields, string(v.Key))); err != nil {
			return Request{}, &domain.ValidationError{Code: "INVALID_FIELD_VALUE", Field: "fields." + string(v.Key), Message: err.Error()}
		}
	}
	NullSignatures(vars, fields)

	signerName := strings.TrimSpace(in.SignerName)
	signerEmail := strings.TrimSpace(in.SignerEmail)
	fields[string(domain.SignerNameKey)] = domain.StringPtr(signerName)
	fields[string(domain.SignerEmailKey)] = domain.StringPtr(signerEmail)

	sku := strings.TrimSpace(in.SKU)
	if sku == "" {
		sku = SuggestSKU(tpl.SKU, opts.Now(), opts.Rand)
	}
	return Request{
		TemplateID:  tpl.ID,
		SKU:         sku,
		Code:        strings.TrimSpace(in.Code),
		RelatedType: in.RelatedType,
		RelatedID:   strings.TrimSpace(in.RelatedID),
		SignerName:  signerName,
		SignerEmail: signerEmail,
		Fields:      fields,
		ExpiresAt:   NormalizeExpiry(in.ExpiresAt, opts.Location),
	}, nil
}

// SeedFields maps every variable to its default value, or "" when none.
func SeedFields(vars []domain.TemplateVariable) map[string]*string {
	out := make(map[string]*string, len(vars)+2)
	for _, v := range vars {
		def := ""
		if v.DefaultValue != nil {
			def = *v.DefaultValue
		}
		out[string(v.Key)] = domain.StringPtr(def)
	}
	return out
}

func Overlay(fields map[string]*string, values map[string]string) {
	for k, v := range values {
		fields[k] = domain.StringPtr(v)
	}
}

func FirstMissing(vars []domain.TemplateVariable, fields map[string]*string) error {
	for _, v := range domain.SortVariables(vars) {
		if !v.NeedsValue() {
			continue
		}
		if strings.TrimSpace(domain.FieldValue(fields, string(v.Key))) == "" {
			return &domain.MissingRequiredFieldError{Key: v.Key, Label: v.DisplayLabel()}
		}
	}
	return nil
}

// NullSignatures discards any caller-supplied value for SIGNATURE fields.
func NullSignatures(vars []domain.TemplateVariable, fields map[string]*string) {
	for _, v := range vars {
		if v.DataType == domain.VarSignature {
			fields[string(v.Key)] = nil
		}
	}
}

// SuggestSKU renders {templateSku}-{YYYYMMDD}-{NNN}. It is a pre-fill only;
// uniqueness is decided by the server.
func SuggestSKU(templateSKU string, now time.Time, rnd func(n int) int) string {
	if rnd == nil {
		rnd = rand.IntN
	}
	prefix := strings.TrimSpace(templateSKU)
	if prefix == "" {
		prefix = "CONTRACT"
	}
	return fmt.Sprintf("%s-%s-%03d", prefix, now.Format("20060102"), rnd(1000))
}

var expiryLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04"}

// NormalizeExpiry expands a date-only value to the end of that day in loc.
// Timestamps are kept. Unparseable input yields nil.
func NormalizeExpiry(raw string, loc *time.Location) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if loc == nil {
		loc = time.Local
	}
	if d, err := time.ParseInLocation("2006-01-02", raw, loc); err == nil {
		eod := time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, loc)
		return &eod
	}
	for _, layout := range expiryLayouts {
		if ts, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return &ts
		}
	}
	return nil
}
