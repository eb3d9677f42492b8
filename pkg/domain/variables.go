package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

type VarKey string
type VarType string

const (
	VarText      VarType = "TEXT"
	VarNumber    VarType = "NUMBER"
	VarDate      VarType = "DATE"
	VarEmail     VarType = "EMAIL"
	VarSignature VarType = "SIGNATURE"
	// VarRichText values are trusted markup and skip HTML escaping on render.
	VarRichText VarType = "RICH_TEXT"
)

// Keys injected into every issued contract's fields from the signer inputs.
const (
	SignerNameKey  VarKey = "signer_name"
	SignerEmailKey VarKey = "email"
)

type TemplateVariable struct {
	ID           string  `json:"id"`
	TemplateID   string  `json:"template_id"`
	Key          VarKey  `json:"key"`
	Label        string  `json:"label"`
	DataType     VarType `json:"data_type"`
	Required     bool    `json:"required"`
	DefaultValue *string `json:"default_value"`
	SortOrder    int     `json:"sort_order"`
}

// NeedsValue reports whether the variable must be non-empty before issuance.
// Signatures are filled at signing time.
func (v TemplateVariable) NeedsValue() bool {
	return v.Required && v.DataType != VarSignature
}

func (v TemplateVariable) DisplayLabel() string {
	if strings.TrimSpace(v.Label) != "" {
		return v.Label
	}
	return string(v.Key)
}

var (
	reVarKey  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)
	reISODate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	reEmail   = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

func ValidVarKey(key string) bool { return reVarKey.MatchString(key) }

// ValidEmail accepts local@domain.tld.
func ValidEmail(s string) bool { return reEmail.MatchString(strings.TrimSpace(s)) }

func ParseVarType(s string) (VarType, error) {
	switch t := VarType(strings.ToUpper(strings.TrimSpace(s))); t {
	case VarText, VarNumber, VarDate, VarEmail, VarSignature, VarRichText:
		return t, nil
	default:
		return "", fmt.Errorf("unknown data type: %s", s)
	}
}

// SortVariables returns a copy ordered by sort_order. Ties keep their input order.
func SortVariables(vars []TemplateVariable) []TemplateVariable {
	out := append([]TemplateVariable(nil), vars...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out
}

func FindVariable(vars []TemplateVariable, key VarKey) (TemplateVariable, bool) {
	for _, v := range vars {
		if v.Key == key {
			return v, true
		}
	}
	return TemplateVariable{}, false
}

type VarValidationError struct {
	Key    VarKey
	Reason string
}

func (e *VarValidationError) Error() string {
	return fmt.Sprintf("variable %q invalid: %s", e.Key, e.Reason)
}

func (e *VarValidationError) Unwrap() error { return ErrValidation }

// ValidateValue is a light type check. Empty values pass; requiredness is
// checked separately. No coercion is applied.
func ValidateValue(v TemplateVariable, value string) error {
	s := strings.TrimSpace(value)
	if s == "" {
		return nil
	}
	switch v.DataType {
	case VarNumber:
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return &VarValidationError{Key: v.Key, Reason: "expected a number"}
		}
	case VarDate:
		if !reISODate.MatchString(s) {
			return &VarValidationError{Key: v.Key, Reason: "expected YYYY-MM-DD"}
		}
		if _, err := time.Parse("2006-01-02", s); err != nil {
			return &VarValidationError{Key: v.Key, Reason: "invalid calendar date"}
		}
	case VarEmail:
		if !ValidEmail(s) {
			return &VarValidationError{Key: v.Key, Reason: "expected an email address"}
		}
	}
	return nil
}
