package render

import (
	"html"
	"regexp"
	"strings"

	"github.com/javiergcw/kraken-sas/pkg/domain"
)

var placeholderRE = regexp.MustCompile(`%([A-Za-z][A-Za-z0-9_]{0,63})%`)

// Render substitutes every %key% token that names a declared variable or a
// key present in fields. Missing and null values render empty. Unknown tokens
// are left as written.
//
// Values are HTML-escaped unless the variable is RICH_TEXT, and '%' is
// emitted as &#37; so a value can never form a token. SIGNATURE values render
// as an <img>.
func Render(htmlContent string, vars []domain.TemplateVariable, fields map[string]*string) string {
	byKey := make(map[string]domain.TemplateVariable, len(vars))
	for _, v := range vars {
		byKey[string(v.Key)] = v
	}
	return placeholderRE.ReplaceAllStringFunc(htmlContent, func(m string) string {
		key := m[1 : len(m)-1]
		v, declared := byKey[key]
		raw, present := fields[key]
		if !declared && !present {
			return m
		}
		if raw == nil {
			return ""
		}
		switch v.DataType {
		case domain.VarSignature:
			if strings.TrimSpace(*raw) == "" {
				return ""
			}
			return `<img src="` + escapeValue(*raw) + `" alt="` + escapeValue(v.DisplayLabel()) + `">`
		case domain.VarRichText:
			return neutralizeTokens(*raw)
		default:
			return escapeValue(*raw)
		}
	})
}

// Tokens lists the distinct keys referenced in htmlContent in first-seen order.
func Tokens(htmlContent string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, m := range placeholderRE.FindAllStringSubmatch(htmlContent, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	return out
}

// UndeclaredTokens returns tokens that reference neither a declared variable
// nor one of the injected signer keys.
func UndeclaredTokens(htmlContent string, vars []domain.TemplateVariable) []string {
	declared := map[string]struct{}{
		string(domain.SignerNameKey):  {},
		string(domain.SignerEmailKey): {},
	}
	for _, v := range vars {
		declared[string(v.Key)] = struct{}{}
	}
	var out []string
	for _, tok := range Tokens(htmlContent) {
		if _, ok := declared[tok]; !ok {
			out = append(out, tok)
		}
	}
	return out
}

// References reports whether htmlContent contains the %key% token.
func References(htmlContent string, key domain.VarKey) bool {
	for _, tok := range Tokens(htmlContent) {
		if tok == string(key) {
			return true
		}
	}
	return false
}

func escapeValue(s string) string {
	return neutralizeTokens(html.EscapeString(s))
}

func neutralizeTokens(s string) string {
	return strings.ReplaceAll(s, "%", "&#37;")
}
