package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/javiergcw/kraken-sas/pkg/authn"
	"github.com/javiergcw/kraken-sas/pkg/domain"
)

type fakeAPI struct {
	mu       sync.Mutex
	posts    []map[string]any
	authSeen []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.authSeen = append(f.authSeen, r.Header.Get("Authorization"))
	f.mu.Unlock()

	write := func(status int, data any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
	}
	lease := map[string]any{
		"id": "tpl_lease", "sku": "LEASE-001", "name": "Arriendo", "is_active": true, "version": 1,
		"html_content": "<p>%signer_name% %email%</p><div>%signature%</div>",
		"variables": []map[string]any{
			{"id": "var_email", "key": "email", "data_type": "EMAIL", "required": true, "sort_order": 1},
			{"id": "var_sig", "key": "signature", "data_type": "SIGNATURE", "required": true, "sort_order": 2},
		},
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/contract-templates":
		write(http.StatusOK, []any{lease})
	case r.Method == http.MethodGet && r.URL.Path == "/contract-templates/tpl_lease":
		write(http.StatusOK, lease)
	case r.Method == http.MethodPost:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.posts = append(f.posts, body)
		f.mu.Unlock()
		body["id"] = "new_1"
		body["status"] = "PENDING_SIGN"
		write(http.StatusCreated, body)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/pdf"):
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>Ana</body></html>"))
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"success":false,"error":{"code":"NOT_FOUND","message":"not found"}}`))
	}
}

func (f *fakeAPI) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func runCLI(t *testing.T, api http.Handler, args ...string) (string, error) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	var out bytes.Buffer
	root := newRootCmd(&out)
	base := []string{"--base-url", srv.URL, "--token-file", filepath.Join(t.TempDir(), "token")}
	root.SetArgs(append(base, args...))
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	return out.String(), err
}

func TestTemplatesList(t *testing.T) {
	api := &fakeAPI{}
	out, err := runCLI(t, api, "--token", "tok_cli", "templates", "list")
	if err != nil {
		t.Fatalf("templates list: %v", err)
	}
	var list []domain.ContractTemplate
	if err := json.Unmarshal([]byte(out), &list); err != nil {
		t.Fatalf("decode output: %v (%s)", err, out)
	}
	if len(list) != 1 || list[0].SKU != "LEASE-001" || len(list[0].Variables) != 2 {
		t.Fatalf("unexpected output: %+v", list)
	}
	if api.authSeen[0] != "Bearer tok_cli" {
		t.Fatalf("expected bearer from --token, got %q", api.authSeen[0])
	}
}

func TestIssueDryRunDoesNotSubmit(t *testing.T) {
	api := &fakeAPI{}
	out, err := runCLI(t, api, "contracts", "issue",
		"--template", "tpl_lease", "--signer-name", "Ana", "--signer-email", "a@b.com",
		"--set", "email=a@b.com", "--set", "signature=forged", "--sku", "LEASE-001-ANA", "--dry-run")
	if err != nil {
		t.Fatalf("issue --dry-run: %v", err)
	}
	if api.postCount() != 0 {
		t.Fatalf("dry run must not submit")
	}
	var req map[string]any
	if err := json.Unmarshal([]byte(out), &req); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	fields := req["fields"].(map[string]any)
	if fields["signature"] != nil || fields["signer_name"] != "Ana" {
		t.Fatalf("unexpected fields: %+v", fields)
	}
}

func TestIssueSubmitsAfterLocalValidation(t *testing.T) {
	api := &fakeAPI{}
	_, err := runCLI(t, api, "contracts", "issue",
		"--template", "tpl_lease", "--signer-name", "Ana", "--signer-email", "a@b.com")
	var missing *domain.MissingRequiredFieldError
	if !errors.As(err, &missing) || missing.Key != "email" {
		t.Fatalf("expected missing email field, got %v", err)
	}
	if api.postCount() != 0 {
		t.Fatalf("invalid request reached the API")
	}

	if _, err := runCLI(t, api, "contracts", "issue",
		"--template", "tpl_lease", "--signer-name", "Ana", "--signer-email", "a@b.com",
		"--set", "email=a@b.com", "--related-type", "rent", "--related-id", "rent_9"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if api.postCount() != 1 || api.posts[0]["related_type"] != "RENT" {
		t.Fatalf("unexpected submissions: %+v", api.posts)
	}
}

func TestTemplatesCreateFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lease.yaml")
	yamlDoc := `name: Arriendo
sku: LEASE-002
html_content: "<p>%deposit%</p>"
variables:
  - key: deposit
    label: Depósito
    data_type: NUMBER
    required: true
    sort_order: 1
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	api := &fakeAPI{}
	if _, err := runCLI(t, api, "templates", "create", "-f", path); err != nil {
		t.Fatalf("create: %v", err)
	}
	if api.postCount() != 1 {
		t.Fatalf("expected one POST")
	}
	vars := api.posts[0]["variables"].([]any)
	v := vars[0].(map[string]any)
	if v["data_type"] != "NUMBER" || v["required"] != true || v["sort_order"] != float64(1) {
		t.Fatalf("unexpected variable payload: %+v", v)
	}
}

func TestPDFWritesFile(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "ctr.html")
	if _, err := runCLI(t, &fakeAPI{}, "contracts", "pdf", "ctr_1", "--out", dst); err != nil {
		t.Fatalf("pdf: %v", err)
	}
	raw, err := os.ReadFile(dst)
	if err != nil || !strings.Contains(string(raw), "Ana") {
		t.Fatalf("unexpected document: %q %v", raw, err)
	}
}

func TestNotFoundSurfacesAPIError(t *testing.T) {
	_, err := runCLI(t, &fakeAPI{}, "contracts", "get", "ctr_missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTokenMintSave(t *testing.T) {
	tokenFile := filepath.Join(t.TempDir(), "token")
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs([]string{"--token-file", tokenFile, "token", "mint", "--secret", "s3cret", "--tenant", "ten_1", "--user", "usr_1", "--save"})
	if err := root.Execute(); err != nil {
		t.Fatalf("mint: %v", err)
	}
	saved, err := os.ReadFile(tokenFile)
	if err != nil {
		t.Fatalf("read token file: %v", err)
	}
	if strings.TrimSpace(string(saved)) != strings.TrimSpace(out.String()) {
		t.Fatalf("saved token differs from printed token")
	}
	v, _ := authn.NewVerifier("s3cret", "")
	p, err := v.Authenticate("Bearer " + strings.TrimSpace(string(saved)))
	if err != nil || p.TenantID != "ten_1" || p.Role != "admin" {
		t.Fatalf("minted token invalid: %+v %v", p, err)
	}
}

func TestParseValues(t *testing.T) {
	got, err := parseValues([]string{"email=a@b.com", "note=a=b", "empty="})
	if err != nil {
		t.Fatalf("parseValues: %v", err)
	}
	if got["note"] != "a=b" || got["empty"] != "" || got["email"] != "a@b.com" {
		t.Fatalf("unexpected values: %+v", got)
	}
	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseValues([]string{bad}); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
