package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/javiergcw/kraken-sas/pkg/authn"
	"github.com/javiergcw/kraken-sas/pkg/domain"
)

func TestRequestLimiterWindows(t *testing.T) {
	limiter := newRequestLimiter(2, time.Minute)
	k := "tenant:ten_1"
	now := time.Date(2026, 2, 19, 8, 0, 0, 0, time.UTC)
	if ok, _ := limiter.TakeAt(k, now); !ok {
		t.Fatalf("first should pass")
	}
	if ok, _ := limiter.TakeAt(k, now.Add(10*time.Second)); !ok {
		t.Fatalf("second should pass")
	}
	ok, wait := limiter.TakeAt(k, now.Add(20*time.Second))
	if ok {
		t.Fatalf("third in same window should fail")
	}
	if wait != 40*time.Second {
		t.Fatalf("expected 40s until the window reopens, got %s", wait)
	}
	if ok, _ := limiter.TakeAt("tenant:ten_2", now.Add(20*time.Second)); !ok {
		t.Fatalf("other tenants have their own window")
	}
	if ok, _ := limiter.TakeAt(k, now.Add(61*time.Second)); !ok {
		t.Fatalf("new window should pass")
	}
}

func TestRequestLimiterDropsClosedWindows(t *testing.T) {
	limiter := newRequestLimiter(5, time.Minute)
	start := time.Date(2026, 2, 19, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 10000; i++ {
		now := start.Add(time.Duration(i) * time.Second)
		limiter.TakeAt(fmt.Sprintf("addr:10.0.%d.%d", i/256, i%256), now)
		if n := limiter.size(); n > 121 {
			t.Fatalf("at %s: %d buckets retained", now.Sub(start), n)
		}
	}
	limiter.TakeAt("addr:10.9.9.9", start.Add(24*time.Hour))
	if n := limiter.size(); n != 1 {
		t.Fatalf("expected only the live bucket after a quiet day, got %d", n)
	}
}

func TestLimiterDisabled(t *testing.T) {
	var nilLimiter *requestLimiter
	if ok, _ := nilLimiter.Take("x"); !ok {
		t.Fatalf("nil limiter must allow")
	}
	if ok, _ := newRequestLimiter(0, time.Minute).Take("x"); !ok {
		t.Fatalf("zero limit must allow")
	}
}

func TestRateLimitKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	if got := rateLimitKey(r); got != "addr:10.0.0.7" {
		t.Fatalf("unexpected key %q", got)
	}
	r = r.WithContext(authn.WithPrincipal(r.Context(), authn.Principal{TenantID: "ten_1"}))
	if got := rateLimitKey(r); got != "tenant:ten_1" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestReadJSONWithLimitTooLarge(t *testing.T) {
	large := `{"x":"` + strings.Repeat("a", 300) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/contracts", strings.NewReader(large))
	rr := httptest.NewRecorder()
	var payload map[string]any
	if ok := readJSONWithLimit(rr, req, 64, &payload); ok {
		t.Fatalf("expected readJSONWithLimit to fail")
	}
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "PAYLOAD_TOO_LARGE") {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestExpectedVersion(t *testing.T) {
	cases := []struct {
		header string
		body   *int
		want   int
		fails  bool
	}{
		{header: `"3"`, want: 3},
		{header: `W/"4"`, want: 4},
		{header: "5", want: 5},
		{header: "*", want: 0},
		{header: "", want: 0},
		{header: "", body: intPtr(2), want: 2},
		{header: `"7"`, body: intPtr(2), want: 7},
		{header: "zero", fails: true},
		{header: "", body: intPtr(0), fails: true},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodPut, "/", nil)
		if tc.header != "" {
			r.Header.Set("If-Match", tc.header)
		}
		got, err := expectedVersion(r, tc.body)
		if tc.fails {
			if err == nil {
				t.Fatalf("If-Match %q: expected error", tc.header)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("If-Match %q: got %d, %v; want %d", tc.header, got, err, tc.want)
		}
	}
}

func intPtr(v int) *int { return &v }

func TestWriteDomainErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&domain.MissingRequiredFieldError{Key: "email", Label: "Correo"}, 422, "MISSING_REQUIRED_FIELD"},
		{&domain.InvalidSignerEmailError{Email: "x"}, 422, "INVALID_SIGNER_EMAIL"},
		{&domain.ValidationError{Code: "REQUIRED", Field: "reason", Message: "reason is required"}, 400, "REQUIRED"},
		{&domain.TemplateNotFoundError{TemplateID: "tpl_1"}, 404, "TEMPLATE_NOT_FOUND"},
		{fmt.Errorf("contract ctr_1: %w", domain.ErrNotFound), 404, "NOT_FOUND"},
		{&domain.TransitionError{From: domain.StatusSigned, To: domain.StatusCancelled}, 409, "INVALID_TRANSITION"},
		{&domain.ConflictError{Code: "SKU_TAKEN", Message: "Key (sku) already exists."}, 409, "SKU_TAKEN"},
		{fmt.Errorf("%w: expired", authn.ErrUnauthorized), 401, "UNAUTHORIZED"},
		{&TemplateLintError{Issues: []TemplateLintIssue{{Path: "sku", Code: "REQUIRED", Message: "sku is required"}}}, 422, "TEMPLATE_LINT_FAILED"},
		{errors.New("connection refused"), 500, "DB_ERROR"},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		writeDomainError(rr, zap.NewNop(), tc.err)
		if rr.Code != tc.status {
			t.Fatalf("%T: expected %d, got %d", tc.err, tc.status, rr.Code)
		}
		if got := errorCode(t, rr); got != tc.code {
			t.Fatalf("%T: expected %s, got %s", tc.err, tc.code, got)
		}
	}
}
