package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/javiergcw/kraken-sas/pkg/authn"
	"github.com/javiergcw/kraken-sas/services/contracts/internal/events"
)

type capturePublisher struct {
	mu   sync.Mutex
	sent []events.Envelope
}

func (c *capturePublisher) Publish(_ context.Context, e events.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, e)
	return nil
}

func (c *capturePublisher) Close() error { return nil }

func (c *capturePublisher) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, e := range c.sent {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	t     *testing.T
	st    *memStore
	pub   *capturePublisher
	srv   *server
	h     http.Handler
	token string
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	verifier, err := authn.NewVerifier("test-secret", "")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	token, err := verifier.Mint(authn.Principal{TenantID: "ten_1", UserID: "usr_1", Email: "ops@kraken.test"}, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	h := &harness{
		t:     t,
		st:    newMemStore(),
		pub:   &capturePublisher{},
		token: token,
		now:   time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	h.srv = &server{
		st:       h.st,
		idem:     h.st,
		events:   h.pub,
		verifier: verifier,
		log:      zap.NewNop(),
		maxBody:  1 << 20,
		loc:      time.UTC,
		now:      func() time.Time { return h.now },
	}
	h.h = h.srv.routes()
	return h
}

// do sends an authenticated request. headers are key/value pairs.
func (h *harness) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	h.t.Helper()
	return h.send(method, path, body, append([]string{"Authorization", "Bearer " + h.token}, headers...)...)
}

func (h *harness) send(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.h.ServeHTTP(rr, req)
	return rr
}

type testEnvelope struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"request_id"`
	Error     *struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, dataDst any) testEnvelope {
	t.Helper()
	var env testEnvelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rr.Body.String())
	}
	if dataDst != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, dataDst); err != nil {
			t.Fatalf("decode data: %v (%s)", err, env.Data)
		}
	}
	return env
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	env := decode(t, rr, nil)
	if env.Error == nil {
		t.Fatalf("expected error envelope, got %s", rr.Body.String())
	}
	return env.Error.Code
}

const leaseHTML = `<h1>Contrato de arriendo</h1><p>Arrendatario: %signer_name% (%email%)</p><p>Inicio: %start_date%</p><div>%signature%</div>`

// seedLease creates the LEASE-001 template: email required, a required
// signature and an optional start date.
func (h *harness) seedLease() map[string]any {
	h.t.Helper()
	rr := h.do(http.MethodPost, "/contract-templates", map[string]any{
		"name":         "Arriendo",
		"sku":          "LEASE-001",
		"html_content": leaseHTML,
		"variables": []map[string]any{
			{"key": "email", "label": "Correo", "data_type": "EMAIL", "required": true, "sort_order": 1},
			{"key": "signature", "label": "Firma", "data_type": "SIGNATURE", "required": true, "sort_order": 2},
			{"key": "start_date", "label": "Inicio", "data_type": "DATE", "sort_order": 3},
		},
	})
	if rr.Code != http.StatusCreated {
		h.t.Fatalf("seed template: %d %s", rr.Code, rr.Body.String())
	}
	var tpl map[string]any
	decode(h.t, rr, &tpl)
	return tpl
}

func (h *harness) issueLease(templateID string, extra map[string]any) map[string]any {
	h.t.Helper()
	body := map[string]any{
		"template_id":  templateID,
		"signer_name":  "Ana",
		"signer_email": "a@b.com",
		"fields":       map[string]any{"email": "a@b.com"},
	}
	for k, v := range extra {
		body[k] = v
	}
	rr := h.do(http.MethodPost, "/contracts", body)
	if rr.Code != http.StatusCreated {
		h.t.Fatalf("issue: %d %s", rr.Code, rr.Body.String())
	}
	var c map[string]any
	decode(h.t, rr, &c)
	return c
}

func principalFor(tenantID string) authn.Principal {
	return authn.Principal{TenantID: tenantID, UserID: "usr_" + tenantID}
}
