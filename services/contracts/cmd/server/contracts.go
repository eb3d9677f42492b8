package main

import (
	"context"
	"errors"
	"html"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/javiergcw/kraken-sas/pkg/authn"
	"github.com/javiergcw/kraken-sas/pkg/canonhash"
	"github.com/javiergcw/kraken-sas/pkg/domain"
	"github.com/javiergcw/kraken-sas/pkg/httpx"
	"github.com/javiergcw/kraken-sas/pkg/issuance"
	"github.com/javiergcw/kraken-sas/services/contracts/internal/events"
	"github.com/javiergcw/kraken-sas/services/contracts/internal/idempotency"
	"github.com/javiergcw/kraken-sas/services/contracts/internal/render"
	"github.com/javiergcw/kraken-sas/services/contracts/internal/store"
)

const issueEndpoint = "POST /contracts"

type contractCreateRequest struct {
	TemplateID  string             `json:"template_id"`
	SKU         string             `json:"sku"`
	Code        string             `json:"code"`
	RelatedType string             `json:"related_type"`
	RelatedID   string             `json:"related_id"`
	SignerName  string             `json:"signer_name"`
	SignerEmail string             `json:"signer_email"`
	Fields      map[string]*string `json:"fields"`
	ExpiresAt   string             `json:"expires_at"`
}

type signRequest struct {
	Token          string `json:"token,omitempty"`
	SignedByName   string `json:"signed_by_name"`
	SignedByEmail  string `json:"signed_by_email"`
	SignatureImage string `json:"signature_image"`
	Version        *int   `json:"version"`
}

type invalidateRequest struct {
	Reason              string `json:"reason"`
	InvalidateAllTokens bool   `json:"invalidate_all_tokens"`
	Version             *int   `json:"version"`
}

type contractView struct {
	domain.ContractInstance
	StatusLabel  string `json:"status_label"`
	SigningToken string `json:"signing_token,omitempty"`
}

func (s *server) view(c domain.ContractInstance) contractView {
	c.Status = c.EffectiveStatus(s.clock())
	label, err := c.Status.Label()
	if err != nil {
		label = string(c.Status)
	}
	return contractView{ContractInstance: c, StatusLabel: label}
}

func (r contractCreateRequest) input() (issuance.Input, error) {
	related, err := domain.ParseRelatedType(r.RelatedType)
	if err != nil {
		return issuance.Input{}, &domain.ValidationError{Code: "INVALID_RELATED_TYPE", Field: "related_type", Message: err.Error()}
	}
	values := make(map[string]string, len(r.Fields))
	for k, v := range r.Fields {
		if v != nil {
			values[k] = *v
		}
	}
	return issuance.Input{
		TemplateID:  strings.TrimSpace(r.TemplateID),
		Values:      values,
		SignerName:  r.SignerName,
		SignerEmail: r.SignerEmail,
		Code:        r.Code,
		SKU:         r.SKU,
		RelatedType: related,
		RelatedID:   r.RelatedID,
		ExpiresAt:   r.ExpiresAt,
	}, nil
}

func contractCode(c domain.ContractInstance) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return "CT-" + c.CreatedAt.Format("20060102") + "-" + suffix
}

// issue runs the same build the SDK runs, so a client that skips local
// validation still cannot store a contract missing required values.
func (s *server) issue(ctx context.Context, p authn.Principal, req contractCreateRequest) (contractView, error) {
	in, err := req.input()
	if err != nil {
		return contractView{}, err
	}
	if in.TemplateID == "" {
		return contractView{}, &domain.ValidationError{Code: "REQUIRED", Field: "template_id", Message: "template_id is required"}
	}
	tpl, err := s.st.GetTemplate(ctx, p.TenantID, in.TemplateID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return contractView{}, &domain.TemplateNotFoundError{TemplateID: in.TemplateID}
		}
		return contractView{}, err
	}
	built, err := issuance.Build(tpl, in, issuance.Options{Now: s.clock, Location: s.loc})
	if err != nil {
		return contractView{}, err
	}

	now := s.clock()
	c := domain.ContractInstance{
		TenantID:    p.TenantID,
		SKU:         built.SKU,
		Code:        built.Code,
		TemplateID:  tpl.ID,
		RelatedType: built.RelatedType,
		Status:      domain.StatusDraft,
		SignerName:  built.SignerName,
		SignerEmail: built.SignerEmail,
		Fields:      built.Fields,
		ExpiresAt:   built.ExpiresAt,
		IssuedFrom:  domain.CopyTemplate(tpl),
		CreatedAt:   now,
	}
	if built.RelatedID != "" {
		c.RelatedID = domain.StringPtr(built.RelatedID)
	}
	if c.Code == "" {
		c.Code = contractCode(c)
	}
	if err := domain.Submit(&c, now); err != nil {
		return contractView{}, err
	}
	snapshot := render.Render(tpl.HTMLContent, tpl.Variables, c.Fields)
	c.HTMLSnapshot = &snapshot
	if c.SnapshotHash, err = canonhash.SumSnapshot(c.Fields, snapshot); err != nil {
		return contractView{}, err
	}

	token := authn.RandomToken()
	created, err := s.st.CreateContract(ctx, c, authn.HashToken(token), p.UserID)
	if err != nil {
		return contractView{}, err
	}
	s.record(ctx, created, events.ContractIssued, p.UserID, map[string]any{
		"template_id":   tpl.ID,
		"sku":           created.SKU,
		"code":          created.Code,
		"snapshot_hash": created.SnapshotHash,
	})
	v := s.view(created)
	v.SigningToken = token
	return v, nil
}

// sign renders the signed snapshot from the template copy taken at issuance.
// Contracts issued before the copy existed keep their issued snapshot.
func (s *server) sign(ctx context.Context, c domain.ContractInstance, req signRequest, version int, actorID string) (contractView, error) {
	var vars []domain.TemplateVariable
	if c.IssuedFrom != nil {
		vars = c.IssuedFrom.Variables
	} else {
		s.log.Info("signing contract without a template copy", zap.String("contract_id", c.ID))
	}

	err := domain.Sign(&c, vars, domain.Signature{
		Name:  req.SignedByName,
		Email: req.SignedByEmail,
		Image: req.SignatureImage,
		At:    s.clock(),
	})
	if err != nil {
		return contractView{}, err
	}
	if c.IssuedFrom != nil {
		snapshot := render.Render(c.IssuedFrom.HTMLContent, vars, c.Fields)
		c.HTMLSnapshot = &snapshot
	}
	if c.SnapshotHash, err = canonhash.SumSnapshot(c.Fields, snapshotOf(c)); err != nil {
		return contractView{}, err
	}
	if version == 0 {
		version = c.Version
	}
	updated, err := s.st.UpdateContract(ctx, c, version)
	if err != nil {
		return contractView{}, err
	}
	if err := s.st.RevokeTokens(ctx, c.ID); err != nil {
		s.log.Warn("signing tokens not revoked", zap.String("contract_id", c.ID), zap.Error(err))
	}
	s.record(ctx, updated, events.ContractSigned, actorID, map[string]any{
		"signed_by_email": req.SignedByEmail,
		"snapshot_hash":   updated.SnapshotHash,
	})
	return s.view(updated), nil
}

func registerContractRoutes(api chi.Router, s *server) {
	api.Get("/contracts", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var want domain.Status
		if raw := strings.TrimSpace(q.Get("status")); raw != "" {
			st, err := domain.ParseStatus(raw)
			if err != nil {
				writeDomainError(w, s.log, &domain.ValidationError{Code: "INVALID_STATUS", Field: "status", Message: err.Error()})
				return
			}
			want = st
		}
		related, err := domain.ParseRelatedType(q.Get("related_type"))
		if err != nil {
			writeDomainError(w, s.log, &domain.ValidationError{Code: "INVALID_RELATED_TYPE", Field: "related_type", Message: err.Error()})
			return
		}
		f := store.ContractFilter{
			TemplateID:  strings.TrimSpace(q.Get("template_id")),
			RelatedType: related,
			RelatedID:   strings.TrimSpace(q.Get("related_id")),
		}
		// EXPIRED is derived at read time, so only statuses that are stored
		// as-is can be filtered in the query.
		if want == domain.StatusSigned || want == domain.StatusCancelled {
			f.Status = want
		}
		list, err := s.st.ListContracts(r.Context(), principal(r).TenantID, f)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		out := make([]contractView, 0, len(list))
		for _, c := range list {
			v := s.view(c)
			if want != "" && v.Status != want {
				continue
			}
			out = append(out, v)
		}
		httpx.WriteData(w, http.StatusOK, "", out)
	})

	api.Post("/contracts", func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		var req contractCreateRequest
		if !readJSONWithLimit(w, r, s.maxBody, &req) {
			return
		}
		fingerprint, _, err := canonhash.SumObject(req)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		// The key is reserved before issuing so concurrent retries cannot
		// both create a contract.
		hold, done, err := idempotency.Begin(r.Context(), s.idem, idempotency.ScopeFor(r, p, issueEndpoint), fingerprint)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		if done != nil {
			w.Header().Set("Idempotent-Replayed", "true")
			httpx.WriteJSON(w, done.Status, done.Body)
			return
		}

		v, err := s.issue(r.Context(), p, req)
		if err != nil {
			// nothing was stored, so a retry with the same key may run
			if relErr := hold.Release(r.Context()); relErr != nil {
				s.log.Warn("idempotency reservation not released", zap.Error(relErr))
			}
			writeDomainError(w, s.log, err)
			return
		}
		body, err := envelopeMap(w, "contract issued", v)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		if err := hold.Complete(r.Context(), http.StatusCreated, body); err != nil {
			s.log.Warn("idempotency record not saved", zap.String("contract_id", v.ID), zap.Error(err))
		}
		setETag(w, v.Version)
		httpx.WriteJSON(w, http.StatusCreated, body)
	})

	api.Get("/contracts/{id}", func(w http.ResponseWriter, r *http.Request) {
		c, err := s.st.GetContract(r.Context(), principal(r).TenantID, chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		setETag(w, c.Version)
		httpx.WriteData(w, http.StatusOK, "", s.view(c))
	})

	api.Delete("/contracts/{id}", func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		version, err := expectedVersion(r, nil)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		c, err := s.st.GetContract(r.Context(), p.TenantID, chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		if err := s.st.DeleteContract(r.Context(), p.TenantID, c.ID, version); err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		s.record(r.Context(), c, events.ContractDeleted, p.UserID, map[string]any{"code": c.Code})
		httpx.WriteData(w, http.StatusOK, "contract deleted", map[string]any{"id": c.ID})
	})

	api.Post("/contracts/{id}/sign", func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		var req signRequest
		if !readJSONWithLimit(w, r, s.maxBody, &req) {
			return
		}
		version, err := expectedVersion(r, req.Version)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		c, err := s.st.GetContract(r.Context(), p.TenantID, chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		v, err := s.sign(r.Context(), c, req, version, p.UserID)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		setETag(w, v.Version)
		httpx.WriteData(w, http.StatusOK, "contract signed", v)
	})

	api.Post("/contracts/{id}/invalidate", func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		var req invalidateRequest
		if !readJSONWithLimit(w, r, s.maxBody, &req) {
			return
		}
		version, err := expectedVersion(r, req.Version)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		c, err := s.st.GetContract(r.Context(), p.TenantID, chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		if err := domain.Cancel(&c, req.Reason, s.clock()); err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		if version == 0 {
			version = c.Version
		}
		updated, err := s.st.UpdateContract(r.Context(), c, version)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		if req.InvalidateAllTokens {
			if err := s.st.RevokeTokens(r.Context(), c.ID); err != nil {
				writeDomainError(w, s.log, err)
				return
			}
		}
		s.record(r.Context(), updated, events.ContractCancelled, p.UserID, map[string]any{
			"reason":                req.Reason,
			"invalidate_all_tokens": req.InvalidateAllTokens,
		})
		setETag(w, updated.Version)
		httpx.WriteData(w, http.StatusOK, "contract cancelled", s.view(updated))
	})

	api.Get("/contracts/{id}/pdf", func(w http.ResponseWriter, r *http.Request) {
		c, err := s.st.GetContract(r.Context(), principal(r).TenantID, chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		doc := printable(s.view(c))
		if strings.Contains(r.Header.Get("Accept"), "application/json") {
			httpx.WriteData(w, http.StatusOK, "", map[string]any{"html": doc})
			return
		}
		w.Header().Set("content-type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(doc))
	})

	api.Get("/contracts/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)
		c, err := s.st.GetContract(r.Context(), p.TenantID, chi.URLParam(r, "id"))
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		list, err := s.st.ListEvents(r.Context(), p.TenantID, c.ID)
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		httpx.WriteData(w, http.StatusOK, "", list)
	})
}

func snapshotOf(c domain.ContractInstance) string {
	if c.HTMLSnapshot == nil {
		return ""
	}
	return *c.HTMLSnapshot
}

// printable wraps the stored snapshot in a standalone document for the
// browser's print dialog.
func printable(v contractView) string {
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html><html><head><meta charset="utf-8"><title>`)
	b.WriteString(html.EscapeString(v.Code))
	b.WriteString(`</title></head><body data-status="`)
	b.WriteString(html.EscapeString(string(v.Status)))
	b.WriteString(`">`)
	b.WriteString(snapshotOf(v.ContractInstance))
	b.WriteString(`</body></html>`)
	return b.String()
}

func registerPublicRoutes(pub chi.Router, s *server) {
	pub.Post("/public/contracts/{id}/sign", func(w http.ResponseWriter, r *http.Request) {
		var req signRequest
		if !readJSONWithLimit(w, r, s.maxBody, &req) {
			return
		}
		token := strings.TrimSpace(r.URL.Query().Get("token"))
		if token == "" {
			token = strings.TrimSpace(req.Token)
		}
		if token == "" {
			writeDomainError(w, s.log, authn.ErrUnauthorized)
			return
		}
		c, err := s.st.GetContractForToken(r.Context(), chi.URLParam(r, "id"), authn.HashToken(token))
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		v, err := s.sign(r.Context(), c, req, 0, "")
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		httpx.WriteData(w, http.StatusOK, "contract signed", v)
	})
}
