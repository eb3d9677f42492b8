package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/javiergcw/kraken-sas/pkg/authn"
	"github.com/javiergcw/kraken-sas/pkg/domain"
	"github.com/javiergcw/kraken-sas/pkg/httpx"
	"github.com/javiergcw/kraken-sas/services/contracts/internal/events"
	"github.com/javiergcw/kraken-sas/services/contracts/internal/idempotency"
	"github.com/javiergcw/kraken-sas/services/contracts/internal/store"
)

type contractStore interface {
	Ping(ctx context.Context) error

	ListTemplates(ctx context.Context, tenantID string) ([]domain.ContractTemplate, error)
	GetTemplate(ctx context.Context, tenantID, id string) (domain.ContractTemplate, error)
	CreateTemplate(ctx context.Context, t domain.ContractTemplate) (domain.ContractTemplate, error)
	UpdateTemplate(ctx context.Context, tenantID, id string, p store.TemplatePatch, expectedVersion int) (domain.ContractTemplate, error)
	DeleteTemplate(ctx context.Context, tenantID, id string, expectedVersion int) error

	AddVariable(ctx context.Context, tenantID string, v domain.TemplateVariable) (domain.TemplateVariable, error)
	GetVariable(ctx context.Context, tenantID, id string) (domain.TemplateVariable, error)
	UpdateVariable(ctx context.Context, tenantID string, v domain.TemplateVariable) (domain.TemplateVariable, error)
	DeleteVariable(ctx context.Context, tenantID, id string) error

	CreateContract(ctx context.Context, c domain.ContractInstance, tokenHash, createdBy string) (domain.ContractInstance, error)
	GetContract(ctx context.Context, tenantID, id string) (domain.ContractInstance, error)
	GetContractForToken(ctx context.Context, id, tokenHash string) (domain.ContractInstance, error)
	ListContracts(ctx context.Context, tenantID string, f store.ContractFilter) ([]domain.ContractInstance, error)
	UpdateContract(ctx context.Context, c domain.ContractInstance, expectedVersion int) (domain.ContractInstance, error)
	RevokeTokens(ctx context.Context, contractID string) error
	DeleteContract(ctx context.Context, tenantID, id string, expectedVersion int) error

	AddEvent(ctx context.Context, tenantID, contractID, typ, actorID string, payload map[string]any) error
	ListEvents(ctx context.Context, tenantID, contractID string) ([]store.Event, error)
}

type server struct {
	st            contractStore
	idem          idempotency.Store
	events        events.Publisher
	verifier      *authn.Verifier
	log           *zap.Logger
	limiter       *requestLimiter
	publicLimiter *requestLimiter
	maxBody       int64
	loc           *time.Location
	now           func() time.Time
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.st.Ping(r.Context()); err != nil {
			httpx.WriteError(w, http.StatusServiceUnavailable, "DB_UNAVAILABLE", err.Error(), nil)
			return
		}
		httpx.WriteData(w, http.StatusOK, "", map[string]any{"status": "ok"})
	})

	r.Group(func(pub chi.Router) {
		pub.Use(rateLimit(s.publicLimiter))
		registerPublicRoutes(pub, s)
	})

	r.Group(func(api chi.Router) {
		api.Use(s.authenticate)
		api.Use(rateLimit(s.limiter))
		registerTemplateRoutes(api, s)
		registerVariableRoutes(api, s)
		registerContractRoutes(api, s)
	})
	return r
}

func (s *server) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(httpx.RequestIDHeader))
		if id == "" || len(id) > 128 {
			id = httpx.NewRequestID()
		}
		w.Header().Set(httpx.RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			// the auth middleware runs inside; it reports the tenant back here
			var tenant string
			r = r.WithContext(context.WithValue(r.Context(), tenantSinkKey{}, &tenant))
			next.ServeHTTP(ww, r)

			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", w.Header().Get(httpx.RequestIDHeader)),
				zap.String("tenant_id", tenant),
			)
		})
	}
}

type tenantSinkKey struct{}

func (s *server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.verifier.Authenticate(r.Header.Get("Authorization"))
		if err != nil {
			writeDomainError(w, s.log, err)
			return
		}
		if sink, ok := r.Context().Value(tenantSinkKey{}).(*string); ok {
			*sink = p.TenantID
		}
		next.ServeHTTP(w, r.WithContext(authn.WithPrincipal(r.Context(), p)))
	})
}

// principal is only called behind authenticate.
func principal(r *http.Request) authn.Principal {
	p, _ := authn.PrincipalFrom(r.Context())
	return p
}

// expectedVersion reads the caller's last seen version from If-Match, falling
// back to a version field in the body. Zero means the caller sent neither.
func expectedVersion(r *http.Request, body *int) (int, error) {
	raw := strings.TrimSpace(r.Header.Get("If-Match"))
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	if raw != "" && raw != "*" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, &domain.ValidationError{Code: "BAD_IF_MATCH", Field: "If-Match", Message: "If-Match must carry a positive version"}
		}
		return v, nil
	}
	if body != nil {
		if *body <= 0 {
			return 0, &domain.ValidationError{Code: "BAD_VERSION", Field: "version", Message: "version must be positive"}
		}
		return *body, nil
	}
	return 0, nil
}

func setETag(w http.ResponseWriter, version int) {
	if version > 0 {
		w.Header().Set("ETag", fmt.Sprintf(`"%d"`, version))
	}
}

// envelopeMap renders the success envelope as a generic map so it can be
// stored for idempotent replay.
func envelopeMap(w http.ResponseWriter, message string, data any) (map[string]any, error) {
	b, err := json.Marshal(httpx.Envelope{Success: true, Message: message, Data: data, RequestID: httpx.RequestID(w)})
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// record appends to the contract's audit trail and publishes the change.
// Neither failure undoes the mutation that already committed.
func (s *server) record(ctx context.Context, c domain.ContractInstance, typ, actorID string, data map[string]any) {
	if err := s.st.AddEvent(ctx, c.TenantID, c.ID, typ, actorID, data); err != nil {
		s.log.Warn("contract event not stored", zap.String("contract_id", c.ID), zap.String("type", typ), zap.Error(err))
	}
	if s.events == nil {
		return
	}
	err := s.events.Publish(ctx, events.Envelope{
		Type:       typ,
		TenantID:   c.TenantID,
		ContractID: c.ID,
		ActorID:    actorID,
		OccurredAt: s.clock(),
		Data:       data,
	})
	if err != nil {
		s.log.Warn("contract event not published", zap.String("contract_id", c.ID), zap.String("type", typ), zap.Error(err))
	}
}
