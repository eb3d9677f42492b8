package idempotency

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/javiergcw/kraken-sas/pkg/authn"
	"github.com/javiergcw/kraken-sas/pkg/domain"
)

const Header = "Idempotency-Key"

// PendingLease is how long a reservation blocks other requests with the same
// key. A reservation left by a crashed request can be taken over after it.
const PendingLease = time.Minute

// Scope identifies one idempotency record: the same key sent by another
// tenant, another user or to another endpoint is a different record.
type Scope struct {
	TenantID string
	ActorID  string
	Endpoint string
	Key      string
}

// ScopeFor reads the Idempotency-Key header. The zero Scope means the request
// carries no key.
func ScopeFor(r *http.Request, p authn.Principal, endpoint string) Scope {
	key := strings.TrimSpace(r.Header.Get(Header))
	if key == "" {
		return Scope{}
	}
	return Scope{TenantID: p.TenantID, ActorID: p.UserID, Endpoint: endpoint, Key: key}
}

func (s Scope) empty() bool { return s.Key == "" }

// Record is what a store holds for a scope. Pending records have no response
// yet.
type Record struct {
	Fingerprint string
	Pending     bool
	Status      int
	Body        map[string]any
}

type Store interface {
	// ReserveIdempotencyKey claims the scope with a pending record. When the
	// scope is already held it returns the existing record and claimed=false.
	ReserveIdempotencyKey(ctx context.Context, s Scope, fingerprint string, lease time.Duration) (existing Record, claimed bool, err error)
	CompleteIdempotencyKey(ctx context.Context, s Scope, status int, body map[string]any) error
	ReleaseIdempotencyKey(ctx context.Context, s Scope) error
}

// Reservation is held by the one request allowed to run for a scope. A nil
// Reservation is valid and does nothing.
type Reservation struct {
	st    Store
	scope Scope
}

// Begin claims the scope before the handler runs. It returns the stored
// response when the same request already completed, a ConflictError when it
// is still running or the key was used for a different request, and a
// Reservation otherwise.
func Begin(ctx context.Context, st Store, s Scope, fingerprint string) (*Reservation, *Record, error) {
	if st == nil || s.empty() {
		return nil, nil, nil
	}
	existing, claimed, err := st.ReserveIdempotencyKey(ctx, s, fingerprint, PendingLease)
	if err != nil {
		return nil, nil, err
	}
	if claimed {
		return &Reservation{st: st, scope: s}, nil, nil
	}
	if existing.Fingerprint != "" && fingerprint != "" && existing.Fingerprint != fingerprint {
		return nil, nil, &domain.ConflictError{
			Code:    "IDEMPOTENCY_KEY_REUSED",
			Message: "Idempotency-Key " + s.Key + " was already used for a different request",
		}
	}
	if existing.Pending {
		return nil, nil, &domain.ConflictError{
			Code:    "IDEMPOTENCY_IN_PROGRESS",
			Message: "a request with Idempotency-Key " + s.Key + " is still being processed",
		}
	}
	return nil, &existing, nil
}

// Complete stores the response replayed for later requests with the key.
func (r *Reservation) Complete(ctx context.Context, status int, body map[string]any) error {
	if r == nil {
		return nil
	}
	return r.st.CompleteIdempotencyKey(ctx, r.scope, status, body)
}

// Release drops the reservation after a failed request so a retry can run.
func (r *Reservation) Release(ctx context.Context) error {
	if r == nil {
		return nil
	}
	return r.st.ReleaseIdempotencyKey(ctx, r.scope)
}
