package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/javiergcw/kraken-sas/pkg/domain"
	"github.com/javiergcw/kraken-sas/services/contracts/internal/idempotency"
	"github.com/javiergcw/kraken-sas/services/contracts/internal/store"
)

// memStore is an in-memory contractStore with the same conflict and
// versioning rules as the Postgres store.
type memStore struct {
	mu        sync.Mutex
	seq       int
	templates map[string]domain.ContractTemplate
	contracts map[string]domain.ContractInstance
	tokens    map[string]string // token hash -> contract id
	revoked   map[string]bool
	events    []store.Event
	idem      map[string]idemRecord
	pingErr   error
}

type idemRecord struct {
	fingerprint string
	pending     bool
	status      int
	body        []byte
}

func newMemStore() *memStore {
	return &memStore{
		templates: map[string]domain.ContractTemplate{},
		contracts: map[string]domain.ContractInstance{},
		tokens:    map[string]string{},
		revoked:   map[string]bool{},
		idem:      map[string]idemRecord{},
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s_%03d", prefix, m.seq)
}

func cloneTemplate(t domain.ContractTemplate) domain.ContractTemplate {
	t.Variables = append([]domain.TemplateVariable{}, t.Variables...)
	return t
}

func cloneContract(c domain.ContractInstance) domain.ContractInstance {
	c.Fields = domain.CloneFields(c.Fields)
	if c.IssuedFrom != nil {
		cp := *c.IssuedFrom
		cp.Variables = append([]domain.TemplateVariable{}, cp.Variables...)
		c.IssuedFrom = &cp
	}
	return c
}

func stale(kind, id string) error {
	return &domain.ConflictError{Code: "VERSION_MISMATCH", Message: kind + " " + id + " was modified by another request"}
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

func (m *memStore) ListTemplates(_ context.Context, tenantID string) ([]domain.ContractTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.ContractTemplate{}
	for _, t := range m.templates {
		if t.TenantID == tenantID {
			out = append(out, cloneTemplate(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetTemplate(_ context.Context, tenantID, id string) (domain.ContractTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok || t.TenantID != tenantID {
		return domain.ContractTemplate{}, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}
	return cloneTemplate(t), nil
}

func (m *memStore) CreateTemplate(_ context.Context, t domain.ContractTemplate) (domain.ContractTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.templates {
		if existing.TenantID == t.TenantID && existing.SKU == t.SKU {
			return domain.ContractTemplate{}, &domain.ConflictError{Code: "SKU_TAKEN", Message: fmt.Sprintf("Key (tenant_id, sku)=(%s, %s) already exists.", t.TenantID, t.SKU)}
		}
	}
	t.ID = m.nextID("tpl")
	t.Version = 1
	t.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t.UpdatedAt = t.CreatedAt
	for i := range t.Variables {
		t.Variables[i].ID = m.nextID("var")
		t.Variables[i].TemplateID = t.ID
	}
	t.Variables = domain.SortVariables(t.Variables)
	m.templates[t.ID] = cloneTemplate(t)
	return t, nil
}

func (m *memStore) UpdateTemplate(_ context.Context, tenantID, id string, p store.TemplatePatch, expectedVersion int) (domain.ContractTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok || t.TenantID != tenantID {
		return domain.ContractTemplate{}, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}
	if expectedVersion != 0 && expectedVersion != t.Version {
		return domain.ContractTemplate{}, stale("template", id)
	}
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Description != nil {
		t.Description = p.Description
	}
	if p.HTMLContent != nil {
		t.HTMLContent = *p.HTMLContent
	}
	if p.IsActive != nil {
		t.IsActive = *p.IsActive
	}
	t.Version++
	m.templates[id] = t
	return cloneTemplate(t), nil
}

func (m *memStore) DeleteTemplate(_ context.Context, tenantID, id string, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok || t.TenantID != tenantID {
		return fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}
	if expectedVersion != 0 && expectedVersion != t.Version {
		return stale("template", id)
	}
	delete(m.templates, id)
	return nil
}

func (m *memStore) AddVariable(_ context.Context, tenantID string, v domain.TemplateVariable) (domain.TemplateVariable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[v.TemplateID]
	if !ok || t.TenantID != tenantID {
		return domain.TemplateVariable{}, &domain.TemplateNotFoundError{TemplateID: v.TemplateID}
	}
	if _, dup := domain.FindVariable(t.Variables, v.Key); dup {
		return domain.TemplateVariable{}, &domain.ConflictError{Code: "VARIABLE_KEY_TAKEN", Message: "Key (template_id, var_key) already exists."}
	}
	v.ID = m.nextID("var")
	t.Variables = domain.SortVariables(append(t.Variables, v))
	t.Version++
	m.templates[t.ID] = t
	return v, nil
}

func (m *memStore) findVariable(tenantID, id string) (domain.ContractTemplate, int, bool) {
	for _, t := range m.templates {
		if t.TenantID != tenantID {
			continue
		}
		for i, v := range t.Variables {
			if v.ID == id {
				return t, i, true
			}
		}
	}
	return domain.ContractTemplate{}, 0, false
}

func (m *memStore) GetVariable(_ context.Context, tenantID, id string) (domain.TemplateVariable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, i, ok := m.findVariable(tenantID, id)
	if !ok {
		return domain.TemplateVariable{}, fmt.Errorf("variable %s: %w", id, domain.ErrNotFound)
	}
	return t.Variables[i], nil
}

func (m *memStore) UpdateVariable(_ context.Context, tenantID string, v domain.TemplateVariable) (domain.TemplateVariable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, i, ok := m.findVariable(tenantID, v.ID)
	if !ok {
		return domain.TemplateVariable{}, fmt.Errorf("variable %s: %w", v.ID, domain.ErrNotFound)
	}
	t.Variables[i] = v
	t.Variables = domain.SortVariables(t.Variables)
	t.Version++
	m.templates[t.ID] = t
	return v, nil
}

func (m *memStore) DeleteVariable(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, i, ok := m.findVariable(tenantID, id)
	if !ok {
		return fmt.Errorf("variable %s: %w", id, domain.ErrNotFound)
	}
	t.Variables = append(t.Variables[:i:i], t.Variables[i+1:]...)
	t.Version++
	m.templates[t.ID] = t
	return nil
}

func (m *memStore) CreateContract(_ context.Context, c domain.ContractInstance, tokenHash, createdBy string) (domain.ContractInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.contracts {
		if existing.TenantID != c.TenantID {
			continue
		}
		if existing.SKU == c.SKU {
			return domain.ContractInstance{}, &domain.ConflictError{Code: "SKU_TAKEN", Message: "Key (tenant_id, sku) already exists."}
		}
		if existing.Code == c.Code {
			return domain.ContractInstance{}, &domain.ConflictError{Code: "CODE_TAKEN", Message: "Key (tenant_id, code) already exists."}
		}
	}
	c.ID = m.nextID("ctr")
	c.Version = 1
	c.UpdatedAt = c.CreatedAt
	m.contracts[c.ID] = cloneContract(c)
	if tokenHash != "" {
		m.tokens[tokenHash] = c.ID
	}
	return c, nil
}

func (m *memStore) GetContract(_ context.Context, tenantID, id string) (domain.ContractInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[id]
	if !ok || c.TenantID != tenantID {
		return domain.ContractInstance{}, fmt.Errorf("contract %s: %w", id, domain.ErrNotFound)
	}
	return cloneContract(c), nil
}

func (m *memStore) GetContractForToken(_ context.Context, id, tokenHash string) (domain.ContractInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cid, ok := m.tokens[tokenHash]
	if !ok || cid != id || m.revoked[tokenHash] {
		return domain.ContractInstance{}, fmt.Errorf("signing link: %w", domain.ErrNotFound)
	}
	c, ok := m.contracts[id]
	if !ok {
		return domain.ContractInstance{}, fmt.Errorf("signing link: %w", domain.ErrNotFound)
	}
	return cloneContract(c), nil
}

func (m *memStore) ListContracts(_ context.Context, tenantID string, f store.ContractFilter) ([]domain.ContractInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.ContractInstance{}
	for _, c := range m.contracts {
		if c.TenantID != tenantID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.TemplateID != "" && c.TemplateID != f.TemplateID {
			continue
		}
		if f.RelatedType != "" && c.RelatedType != f.RelatedType {
			continue
		}
		if f.RelatedID != "" && (c.RelatedID == nil || *c.RelatedID != f.RelatedID) {
			continue
		}
		out = append(out, cloneContract(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateContract(_ context.Context, c domain.ContractInstance, expectedVersion int) (domain.ContractInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.contracts[c.ID]
	if !ok || cur.TenantID != c.TenantID {
		return domain.ContractInstance{}, fmt.Errorf("contract %s: %w", c.ID, domain.ErrNotFound)
	}
	if expectedVersion != 0 && expectedVersion != cur.Version {
		return domain.ContractInstance{}, stale("contract", c.ID)
	}
	c.Version = cur.Version + 1
	// the template copy is written once at issuance
	c.IssuedFrom = cur.IssuedFrom
	m.contracts[c.ID] = cloneContract(c)
	return c, nil
}

func (m *memStore) RevokeTokens(_ context.Context, contractID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, id := range m.tokens {
		if id == contractID {
			m.revoked[hash] = true
		}
	}
	return nil
}

func (m *memStore) DeleteContract(_ context.Context, tenantID, id string, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[id]
	if !ok || c.TenantID != tenantID {
		return fmt.Errorf("contract %s: %w", id, domain.ErrNotFound)
	}
	if expectedVersion != 0 && expectedVersion != c.Version {
		return stale("contract", id)
	}
	delete(m.contracts, id)
	return nil
}

func (m *memStore) AddEvent(_ context.Context, tenantID, contractID, typ, actorID string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var actor *string
	if actorID != "" {
		actor = &actorID
	}
	m.events = append(m.events, store.Event{
		ID:         int64(len(m.events) + 1),
		ContractID: contractID,
		Type:       typ,
		ActorID:    actor,
		Payload:    payload,
	})
	return nil
}

func (m *memStore) ListEvents(_ context.Context, _, contractID string) ([]store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Event{}
	for _, e := range m.events {
		if e.ContractID == contractID {
			out = append(out, e)
		}
	}
	return out, nil
}

func idemKey(sc idempotency.Scope) string {
	return sc.TenantID + "|" + sc.ActorID + "|" + sc.Key + "|" + sc.Endpoint
}

func (m *memStore) ReserveIdempotencyKey(_ context.Context, sc idempotency.Scope, fingerprint string, _ time.Duration) (idempotency.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey(sc)
	rec, ok := m.idem[k]
	if !ok {
		m.idem[k] = idemRecord{fingerprint: fingerprint, pending: true}
		return idempotency.Record{}, true, nil
	}
	out := idempotency.Record{Fingerprint: rec.fingerprint, Pending: rec.pending, Status: rec.status}
	if !rec.pending {
		out.Body = map[string]any{}
		if err := json.Unmarshal(rec.body, &out.Body); err != nil {
			return idempotency.Record{}, false, err
		}
	}
	return out, false, nil
}

func (m *memStore) CompleteIdempotencyKey(_ context.Context, sc idempotency.Scope, status int, body map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idemKey(sc)
	rec, ok := m.idem[k]
	if !ok || !rec.pending {
		return nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	m.idem[k] = idemRecord{fingerprint: rec.fingerprint, status: status, body: b}
	return nil
}

func (m *memStore) ReleaseIdempotencyKey(_ context.Context, sc idempotency.Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.idem[idemKey(sc)]; ok && rec.pending {
		delete(m.idem, idemKey(sc))
	}
	return nil
}
