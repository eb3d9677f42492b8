package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/javiergcw/kraken-sas/pkg/domain"
	"github.com/javiergcw/kraken-sas/services/contracts/internal/idempotency"
)

type ContractFilter struct {
	Status      domain.Status
	TemplateID  string
	RelatedType domain.RelatedType
	RelatedID   string
}

type Event struct {
	ID         int64          `json:"id"`
	ContractID string         `json:"contract_id"`
	Type       string         `json:"type"`
	ActorID    *string        `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

const contractColumns = `id,tenant_id,sku,code,template_id,related_type,related_id,status,signer_name,signer_email,fields,
signed_by_name,signed_by_email,signed_at,signature_image,expires_at,html_snapshot,snapshot_hash,cancel_reason,cancelled_at,
version,created_at,updated_at,template_html,template_variables`

func scanContract(row pgx.Row) (domain.ContractInstance, error) {
	var c domain.ContractInstance
	var relatedType *string
	var status string
	var fields, tplVars []byte
	var tplHTML *string
	err := row.Scan(&c.ID, &c.TenantID, &c.SKU, &c.Code, &c.TemplateID, &relatedType, &c.RelatedID, &status,
		&c.SignerName, &c.SignerEmail, &fields,
		&c.SignedByName, &c.SignedByEmail, &c.SignedAt, &c.SignatureImage, &c.ExpiresAt, &c.HTMLSnapshot, &c.SnapshotHash,
		&c.CancelReason, &c.CancelledAt, &c.Version, &c.CreatedAt, &c.UpdatedAt, &tplHTML, &tplVars)
	if err != nil {
		return domain.ContractInstance{}, err
	}
	if relatedType != nil {
		c.RelatedType = domain.RelatedType(*relatedType)
	}
	c.Status = domain.Status(status)
	c.Fields = map[string]*string{}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &c.Fields); err != nil {
			return domain.ContractInstance{}, fmt.Errorf("decode contract fields: %w", err)
		}
	}
	if tplHTML != nil {
		c.IssuedFrom = &domain.TemplateCopy{HTMLContent: *tplHTML}
		if len(tplVars) > 0 {
			if err := json.Unmarshal(tplVars, &c.IssuedFrom.Variables); err != nil {
				return domain.ContractInstance{}, fmt.Errorf("decode template copy: %w", err)
			}
		}
	}
	return c, nil
}

func marshalFields(fields map[string]*string) ([]byte, error) {
	if fields == nil {
		fields = map[string]*string{}
	}
	return json.Marshal(fields)
}

// CreateContract stores the contract and, when tokenHash is set, the hash of
// its public signing token in the same transaction.
func (s *Store) CreateContract(ctx context.Context, c domain.ContractInstance, tokenHash, createdBy string) (domain.ContractInstance, error) {
	if c.ID == "" {
		c.ID = "ctr_" + uuid.NewString()
	}
	fields, err := marshalFields(c.Fields)
	if err != nil {
		return domain.ContractInstance{}, err
	}
	var tplHTML *string
	var tplVars []byte
	if c.IssuedFrom != nil {
		tplHTML = &c.IssuedFrom.HTMLContent
		if tplVars, err = json.Marshal(c.IssuedFrom.Variables); err != nil {
			return domain.ContractInstance{}, err
		}
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return domain.ContractInstance{}, err
	}
	defer tx.Rollback(ctx)

	created, err := scanContract(tx.QueryRow(ctx, `
INSERT INTO contracts(id,tenant_id,sku,code,template_id,related_type,related_id,status,signer_name,signer_email,fields,
  expires_at,html_snapshot,snapshot_hash,created_by,template_html,template_variables)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
RETURNING `+contractColumns,
		c.ID, c.TenantID, c.SKU, c.Code, c.TemplateID, nullable(string(c.RelatedType)), c.RelatedID, string(c.Status),
		c.SignerName, c.SignerEmail, fields, c.ExpiresAt, c.HTMLSnapshot, c.SnapshotHash, createdBy, tplHTML, tplVars))
	if err != nil {
		return domain.ContractInstance{}, uniqueViolation(err, contractConflictCode(err))
	}
	if tokenHash != "" {
		if _, err := tx.Exec(ctx, `INSERT INTO contract_sign_tokens(id,contract_id,token_hash) VALUES($1,$2,$3)`,
			"stk_"+uuid.NewString(), created.ID, tokenHash); err != nil {
			return domain.ContractInstance{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ContractInstance{}, err
	}
	return created, nil
}

func contractConflictCode(err error) string {
	if strings.Contains(err.Error(), "contracts_tenant_code_key") {
		return "CODE_TAKEN"
	}
	return "SKU_TAKEN"
}

func (s *Store) GetContract(ctx context.Context, tenantID, id string) (domain.ContractInstance, error) {
	c, err := scanContract(s.DB.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err != nil {
		return domain.ContractInstance{}, notFound(err, "contract "+id)
	}
	return c, nil
}

// GetContractForToken resolves the contract a public signing link points at.
// Revoked tokens resolve to not found.
func (s *Store) GetContractForToken(ctx context.Context, id, tokenHash string) (domain.ContractInstance, error) {
	c, err := scanContract(s.DB.QueryRow(ctx, `
SELECT `+prefixed("c.", contractColumns)+`
FROM contracts c
JOIN contract_sign_tokens t ON t.contract_id=c.id
WHERE c.id=$1 AND t.token_hash=$2 AND t.revoked_at IS NULL`, id, tokenHash))
	if err != nil {
		return domain.ContractInstance{}, notFound(err, "signing link")
	}
	return c, nil
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ",")
}

func (s *Store) ListContracts(ctx context.Context, tenantID string, f ContractFilter) ([]domain.ContractInstance, error) {
	q := `SELECT ` + contractColumns + ` FROM contracts WHERE tenant_id=$1`
	args := []any{tenantID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if f.TemplateID != "" {
		args = append(args, f.TemplateID)
		q += fmt.Sprintf(" AND template_id=$%d", len(args))
	}
	if f.RelatedType != "" {
		args = append(args, string(f.RelatedType))
		q += fmt.Sprintf(" AND related_type=$%d", len(args))
	}
	if f.RelatedID != "" {
		args = append(args, f.RelatedID)
		q += fmt.Sprintf(" AND related_id=$%d", len(args))
	}
	q += " ORDER BY created_at DESC, id"

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.ContractInstance{}
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateContract persists lifecycle changes made by domain.Sign/Cancel/Submit.
// expectedVersion 0 skips the optimistic concurrency check.
func (s *Store) UpdateContract(ctx context.Context, c domain.ContractInstance, expectedVersion int) (domain.ContractInstance, error) {
	fields, err := marshalFields(c.Fields)
	if err != nil {
		return domain.ContractInstance{}, err
	}
	updated, err := scanContract(s.DB.QueryRow(ctx, `
UPDATE contracts SET
  status=$3, fields=$4, signed_by_name=$5, signed_by_email=$6, signed_at=$7, signature_image=$8,
  html_snapshot=$9, snapshot_hash=$10, cancel_reason=$11, cancelled_at=$12,
  version=version+1, updated_at=now()
WHERE tenant_id=$1 AND id=$2 AND ($13=0 OR version=$13)
RETURNING `+contractColumns,
		c.TenantID, c.ID, string(c.Status), fields, c.SignedByName, c.SignedByEmail, c.SignedAt, c.SignatureImage,
		c.HTMLSnapshot, c.SnapshotHash, c.CancelReason, c.CancelledAt, expectedVersion))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ContractInstance{}, s.missingOrStale(ctx, "contracts", "contract", c.TenantID, c.ID)
		}
		return domain.ContractInstance{}, err
	}
	return updated, nil
}

func (s *Store) RevokeTokens(ctx context.Context, contractID string) error {
	_, err := s.DB.Exec(ctx, `UPDATE contract_sign_tokens SET revoked_at=now() WHERE contract_id=$1 AND revoked_at IS NULL`, contractID)
	return err
}

func (s *Store) DeleteContract(ctx context.Context, tenantID, id string, expectedVersion int) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM contracts WHERE tenant_id=$1 AND id=$2 AND ($3=0 OR version=$3)`, tenantID, id, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrStale(ctx, "contracts", "contract", tenantID, id)
	}
	return nil
}

func (s *Store) AddEvent(ctx context.Context, tenantID, contractID, typ, actorID string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `INSERT INTO contract_events(tenant_id,contract_id,type,actor_id,payload) VALUES($1,$2,$3,$4,$5)`,
		tenantID, contractID, typ, nullable(actorID), b)
	return err
}

func (s *Store) ListEvents(ctx context.Context, tenantID, contractID string) ([]Event, error) {
	rows, err := s.DB.Query(ctx, `SELECT id,contract_id,type,actor_id,payload,occurred_at FROM contract_events WHERE tenant_id=$1 AND contract_id=$2 ORDER BY occurred_at, id`, tenantID, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Event{}
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.ContractID, &e.Type, &e.ActorID, &payload, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Payload = map[string]any{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReserveIdempotencyKey inserts a pending row for the scope. A pending row
// older than lease belongs to a request that never finished and is taken over.
func (s *Store) ReserveIdempotencyKey(ctx context.Context, sc idempotency.Scope, fingerprint string, lease time.Duration) (idempotency.Record, bool, error) {
	tag, err := s.DB.Exec(ctx, `
INSERT INTO idempotency_records(tenant_id,actor_id,idempotency_key,endpoint,request_hash)
VALUES($1,$2,$3,$4,$5)
ON CONFLICT (tenant_id,actor_id,idempotency_key,endpoint) DO UPDATE
  SET request_hash=EXCLUDED.request_hash, created_at=now()
  WHERE idempotency_records.response_status IS NULL
    AND idempotency_records.created_at < now() - make_interval(secs => $6)`,
		sc.TenantID, sc.ActorID, sc.Key, sc.Endpoint, fingerprint, lease.Seconds())
	if err != nil {
		return idempotency.Record{}, false, err
	}
	if tag.RowsAffected() == 1 {
		return idempotency.Record{}, true, nil
	}

	var rec idempotency.Record
	var status *int
	var body []byte
	err = s.DB.QueryRow(ctx, `
SELECT request_hash,response_status,response_body FROM idempotency_records
WHERE tenant_id=$1 AND actor_id=$2 AND idempotency_key=$3 AND endpoint=$4`,
		sc.TenantID, sc.ActorID, sc.Key, sc.Endpoint).Scan(&rec.Fingerprint, &status, &body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// released between the insert and the read
			return idempotency.Record{Pending: true}, false, nil
		}
		return idempotency.Record{}, false, err
	}
	if status == nil {
		rec.Pending = true
		return rec, false, nil
	}
	rec.Status = *status
	rec.Body = map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &rec.Body); err != nil {
			return idempotency.Record{}, false, err
		}
	}
	return rec, false, nil
}

func (s *Store) CompleteIdempotencyKey(ctx context.Context, sc idempotency.Scope, status int, body map[string]any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
UPDATE idempotency_records SET response_status=$5, response_body=$6
WHERE tenant_id=$1 AND actor_id=$2 AND idempotency_key=$3 AND endpoint=$4 AND response_status IS NULL`,
		sc.TenantID, sc.ActorID, sc.Key, sc.Endpoint, status, b)
	return err
}

func (s *Store) ReleaseIdempotencyKey(ctx context.Context, sc idempotency.Scope) error {
	_, err := s.DB.Exec(ctx, `
DELETE FROM idempotency_records
WHERE tenant_id=$1 AND actor_id=$2 AND idempotency_key=$3 AND endpoint=$4 AND response_status IS NULL`,
		sc.TenantID, sc.ActorID, sc.Key, sc.Endpoint)
	return err
}
