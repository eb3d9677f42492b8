package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/javiergcw/kraken-sas/pkg/domain"
)

type TemplatePatch struct {
	Name        *string
	Description *string
	HTMLContent *string
	IsActive    *bool
}

const templateColumns = `id,tenant_id,sku,name,description,html_content,is_active,version,created_at,updated_at`

func scanTemplate(row pgx.Row) (domain.ContractTemplate, error) {
	var t domain.ContractTemplate
	err := row.Scan(&t.ID, &t.TenantID, &t.SKU, &t.Name, &t.Description, &t.HTMLContent, &t.IsActive, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

const variableColumns = `id,template_id,var_key,label,data_type,required,default_value,sort_order`

func scanVariable(row pgx.Row) (domain.TemplateVariable, error) {
	var v domain.TemplateVariable
	var key, typ string
	err := row.Scan(&v.ID, &v.TemplateID, &key, &v.Label, &typ, &v.Required, &v.DefaultValue, &v.SortOrder)
	v.Key = domain.VarKey(key)
	v.DataType = domain.VarType(typ)
	return v, err
}

func (s *Store) ListTemplates(ctx context.Context, tenantID string) ([]domain.ContractTemplate, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+templateColumns+` FROM contract_templates WHERE tenant_id=$1 ORDER BY created_at DESC, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.ContractTemplate{}
	index := map[string]int{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		t.Variables = []domain.TemplateVariable{}
		index[t.ID] = len(out)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	vrows, err := s.DB.Query(ctx, `SELECT `+variableColumns+` FROM template_variables WHERE tenant_id=$1 ORDER BY template_id, sort_order, created_at, id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer vrows.Close()
	for vrows.Next() {
		v, err := scanVariable(vrows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[v.TemplateID]; ok {
			out[i].Variables = append(out[i].Variables, v)
		}
	}
	return out, vrows.Err()
}

func (s *Store) GetTemplate(ctx context.Context, tenantID, id string) (domain.ContractTemplate, error) {
	t, err := scanTemplate(s.DB.QueryRow(ctx, `SELECT `+templateColumns+` FROM contract_templates WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err != nil {
		return domain.ContractTemplate{}, notFound(err, "template "+id)
	}
	vars, err := listVariables(ctx, s.DB, tenantID, id)
	if err != nil {
		return domain.ContractTemplate{}, err
	}
	t.Variables = vars
	return t, nil
}

func listVariables(ctx context.Context, q queryer, tenantID, templateID string) ([]domain.TemplateVariable, error) {
	rows, err := q.Query(ctx, `SELECT `+variableColumns+` FROM template_variables WHERE tenant_id=$1 AND template_id=$2 ORDER BY sort_order, created_at, id`, tenantID, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []domain.TemplateVariable{}
	for rows.Next() {
		v, err := scanVariable(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CreateTemplate inserts the template and its variables in one transaction.
func (s *Store) CreateTemplate(ctx context.Context, t domain.ContractTemplate) (domain.ContractTemplate, error) {
	if t.ID == "" {
		t.ID = "tpl_" + uuid.NewString()
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return domain.ContractTemplate{}, err
	}
	defer tx.Rollback(ctx)

	created, err := scanTemplate(tx.QueryRow(ctx, `
INSERT INTO contract_templates(id,tenant_id,sku,name,description,html_content,is_active)
VALUES($1,$2,$3,$4,$5,$6,$7)
RETURNING `+templateColumns,
		t.ID, t.TenantID, t.SKU, t.Name, t.Description, t.HTMLContent, t.IsActive))
	if err != nil {
		return domain.ContractTemplate{}, uniqueViolation(err, "SKU_TAKEN")
	}
	created.Variables = make([]domain.TemplateVariable, 0, len(t.Variables))
	for _, v := range t.Variables {
		v.TemplateID = created.ID
		iv, err := insertVariable(ctx, tx, t.TenantID, v)
		if err != nil {
			return domain.ContractTemplate{}, err
		}
		created.Variables = append(created.Variables, iv)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.ContractTemplate{}, err
	}
	created.Variables = domain.SortVariables(created.Variables)
	return created, nil
}

// UpdateTemplate applies a partial update. expectedVersion 0 skips the
// optimistic concurrency check.
func (s *Store) UpdateTemplate(ctx context.Context, tenantID, id string, p TemplatePatch, expectedVersion int) (domain.ContractTemplate, error) {
	row := s.DB.QueryRow(ctx, `
UPDATE contract_templates SET
  name=COALESCE($3,name),
  description=COALESCE($4,description),
  html_content=COALESCE($5,html_content),
  is_active=COALESCE($6,is_active),
  version=version+1,
  updated_at=now()
WHERE tenant_id=$1 AND id=$2 AND ($7=0 OR version=$7)
RETURNING `+templateColumns,
		tenantID, id, p.Name, p.Description, p.HTMLContent, p.IsActive, expectedVersion)
	t, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ContractTemplate{}, s.missingOrStale(ctx, "contract_templates", "template", tenantID, id)
		}
		return domain.ContractTemplate{}, err
	}
	vars, err := listVariables(ctx, s.DB, tenantID, id)
	if err != nil {
		return domain.ContractTemplate{}, err
	}
	t.Variables = vars
	return t, nil
}

// DeleteTemplate removes the template and its variables. Issued contracts
// keep their own fields and html snapshot.
func (s *Store) DeleteTemplate(ctx context.Context, tenantID, id string, expectedVersion int) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM contract_templates WHERE tenant_id=$1 AND id=$2 AND ($3=0 OR version=$3)`, tenantID, id, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrStale(ctx, "contract_templates", "template", tenantID, id)
	}
	return nil
}

func (s *Store) missingOrStale(ctx context.Context, table, kind, tenantID, id string) error {
	var exists bool
	if err := s.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE tenant_id=$1 AND id=$2)`, tenantID, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return notFound(pgx.ErrNoRows, kind+" "+id)
	}
	return versionConflict(kind, id)
}

func insertVariable(ctx context.Context, q queryer, tenantID string, v domain.TemplateVariable) (domain.TemplateVariable, error) {
	if v.ID == "" {
		v.ID = "var_" + uuid.NewString()
	}
	out, err := scanVariable(q.QueryRow(ctx, `
INSERT INTO template_variables(id,tenant_id,template_id,var_key,label,data_type,required,default_value,sort_order)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING `+variableColumns,
		v.ID, tenantID, v.TemplateID, string(v.Key), v.Label, string(v.DataType), v.Required, v.DefaultValue, v.SortOrder))
	if err != nil {
		return domain.TemplateVariable{}, uniqueViolation(err, "VARIABLE_KEY_TAKEN")
	}
	return out, nil
}

func (s *Store) touchTemplate(ctx context.Context, q queryer, tenantID, templateID string) error {
	_, err := q.Exec(ctx, `UPDATE contract_templates SET version=version+1, updated_at=$3 WHERE tenant_id=$1 AND id=$2`, tenantID, templateID, time.Now().UTC())
	return err
}

// AddVariable appends a variable and bumps the owning template's version.
func (s *Store) AddVariable(ctx context.Context, tenantID string, v domain.TemplateVariable) (domain.TemplateVariable, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return domain.TemplateVariable{}, err
	}
	defer tx.Rollback(ctx)
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM contract_templates WHERE tenant_id=$1 AND id=$2)`, tenantID, v.TemplateID).Scan(&exists); err != nil {
		return domain.TemplateVariable{}, err
	}
	if !exists {
		return domain.TemplateVariable{}, &domain.TemplateNotFoundError{TemplateID: v.TemplateID}
	}
	out, err := insertVariable(ctx, tx, tenantID, v)
	if err != nil {
		return domain.TemplateVariable{}, err
	}
	if err := s.touchTemplate(ctx, tx, tenantID, v.TemplateID); err != nil {
		return domain.TemplateVariable{}, err
	}
	return out, tx.Commit(ctx)
}

func (s *Store) GetVariable(ctx context.Context, tenantID, id string) (domain.TemplateVariable, error) {
	v, err := scanVariable(s.DB.QueryRow(ctx, `SELECT `+variableColumns+` FROM template_variables WHERE tenant_id=$1 AND id=$2`, tenantID, id))
	if err != nil {
		return domain.TemplateVariable{}, notFound(err, "variable "+id)
	}
	return v, nil
}

func (s *Store) UpdateVariable(ctx context.Context, tenantID string, v domain.TemplateVariable) (domain.TemplateVariable, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return domain.TemplateVariable{}, err
	}
	defer tx.Rollback(ctx)
	out, err := scanVariable(tx.QueryRow(ctx, `
UPDATE template_variables SET var_key=$3,label=$4,data_type=$5,required=$6,default_value=$7,sort_order=$8
WHERE tenant_id=$1 AND id=$2
RETURNING `+variableColumns,
		tenantID, v.ID, string(v.Key), v.Label, string(v.DataType), v.Required, v.DefaultValue, v.SortOrder))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TemplateVariable{}, notFound(err, "variable "+v.ID)
		}
		return domain.TemplateVariable{}, uniqueViolation(err, "VARIABLE_KEY_TAKEN")
	}
	if err := s.touchTemplate(ctx, tx, tenantID, out.TemplateID); err != nil {
		return domain.TemplateVariable{}, err
	}
	return out, tx.Commit(ctx)
}

func (s *Store) DeleteVariable(ctx context.Context, tenantID, id string) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	var templateID string
	err = tx.QueryRow(ctx, `DELETE FROM template_variables WHERE tenant_id=$1 AND id=$2 RETURNING template_id`, tenantID, id).Scan(&templateID)
	if err != nil {
		return notFound(err, "variable "+id)
	}
	if err := s.touchTemplate(ctx, tx, tenantID, templateID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
