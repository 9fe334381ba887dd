package repo

import (
	"context"
	"database/sql"

	"greenlight/internal/domain"
)

const delegationColumns = `id,org_id,delegator_id,delegate_id,module_type,effective_from,effective_to,created_at`

func scanDelegation(row interface{ Scan(...any) error }) (domain.DelegationRule, error) {
	var d domain.DelegationRule
	var moduleType sql.NullString
	err := row.Scan(&d.ID, &d.OrgID, &d.DelegatorID, &d.DelegateID, &moduleType,
		&d.EffectiveFrom, &d.EffectiveTo, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if moduleType.Valid {
		d.ModuleType = &moduleType.String
	}
	return d, err
}

func (r Repo) InsertDelegation(ctx context.Context, d domain.DelegationRule) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO delegation_rules(`+delegationColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.OrgID, d.DelegatorID, d.DelegateID, optional(d.ModuleType),
		d.EffectiveFrom, d.EffectiveTo, d.CreatedAt)
	return err
}

// ActiveDelegation returns the delegation rule covering a delegator at the
// given instant, preferring a module-scoped rule over an unscoped one.
func (r Repo) ActiveDelegation(ctx context.Context, delegatorID, moduleType, at string) (domain.DelegationRule, error) {
	return scanDelegation(r.DB.QueryRowContext(ctx,
		`SELECT `+delegationColumns+` FROM delegation_rules
WHERE delegator_id=? AND effective_from<=? AND effective_to>=? AND (module_type IS NULL OR module_type=?)
ORDER BY module_type IS NULL, effective_from DESC LIMIT 1`,
		delegatorID, at, at, moduleType))
}

func (r Repo) ListDelegations(ctx context.Context, orgID, delegatorID string) ([]domain.DelegationRule, error) {
	query := `SELECT ` + delegationColumns + ` FROM delegation_rules WHERE org_id=?`
	args := []any{orgID}
	if delegatorID != "" {
		query += ` AND delegator_id=?`
		args = append(args, delegatorID)
	}
	query += ` ORDER BY effective_from DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DelegationRule
	for rows.Next() {
		d, err := scanDelegation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) DeleteDelegation(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM delegation_rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
