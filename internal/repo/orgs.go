package repo

import (
	"context"
	"database/sql"

	"greenlight/internal/domain"
)

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name, now string) error {
	if name == "" {
		name = orgID
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id, name, created_at) VALUES (?,?,?)`, orgID, name, now)
	return err
}

func (r Repo) GetOrg(ctx context.Context, id string) (domain.Organization, error) {
	var o domain.Organization
	err := r.DB.QueryRowContext(ctx, `SELECT id, name, created_at FROM organizations WHERE id=?`, id).
		Scan(&o.ID, &o.Name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) UpsertEmployee(ctx context.Context, tx *sql.Tx, e domain.Employee) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO employees(id,org_id,name,email,manager_id,department_id,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, manager_id=excluded.manager_id, department_id=excluded.department_id`,
		e.ID, e.OrgID, e.Name, nullable(e.Email), optional(e.ManagerID), optional(e.DepartmentID), e.CreatedAt)
	return err
}

func (r Repo) GetEmployee(ctx context.Context, id string) (domain.Employee, error) {
	var e domain.Employee
	var email, managerID, departmentID sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,org_id,name,COALESCE(email,''),manager_id,department_id,created_at FROM employees WHERE id=?`, id).
		Scan(&e.ID, &e.OrgID, &e.Name, &email, &managerID, &departmentID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if email.Valid {
		e.Email = email.String
	}
	if managerID.Valid {
		e.ManagerID = &managerID.String
	}
	if departmentID.Valid {
		e.DepartmentID = &departmentID.String
	}
	return e, nil
}

func (r Repo) UpsertDepartment(ctx context.Context, tx *sql.Tx, d domain.Department) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO departments(id,org_id,name,head_id) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, head_id=excluded.head_id`,
		d.ID, d.OrgID, d.Name, optional(d.HeadID))
	return err
}

func (r Repo) GetDepartment(ctx context.Context, id string) (domain.Department, error) {
	var d domain.Department
	var headID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,head_id FROM departments WHERE id=?`, id).
		Scan(&d.ID, &d.OrgID, &d.Name, &headID)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if headID.Valid {
		d.HeadID = &headID.String
	}
	return d, err
}

func (r Repo) AssignOrgRole(ctx context.Context, tx *sql.Tx, orgID, employeeID, role string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO org_roles(org_id, employee_id, role) VALUES (?,?,?)`, orgID, employeeID, role)
	return err
}

func (r Repo) RevokeOrgRole(ctx context.Context, tx *sql.Tx, orgID, employeeID, role string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM org_roles WHERE org_id=? AND employee_id=? AND role=?`, orgID, employeeID, role)
	return err
}

// RoleMembers lists employees holding a role in an org, in stable order.
func (r Repo) RoleMembers(ctx context.Context, orgID, role string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT employee_id FROM org_roles WHERE org_id=? AND role=? ORDER BY employee_id`, orgID, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

func (r Repo) HasOrgRole(ctx context.Context, orgID, employeeID, role string) (bool, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT 1 FROM org_roles WHERE org_id=? AND employee_id=? AND role=? LIMIT 1`, orgID, employeeID, role)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
