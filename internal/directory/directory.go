// Package directory resolves approver roles against the employee records
// stored alongside the workflow tables.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"greenlight/internal/engine"
)

// SQL answers directory lookups from the employees, departments and
// org_roles tables. Misses surface as engine.ErrDirectoryMiss so the
// resolver can distinguish "nobody there" from storage failures.
type SQL struct {
	DB *sql.DB
}

func (d SQL) Manager(ctx context.Context, employeeID string) (string, error) {
	var managerID sql.NullString
	err := d.DB.QueryRowContext(ctx,
		`SELECT manager_id FROM employees WHERE id = ?`, employeeID).Scan(&managerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("employee %s: %w", employeeID, engine.ErrDirectoryMiss)
	}
	if err != nil {
		return "", err
	}
	if !managerID.Valid || managerID.String == "" {
		return "", fmt.Errorf("employee %s has no manager: %w", employeeID, engine.ErrDirectoryMiss)
	}
	return managerID.String, nil
}

func (d SQL) DepartmentHead(ctx context.Context, employeeID string) (string, error) {
	var headID sql.NullString
	err := d.DB.QueryRowContext(ctx,
		`SELECT d.head_id FROM employees e JOIN departments d ON d.id = e.department_id WHERE e.id = ?`,
		employeeID).Scan(&headID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("employee %s has no department: %w", employeeID, engine.ErrDirectoryMiss)
	}
	if err != nil {
		return "", err
	}
	if !headID.Valid || headID.String == "" {
		return "", fmt.Errorf("department of %s has no head: %w", employeeID, engine.ErrDirectoryMiss)
	}
	return headID.String, nil
}

func (d SQL) RoleMembers(ctx context.Context, orgID, role string) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT employee_id FROM org_roles WHERE org_id = ? AND role = ? ORDER BY employee_id`,
		orgID, role)
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
