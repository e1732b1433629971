package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"resplan/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertTenant(ctx context.Context, t domain.Tenant) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tenants(id,name,created_at) VALUES (?,?,?)`,
		t.ID, t.Name, t.CreatedAt)
	return err
}

func (r Repo) EnsureTenantTx(ctx context.Context, tx *sql.Tx, id, name, now string) error {
	if name == "" {
		name = id
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tenants(id,name,created_at) VALUES (?,?,?)`, id, name, now)
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM tenants WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) SingleTenant(ctx context.Context) (domain.Tenant, error) {
	tenants, err := r.ListTenants(ctx)
	if err != nil {
		return domain.Tenant{}, err
	}
	if len(tenants) == 0 {
		return domain.Tenant{}, ErrNotFound
	}
	if len(tenants) > 1 {
		return domain.Tenant{}, errors.New("multiple tenants exist; specify --tenant")
	}
	return tenants[0], nil
}

func (r Repo) InsertDepartment(ctx context.Context, d domain.Department) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO departments(id,tenant_id,name,code) VALUES (?,?,?,?)`,
		d.ID, d.TenantID, d.Name, d.Code)
	return err
}

func (r Repo) GetDepartment(ctx context.Context, tenantID, id string) (domain.Department, error) {
	var d domain.Department
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,name,code FROM departments WHERE id=? AND tenant_id=?`, id, tenantID).
		Scan(&d.ID, &d.TenantID, &d.Name, &d.Code)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) InsertUser(ctx context.Context, u domain.User) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,tenant_id,object_id,email,display_name,role,department_id,is_active,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		u.ID, u.TenantID, u.ObjectID, u.Email, u.DisplayName, u.Role, nullableStringPtr(u.DepartmentID), boolToInt(u.IsActive), u.CreatedAt)
	return err
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var deptID sql.NullString
	var active int
	err := row.Scan(&u.ID, &u.TenantID, &u.ObjectID, &u.Email, &u.DisplayName, &u.Role, &deptID, &active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if deptID.Valid {
		u.DepartmentID = &deptID.String
	}
	u.IsActive = active != 0
	return u, nil
}

const userColumns = `id,tenant_id,object_id,email,display_name,role,department_id,is_active,created_at`

func (r Repo) GetUser(ctx context.Context, tenantID, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=? AND tenant_id=?`, id, tenantID))
}

// GetUserByObjectID resolves the authenticated principal to a tenant user.
func (r Repo) GetUserByObjectID(ctx context.Context, tenantID, objectID string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE tenant_id=? AND object_id=?`, tenantID, objectID))
}

// FirstActiveUserByRoleInDepartment returns the first active user holding
// the role in the department, ordered for determinism.
func (r Repo) FirstActiveUserByRoleInDepartment(ctx context.Context, tenantID, departmentID, role string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users
WHERE tenant_id=? AND department_id=? AND role=? AND is_active=1 ORDER BY created_at ASC, id ASC LIMIT 1`,
		tenantID, departmentID, role))
}

// ListActiveUsersByRoles returns active tenant users holding any of the roles.
func (r Repo) ListActiveUsersByRoles(ctx context.Context, tenantID string, roles []string) ([]domain.User, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(roles)), ",")
	args := []any{tenantID}
	for _, role := range roles {
		args = append(args, role)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users
WHERE tenant_id=? AND role IN (`+placeholders+`) AND is_active=1 ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var deptID sql.NullString
		var active int
		if err := rows.Scan(&u.ID, &u.TenantID, &u.ObjectID, &u.Email, &u.DisplayName, &u.Role, &deptID, &active, &u.CreatedAt); err != nil {
			return nil, err
		}
		if deptID.Valid {
			u.DepartmentID = &deptID.String
		}
		u.IsActive = active != 0
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) ListUsers(ctx context.Context, tenantID string) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users
WHERE tenant_id=? ORDER BY created_at ASC, id ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var deptID sql.NullString
		var active int
		if err := rows.Scan(&u.ID, &u.TenantID, &u.ObjectID, &u.Email, &u.DisplayName, &u.Role, &deptID, &active, &u.CreatedAt); err != nil {
			return nil, err
		}
		if deptID.Valid {
			u.DepartmentID = &deptID.String
		}
		u.IsActive = active != 0
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) InsertCostCenter(ctx context.Context, cc domain.CostCenter) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO cost_centers(id,tenant_id,name,code,department_id,ro_user_id) VALUES (?,?,?,?,?,?)`,
		cc.ID, cc.TenantID, cc.Name, cc.Code, nullableStringPtr(cc.DepartmentID), nullableStringPtr(cc.ROUserID))
	return err
}

func (r Repo) GetCostCenter(ctx context.Context, tenantID, id string) (domain.CostCenter, error) {
	var cc domain.CostCenter
	var deptID, roUserID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,name,code,department_id,ro_user_id FROM cost_centers WHERE id=? AND tenant_id=?`, id, tenantID).
		Scan(&cc.ID, &cc.TenantID, &cc.Name, &cc.Code, &deptID, &roUserID)
	if err == sql.ErrNoRows {
		return cc, ErrNotFound
	}
	if err != nil {
		return cc, err
	}
	if deptID.Valid {
		cc.DepartmentID = &deptID.String
	}
	if roUserID.Valid {
		cc.ROUserID = &roUserID.String
	}
	return cc, nil
}

func (r Repo) InsertResource(ctx context.Context, res domain.Resource) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO resources(id,tenant_id,display_name,email,user_id,cost_center_id,employee_id) VALUES (?,?,?,?,?,?,?)`,
		res.ID, res.TenantID, res.DisplayName, res.Email, nullableStringPtr(res.UserID), nullableStringPtr(res.CostCenterID), nullable(res.EmployeeID))
	return err
}

func (r Repo) GetResource(ctx context.Context, tenantID, id string) (domain.Resource, error) {
	var res domain.Resource
	var userID, ccID, empID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,display_name,email,user_id,cost_center_id,employee_id FROM resources WHERE id=? AND tenant_id=?`, id, tenantID).
		Scan(&res.ID, &res.TenantID, &res.DisplayName, &res.Email, &userID, &ccID, &empID)
	if err == sql.ErrNoRows {
		return res, ErrNotFound
	}
	if err != nil {
		return res, err
	}
	if userID.Valid {
		res.UserID = &userID.String
	}
	if ccID.Valid {
		res.CostCenterID = &ccID.String
	}
	if empID.Valid {
		res.EmployeeID = empID.String
	}
	return res, nil
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,tenant_id,name,code,pm_user_id) VALUES (?,?,?,?,?)`,
		p.ID, p.TenantID, p.Name, p.Code, nullableStringPtr(p.PMUserID))
	return err
}

func (r Repo) GetProject(ctx context.Context, tenantID, id string) (domain.Project, error) {
	var p domain.Project
	var pmUserID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,name,code,pm_user_id FROM projects WHERE id=? AND tenant_id=?`, id, tenantID).
		Scan(&p.ID, &p.TenantID, &p.Name, &p.Code, &pmUserID)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if pmUserID.Valid {
		p.PMUserID = &pmUserID.String
	}
	return p, nil
}

func (r Repo) InsertPeriod(ctx context.Context, p domain.Period) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO periods(id,tenant_id,year,month,status) VALUES (?,?,?,?,?)`,
		p.ID, p.TenantID, p.Year, p.Month, p.Status)
	return err
}

func (r Repo) GetPeriod(ctx context.Context, tenantID, id string) (domain.Period, error) {
	var p domain.Period
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,year,month,status FROM periods WHERE id=? AND tenant_id=?`, id, tenantID).
		Scan(&p.ID, &p.TenantID, &p.Year, &p.Month, &p.Status)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertHoliday(ctx context.Context, h domain.Holiday) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO holidays(id,tenant_id,date,name) VALUES (?,?,?,?)`,
		h.ID, h.TenantID, h.Date, nullable(h.Name))
	return err
}

// ListHolidayDatesInRange returns holiday dates (YYYY-MM-DD) for the tenant
// within [from, to] inclusive.
func (r Repo) ListHolidayDatesInRange(ctx context.Context, tenantID, from, to string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT date FROM holidays WHERE tenant_id=? AND date>=? AND date<=? ORDER BY date ASC`,
		tenantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, d)
	}
	return dates, rows.Err()
}

func (r Repo) InsertActualLine(ctx context.Context, a domain.ActualLine) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actual_lines(id,tenant_id,period_id,resource_id,project_id,hours,signed,signed_at,signed_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.TenantID, a.PeriodID, a.ResourceID, a.ProjectID, a.Hours, boolToInt(a.Signed), nullableStringPtr(a.SignedAt), nullableStringPtr(a.SignedBy), a.CreatedAt)
	return err
}

func (r Repo) GetActualLine(ctx context.Context, tenantID, id string) (domain.ActualLine, error) {
	var a domain.ActualLine
	var signed int
	var signedAt, signedBy sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,period_id,resource_id,project_id,hours,signed,signed_at,signed_by,created_at
FROM actual_lines WHERE id=? AND tenant_id=?`, id, tenantID).
		Scan(&a.ID, &a.TenantID, &a.PeriodID, &a.ResourceID, &a.ProjectID, &a.Hours, &signed, &signedAt, &signedBy, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Signed = signed != 0
	if signedAt.Valid {
		a.SignedAt = &signedAt.String
	}
	if signedBy.Valid {
		a.SignedBy = &signedBy.String
	}
	return a, nil
}

func (r Repo) MarkActualLineSignedTx(ctx context.Context, tx *sql.Tx, tenantID, id, signedBy, signedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE actual_lines SET signed=1, signed_at=?, signed_by=? WHERE id=? AND tenant_id=? AND signed=0`,
		signedAt, signedBy, id, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
