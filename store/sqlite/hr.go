package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/labor-events/hr"
	"github.com/warp/labor-events/rubric"
)

// =============================================================================
// RUBRIC STORE (rubric.Store interface)
// =============================================================================

const rubricColumns = `id, company_id, code, name, type, inc_social_security, inc_income_tax,
	inc_severance, inc_union_dues, nature_code, start_date, end_date, is_active,
	created_at, updated_at`

func (s *Store) ListRubrics(ctx context.Context, companyID string, f rubric.Filter) ([]rubric.Rubric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where := []string{"company_id = ?"}
	args := []any{companyID}
	if f.Code != "" {
		where = append(where, "code = ?")
		args = append(args, f.Code)
	}
	if f.Type != nil {
		where = append(where, "type = ?")
		args = append(args, string(*f.Type))
	}
	if f.IsActive != nil {
		where = append(where, "is_active = ?")
		args = append(args, *f.IsActive)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+rubricColumns+` FROM rubrics WHERE `+strings.Join(where, " AND ")+` ORDER BY id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rubrics: %w", err)
	}
	defer rows.Close()

	rubrics := []rubric.Rubric{}
	for rows.Next() {
		r, err := scanRubric(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rubric: %w", err)
		}
		rubrics = append(rubrics, *r)
	}
	return rubrics, rows.Err()
}

func (s *Store) GetRubric(ctx context.Context, id string) (*rubric.Rubric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+rubricColumns+` FROM rubrics WHERE id = ?`, id)
	r, err := scanRubric(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rubric: %w", err)
	}
	return r, nil
}

func (s *Store) SaveRubric(ctx context.Context, r rubric.Rubric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rubrics (`+rubricColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			inc_social_security = excluded.inc_social_security,
			inc_income_tax = excluded.inc_income_tax,
			inc_severance = excluded.inc_severance,
			inc_union_dues = excluded.inc_union_dues,
			nature_code = excluded.nature_code,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`, r.ID, r.CompanyID, r.Code, r.Name, string(r.Type),
		string(r.Incidences.SocialSecurity), string(r.Incidences.IncomeTax),
		string(r.Incidences.Severance), string(r.Incidences.UnionDues),
		r.NatureCode, formatDate(r.StartDate), formatDatePtr(r.EndDate), r.IsActive,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save rubric: %w", err)
	}
	return nil
}

func scanRubric(s scanner) (*rubric.Rubric, error) {
	var (
		r                  rubric.Rubric
		typ                string
		ss, it, sev, union string
		start              string
		end                sql.NullString
		created, updated   string
	)
	err := s.Scan(&r.ID, &r.CompanyID, &r.Code, &r.Name, &typ, &ss, &it, &sev, &union,
		&r.NatureCode, &start, &end, &r.IsActive, &created, &updated)
	if err != nil {
		return nil, err
	}
	r.Type = rubric.Type(typ)
	r.Incidences = rubric.Incidences{
		SocialSecurity: rubric.Incidence(ss),
		IncomeTax:      rubric.Incidence(it),
		Severance:      rubric.Incidence(sev),
		UnionDues:      rubric.Incidence(union),
	}
	r.StartDate = parseDate(start)
	r.EndDate = parseDatePtr(end)
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

// =============================================================================
// HR SOURCE (hr.Source interface)
// =============================================================================

func (s *Store) GetCompany(ctx context.Context, companyID string) (*hr.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c hr.Company
	err := s.db.QueryRowContext(ctx, `SELECT id, name, tax_id FROM companies WHERE id = ?`, companyID).
		Scan(&c.ID, &c.Name, &c.TaxID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get company: %w", err)
	}
	return &c, nil
}

const employeeColumns = `id, company_id, name, tax_id, social_id, birth_date, hire_date,
	job_title, category, salary, active`

func (s *Store) GetEmployee(ctx context.Context, employeeID string) (*hr.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+employeeColumns+` FROM employees WHERE id = ?`, employeeID)
	e, err := scanEmployee(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get employee: %w", err)
	}
	return e, nil
}

func (s *Store) ListEmployees(ctx context.Context, companyID string) ([]hr.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+employeeColumns+` FROM employees WHERE company_id = ? ORDER BY id`, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list employees: %w", err)
	}
	defer rows.Close()

	employees := []hr.Employee{}
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan employee: %w", err)
		}
		employees = append(employees, *e)
	}
	return employees, rows.Err()
}

func scanEmployee(s scanner) (*hr.Employee, error) {
	var (
		e      hr.Employee
		birth  sql.NullString
		hire   string
		salary string
	)
	err := s.Scan(&e.ID, &e.CompanyID, &e.Name, &e.TaxID, &e.SocialID, &birth, &hire,
		&e.JobTitle, &e.Category, &salary, &e.Active)
	if err != nil {
		return nil, err
	}
	if birth.Valid {
		e.BirthDate = parseDate(birth.String)
	}
	e.HireDate = parseDate(hire)
	e.Salary, err = decimal.NewFromString(salary)
	if err != nil {
		return nil, fmt.Errorf("decode salary: %w", err)
	}
	return &e, nil
}

// ListTerminations returns terminations of the company's employees dated
// within the month.
func (s *Store) ListTerminations(ctx context.Context, companyID string, year, month int) ([]hr.Termination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.employee_id, t.date, t.reason_code
		FROM terminations t
		JOIN employees e ON e.id = t.employee_id
		WHERE e.company_id = ? AND substr(t.date, 1, 7) = ?
		ORDER BY t.id
	`, companyID, fmt.Sprintf("%04d-%02d", year, month))
	if err != nil {
		return nil, fmt.Errorf("failed to list terminations: %w", err)
	}
	defer rows.Close()

	terminations := []hr.Termination{}
	for rows.Next() {
		var (
			t    hr.Termination
			date string
		)
		if err := rows.Scan(&t.ID, &t.EmployeeID, &date, &t.ReasonCode); err != nil {
			return nil, fmt.Errorf("failed to scan termination: %w", err)
		}
		t.Date = parseDate(date)
		terminations = append(terminations, t)
	}
	return terminations, rows.Err()
}

// ListLeaves returns leaves of the company's employees starting within the
// month.
func (s *Store) ListLeaves(ctx context.Context, companyID string, year, month int) ([]hr.Leave, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.employee_id, l.start_date, l.end_date, l.reason_code
		FROM leaves l
		JOIN employees e ON e.id = l.employee_id
		WHERE e.company_id = ? AND substr(l.start_date, 1, 7) = ?
		ORDER BY l.id
	`, companyID, fmt.Sprintf("%04d-%02d", year, month))
	if err != nil {
		return nil, fmt.Errorf("failed to list leaves: %w", err)
	}
	defer rows.Close()

	leaves := []hr.Leave{}
	for rows.Next() {
		var (
			l     hr.Leave
			start string
			end   sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.EmployeeID, &start, &end, &l.ReasonCode); err != nil {
			return nil, fmt.Errorf("failed to scan leave: %w", err)
		}
		l.StartDate = parseDate(start)
		l.EndDate = parseDatePtr(end)
		leaves = append(leaves, l)
	}
	return leaves, rows.Err()
}

// GetPayroll returns the month's payroll with its payslips, items kept in
// insertion order.
func (s *Store) GetPayroll(ctx context.Context, companyID string, year, month int) (*hr.Payroll, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		p      hr.Payroll
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, company_id, year, month, status FROM payrolls
		WHERE company_id = ? AND year = ? AND month = ?
	`, companyID, year, month).Scan(&p.ID, &p.CompanyID, &p.Year, &p.Month, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payroll: %w", err)
	}
	p.Status = hr.PayrollStatus(status)

	rows, err := s.db.QueryContext(ctx, `
		SELECT employee_id, rubric_code, amount FROM payslip_items
		WHERE payroll_id = ?
		ORDER BY employee_id, position
	`, p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payslip items: %w", err)
	}
	defer rows.Close()

	p.Payslips = []hr.Payslip{}
	for rows.Next() {
		var employeeID, code, amount string
		if err := rows.Scan(&employeeID, &code, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan payslip item: %w", err)
		}
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("decode amount: %w", err)
		}
		if n := len(p.Payslips); n == 0 || p.Payslips[n-1].EmployeeID != employeeID {
			p.Payslips = append(p.Payslips, hr.Payslip{EmployeeID: employeeID})
		}
		last := &p.Payslips[len(p.Payslips)-1]
		last.Items = append(last.Items, hr.PayslipItem{RubricCode: code, Amount: value})
	}
	return &p, rows.Err()
}

// =============================================================================
// HR WRITES
// =============================================================================

func (s *Store) SaveCompany(ctx context.Context, c hr.Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO companies (id, name, tax_id) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, tax_id = excluded.tax_id
	`, c.ID, c.Name, c.TaxID)
	if err != nil {
		return fmt.Errorf("failed to save company: %w", err)
	}
	return nil
}

func (s *Store) SaveEmployee(ctx context.Context, e hr.Employee) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var birth sql.NullString
	if !e.BirthDate.IsZero() {
		birth = sql.NullString{String: formatDate(e.BirthDate), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO employees (`+employeeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			company_id = excluded.company_id,
			name = excluded.name,
			tax_id = excluded.tax_id,
			social_id = excluded.social_id,
			birth_date = excluded.birth_date,
			hire_date = excluded.hire_date,
			job_title = excluded.job_title,
			category = excluded.category,
			salary = excluded.salary,
			active = excluded.active
	`, e.ID, e.CompanyID, e.Name, e.TaxID, e.SocialID, birth, formatDate(e.HireDate),
		e.JobTitle, e.Category, e.Salary.String(), e.Active)
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	return nil
}

func (s *Store) SaveTermination(ctx context.Context, t hr.Termination) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO terminations (id, employee_id, date, reason_code) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			employee_id = excluded.employee_id,
			date = excluded.date,
			reason_code = excluded.reason_code
	`, t.ID, t.EmployeeID, formatDate(t.Date), t.ReasonCode)
	if err != nil {
		return fmt.Errorf("failed to save termination: %w", err)
	}
	return nil
}

func (s *Store) SaveLeave(ctx context.Context, l hr.Leave) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leaves (id, employee_id, start_date, end_date, reason_code) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			employee_id = excluded.employee_id,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			reason_code = excluded.reason_code
	`, l.ID, l.EmployeeID, formatDate(l.StartDate), formatDatePtr(l.EndDate), l.ReasonCode)
	if err != nil {
		return fmt.Errorf("failed to save leave: %w", err)
	}
	return nil
}

// SavePayroll replaces the payroll of (company, year, month) together with
// all of its payslip items.
func (s *Store) SavePayroll(ctx context.Context, p hr.Payroll) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM payslip_items WHERE payroll_id IN (
			SELECT id FROM payrolls WHERE company_id = ? AND year = ? AND month = ?
		)
	`, p.CompanyID, p.Year, p.Month)
	if err != nil {
		return fmt.Errorf("failed to clear payslip items: %w", err)
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM payrolls WHERE company_id = ? AND year = ? AND month = ?`,
		p.CompanyID, p.Year, p.Month)
	if err != nil {
		return fmt.Errorf("failed to clear payroll: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO payrolls (id, company_id, year, month, status) VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.CompanyID, p.Year, p.Month, string(p.Status))
	if err != nil {
		return fmt.Errorf("failed to insert payroll: %w", err)
	}

	for _, slip := range p.Payslips {
		for i, item := range slip.Items {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO payslip_items (payroll_id, employee_id, position, rubric_code, amount)
				VALUES (?, ?, ?, ?, ?)
			`, p.ID, slip.EmployeeID, i, item.RubricCode, item.Amount.String())
			if err != nil {
				return fmt.Errorf("failed to insert payslip item: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
