package memory

import (
	"context"
	"sort"
	"time"

	"github.com/warp/labor-events/hr"
	"github.com/warp/labor-events/rubric"
)

// =============================================================================
// RUBRIC STORE
// =============================================================================

func (s *Store) ListRubrics(_ context.Context, companyID string, f rubric.Filter) ([]rubric.Rubric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []rubric.Rubric{}
	for _, r := range s.data.rubrics {
		if r.CompanyID == companyID && f.Matches(r) {
			out = append(out, cloneRubric(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetRubric(_ context.Context, id string) (*rubric.Rubric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.data.rubrics[id]
	if !ok {
		return nil, nil
	}
	c := cloneRubric(r)
	return &c, nil
}

func (s *Store) SaveRubric(_ context.Context, r rubric.Rubric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.rubrics[r.ID] = cloneRubric(r)
	return nil
}

func cloneRubric(r rubric.Rubric) rubric.Rubric {
	r.EndDate = cloneTime(r.EndDate)
	return r
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// =============================================================================
// HR SOURCE
// =============================================================================

func (s *Store) GetCompany(_ context.Context, companyID string) (*hr.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.data.companies[companyID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *Store) GetEmployee(_ context.Context, employeeID string) (*hr.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data.employees[employeeID]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *Store) ListEmployees(_ context.Context, companyID string) ([]hr.Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []hr.Employee{}
	for _, e := range s.data.employees {
		if e.CompanyID == companyID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListTerminations returns terminations of the company's employees dated
// within the month.
func (s *Store) ListTerminations(_ context.Context, companyID string, year, month int) ([]hr.Termination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []hr.Termination{}
	for _, t := range s.data.terminations {
		if s.data.employees[t.EmployeeID].CompanyID == companyID && sameMonth(t.Date, year, month) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListLeaves returns leaves of the company's employees starting within the
// month.
func (s *Store) ListLeaves(_ context.Context, companyID string, year, month int) ([]hr.Leave, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []hr.Leave{}
	for _, l := range s.data.leaves {
		if s.data.employees[l.EmployeeID].CompanyID == companyID && sameMonth(l.StartDate, year, month) {
			l.EndDate = cloneTime(l.EndDate)
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetPayroll(_ context.Context, companyID string, year, month int) (*hr.Payroll, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data.payrolls[payrollKey{companyID, year, month}]
	if !ok {
		return nil, nil
	}
	p.Payslips = append([]hr.Payslip(nil), p.Payslips...)
	return &p, nil
}

// =============================================================================
// HR WRITES (fixtures)
// =============================================================================

func (s *Store) SaveCompany(_ context.Context, c hr.Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.companies[c.ID] = c
	return nil
}

func (s *Store) SaveEmployee(_ context.Context, e hr.Employee) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.employees[e.ID] = e
	return nil
}

func (s *Store) SaveTermination(_ context.Context, t hr.Termination) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.terminations[t.ID] = t
	return nil
}

func (s *Store) SaveLeave(_ context.Context, l hr.Leave) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.EndDate = cloneTime(l.EndDate)
	s.data.leaves[l.ID] = l
	return nil
}

func (s *Store) SavePayroll(_ context.Context, p hr.Payroll) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Payslips = append([]hr.Payslip(nil), p.Payslips...)
	s.data.payrolls[payrollKey{p.CompanyID, p.Year, p.Month}] = p
	return nil
}

func sameMonth(t time.Time, year, month int) bool {
	return t.Year() == year && int(t.Month()) == month
}
