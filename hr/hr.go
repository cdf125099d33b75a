/*
Package hr defines the read-only view of HR and payroll records that the
reporting pipeline consumes.

PURPOSE:
  The pipeline never owns HR data. It reads employees, terminations,
  leaves, payrolls and company records through Source and derives events
  from them. Any store able to answer these queries can feed it.

KEY CONCEPTS:
  - Employee:    Registration and contract data (tax id, social id, hire date)
  - Termination: End of an employment relationship
  - Leave:       Temporary absence with optional end date
  - Payroll:     Monthly payroll with one payslip per employee
  - Company:     Employer record (name and 14-digit tax id)

SEE ALSO:
  - store/sqlite/hr.go: Development implementation backed by SQLite
  - events/: Kinds that collect drafts from these records
*/
package hr

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECORDS
// =============================================================================

// Company is the employer record.
type Company struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	TaxID string `json:"tax_id"`
}

// Employee is a worker registration.
type Employee struct {
	ID        string          `json:"id"`
	CompanyID string          `json:"company_id"`
	Name      string          `json:"name"`
	TaxID     string          `json:"tax_id"`
	SocialID  string          `json:"social_id"`
	BirthDate time.Time       `json:"birth_date"`
	HireDate  time.Time       `json:"hire_date"`
	JobTitle  string          `json:"job_title"`
	Category  string          `json:"category"`
	Salary    decimal.Decimal `json:"salary"`
	Active    bool            `json:"active"`
}

// Termination records the end of an employment relationship.
type Termination struct {
	ID         string    `json:"id"`
	EmployeeID string    `json:"employee_id"`
	Date       time.Time `json:"date"`
	ReasonCode string    `json:"reason_code"`
}

// Leave is a temporary absence. EndDate is nil while the leave is open.
type Leave struct {
	ID         string     `json:"id"`
	EmployeeID string     `json:"employee_id"`
	StartDate  time.Time  `json:"start_date"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	ReasonCode string     `json:"reason_code"`
}

// PayrollStatus is the processing state of a monthly payroll.
type PayrollStatus string

const (
	PayrollOpen      PayrollStatus = "OPEN"
	PayrollClosed    PayrollStatus = "CLOSED"
	PayrollFinalized PayrollStatus = "FINALIZED"
)

// IsClosed reports whether the payroll can no longer change.
func (s PayrollStatus) IsClosed() bool {
	return s == PayrollClosed || s == PayrollFinalized
}

// Payroll is one company's payroll for a calendar month.
type Payroll struct {
	ID        string        `json:"id"`
	CompanyID string        `json:"company_id"`
	Year      int           `json:"year"`
	Month     int           `json:"month"`
	Status    PayrollStatus `json:"status"`
	Payslips  []Payslip     `json:"payslips"`
}

// Payslip is one employee's result within a payroll.
type Payslip struct {
	EmployeeID string        `json:"employee_id"`
	Items      []PayslipItem `json:"items"`
}

// PayslipItem is an amount booked against a rubric code.
type PayslipItem struct {
	RubricCode string          `json:"rubric_code"`
	Amount     decimal.Decimal `json:"amount"`
}

// Payslip returns the payslip of employeeID, or nil.
func (p *Payroll) Payslip(employeeID string) *Payslip {
	for i := range p.Payslips {
		if p.Payslips[i].EmployeeID == employeeID {
			return &p.Payslips[i]
		}
	}
	return nil
}

// =============================================================================
// SOURCE
// =============================================================================

// Source is the read-only accessor the pipeline reads HR records through.
// Get methods return nil, nil when the record does not exist.
type Source interface {
	GetCompany(ctx context.Context, companyID string) (*Company, error)
	GetEmployee(ctx context.Context, employeeID string) (*Employee, error)
	ListEmployees(ctx context.Context, companyID string) ([]Employee, error)
	ListTerminations(ctx context.Context, companyID string, year, month int) ([]Termination, error)
	ListLeaves(ctx context.Context, companyID string, year, month int) ([]Leave, error)
	GetPayroll(ctx context.Context, companyID string, year, month int) (*Payroll, error)
}

// Writer imports HR records. Every save is an upsert keyed by id; a
// payroll replaces its payslips wholesale.
type Writer interface {
	SaveCompany(ctx context.Context, c Company) error
	SaveEmployee(ctx context.Context, e Employee) error
	SaveTermination(ctx context.Context, t Termination) error
	SaveLeave(ctx context.Context, l Leave) error
	SavePayroll(ctx context.Context, p Payroll) error
}

// =============================================================================
// IDENTIFIER CHECKS
// =============================================================================

// Digits strips every non-digit rune from s.
func Digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidPersonTaxID checks an 11-digit individual tax id and its two
// mod-11 check digits.
func ValidPersonTaxID(s string) bool {
	d := Digits(s)
	if len(d) != 11 || allSame(d) {
		return false
	}
	return checkDigit(d[:9], 10) == int(d[9]-'0') &&
		checkDigit(d[:10], 11) == int(d[10]-'0')
}

// ValidEmployerTaxID checks a 14-digit employer tax id and its two check digits.
func ValidEmployerTaxID(s string) bool {
	d := Digits(s)
	if len(d) != 14 || allSame(d) {
		return false
	}
	w1 := []int{5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	w2 := []int{6, 5, 4, 3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	return weighted(d[:12], w1) == int(d[12]-'0') &&
		weighted(d[:13], w2) == int(d[13]-'0')
}

// ValidSocialID checks an 11-digit social registration number.
func ValidSocialID(s string) bool {
	d := Digits(s)
	if len(d) != 11 || allSame(d) {
		return false
	}
	w := []int{3, 2, 9, 8, 7, 6, 5, 4, 3, 2}
	return weighted(d[:10], w) == int(d[10]-'0')
}

func checkDigit(d string, start int) int {
	sum := 0
	for i, r := range d {
		sum += int(r-'0') * (start - i)
	}
	rem := (sum * 10) % 11
	if rem == 10 {
		return 0
	}
	return rem
}

func weighted(d string, w []int) int {
	sum := 0
	for i, r := range d {
		sum += int(r-'0') * w[i]
	}
	rem := sum % 11
	if rem < 2 {
		return 0
	}
	return 11 - rem
}

func allSame(d string) bool {
	for i := 1; i < len(d); i++ {
		if d[i] != d[0] {
			return false
		}
	}
	return true
}
