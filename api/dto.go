/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures the API accepts. Pipeline records (events,
  batches, configs, reports) already carry JSON tags and are returned as-is;
  the types here cover request bodies and the few responses whose domain
  type has no wire form.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

DATES:
  Calendar dates travel as "2006-01-02" strings and are parsed in the
  handlers, so a malformed date is a 400 rather than a decode failure.

VALIDATION:
  Validation is done in handlers and the domain packages, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/labor-events/catalog"
	"github.com/warp/labor-events/hr"
	"github.com/warp/labor-events/pipeline"
	"github.com/warp/labor-events/rubric"
)

const dateLayout = "2006-01-02"

// =============================================================================
// CATALOG
// =============================================================================

// DefinitionDTO describes one event type.
type DefinitionDTO struct {
	Type         catalog.EventType `json:"type"`
	Group        catalog.Group     `json:"group"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	DeadlineDays *int              `json:"deadline_days,omitempty"`
}

func toDefinitionDTO(d catalog.Definition) DefinitionDTO {
	return DefinitionDTO{
		Type:         d.Type,
		Group:        d.Group,
		Name:         d.Name,
		Description:  d.Description,
		DeadlineDays: d.DeadlineDays,
	}
}

// =============================================================================
// CONFIG
// =============================================================================

// CompanyConfigRequest is the body of PUT /companies/{companyID}/config.
// The company id always comes from the path.
type CompanyConfigRequest struct {
	Environment            pipeline.Environment `json:"environment"`
	EmployerClassification string               `json:"employer_classification"`
	SoftwareID             string               `json:"software_id"`
	SoftwareVersion        string               `json:"software_version"`
	CertificateRef         string               `json:"certificate_ref"`
	AutoGenerate           bool                 `json:"auto_generate"`
	AutoSend               bool                 `json:"auto_send"`
}

func (r CompanyConfigRequest) toConfig(companyID string) pipeline.CompanyConfig {
	return pipeline.CompanyConfig{
		CompanyID:              companyID,
		Environment:            r.Environment,
		EmployerClassification: r.EmployerClassification,
		SoftwareID:             r.SoftwareID,
		SoftwareVersion:        r.SoftwareVersion,
		CertificateRef:         r.CertificateRef,
		AutoGenerate:           r.AutoGenerate,
		AutoSend:               r.AutoSend,
	}
}

// =============================================================================
// EVENTS
// =============================================================================

// GenerateRequest is the body of POST /companies/{companyID}/events/generate.
type GenerateRequest struct {
	Year        int                 `json:"year"`
	Month       int                 `json:"month"`
	Types       []catalog.EventType `json:"types,omitempty"`
	EmployeeIDs []string            `json:"employee_ids,omitempty"`
}

// =============================================================================
// BATCHES
// =============================================================================

// CreateBatchRequest is the body of POST /companies/{companyID}/batches.
type CreateBatchRequest struct {
	GroupType catalog.Group `json:"group_type"`
}

// AddEventsRequest is the body of POST /batches/{id}/events.
type AddEventsRequest struct {
	EventIDs []string `json:"event_ids"`
}

// BatchDTO is a batch with its member events.
type BatchDTO struct {
	pipeline.Batch
	Events []pipeline.Event `json:"events"`
}

// =============================================================================
// RUBRICS
// =============================================================================

// CreateRubricRequest is the body of POST /companies/{companyID}/rubrics.
type CreateRubricRequest struct {
	Code       string            `json:"code"`
	Name       string            `json:"name"`
	Type       rubric.Type       `json:"type"`
	Incidences rubric.Incidences `json:"incidences"`
	NatureCode string            `json:"nature_code"`
	StartDate  string            `json:"start_date"`
	EndDate    string            `json:"end_date,omitempty"`
}

func (r CreateRubricRequest) toInput(companyID string) (rubric.CreateInput, error) {
	start, err := parseDate("start_date", r.StartDate)
	if err != nil {
		return rubric.CreateInput{}, err
	}
	end, err := parseOptionalDate("end_date", r.EndDate)
	if err != nil {
		return rubric.CreateInput{}, err
	}
	return rubric.CreateInput{
		CompanyID:  companyID,
		Code:       r.Code,
		Name:       r.Name,
		Type:       r.Type,
		Incidences: r.Incidences,
		NatureCode: r.NatureCode,
		StartDate:  start,
		EndDate:    end,
	}, nil
}

// UpdateRubricRequest is the body of PATCH /rubrics/{id}. Omitted fields
// are left untouched.
type UpdateRubricRequest struct {
	Name       *string            `json:"name,omitempty"`
	EndDate    *string            `json:"end_date,omitempty"`
	IsActive   *bool              `json:"is_active,omitempty"`
	Type       *rubric.Type       `json:"type,omitempty"`
	NatureCode *string            `json:"nature_code,omitempty"`
	Incidences *rubric.Incidences `json:"incidences,omitempty"`
}

func (r UpdateRubricRequest) toPatch() (rubric.Patch, error) {
	p := rubric.Patch{
		Name:       r.Name,
		IsActive:   r.IsActive,
		Type:       r.Type,
		NatureCode: r.NatureCode,
		Incidences: r.Incidences,
	}
	if r.EndDate != nil {
		end, err := parseDate("end_date", *r.EndDate)
		if err != nil {
			return rubric.Patch{}, err
		}
		p.EndDate = &end
	}
	return p, nil
}

// =============================================================================
// HR IMPORT
// =============================================================================

// CompanyRequest is the body of PUT /companies/{companyID}.
type CompanyRequest struct {
	Name  string `json:"name"`
	TaxID string `json:"tax_id"`
}

// EmployeeRequest is one employee of POST /companies/{companyID}/hr/employees.
type EmployeeRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	TaxID     string          `json:"tax_id"`
	SocialID  string          `json:"social_id"`
	BirthDate string          `json:"birth_date,omitempty"`
	HireDate  string          `json:"hire_date"`
	JobTitle  string          `json:"job_title"`
	Category  string          `json:"category"`
	Salary    decimal.Decimal `json:"salary"`
	Active    *bool           `json:"active,omitempty"`
}

func (r EmployeeRequest) toEmployee(companyID string) (hr.Employee, error) {
	if r.ID == "" {
		return hr.Employee{}, fmt.Errorf("id is required")
	}
	hire, err := parseDate("hire_date", r.HireDate)
	if err != nil {
		return hr.Employee{}, err
	}
	var birth time.Time
	if r.BirthDate != "" {
		if birth, err = parseDate("birth_date", r.BirthDate); err != nil {
			return hr.Employee{}, err
		}
	}
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return hr.Employee{
		ID:        r.ID,
		CompanyID: companyID,
		Name:      r.Name,
		TaxID:     r.TaxID,
		SocialID:  r.SocialID,
		BirthDate: birth,
		HireDate:  hire,
		JobTitle:  r.JobTitle,
		Category:  r.Category,
		Salary:    r.Salary,
		Active:    active,
	}, nil
}

// TerminationRequest is one record of POST /companies/{companyID}/hr/terminations.
type TerminationRequest struct {
	ID         string `json:"id"`
	EmployeeID string `json:"employee_id"`
	Date       string `json:"date"`
	ReasonCode string `json:"reason_code"`
}

func (r TerminationRequest) toTermination() (hr.Termination, error) {
	if r.ID == "" || r.EmployeeID == "" {
		return hr.Termination{}, fmt.Errorf("id and employee_id are required")
	}
	date, err := parseDate("date", r.Date)
	if err != nil {
		return hr.Termination{}, err
	}
	return hr.Termination{ID: r.ID, EmployeeID: r.EmployeeID, Date: date, ReasonCode: r.ReasonCode}, nil
}

// LeaveRequest is one record of POST /companies/{companyID}/hr/leaves.
type LeaveRequest struct {
	ID         string `json:"id"`
	EmployeeID string `json:"employee_id"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date,omitempty"`
	ReasonCode string `json:"reason_code"`
}

func (r LeaveRequest) toLeave() (hr.Leave, error) {
	if r.ID == "" || r.EmployeeID == "" {
		return hr.Leave{}, fmt.Errorf("id and employee_id are required")
	}
	start, err := parseDate("start_date", r.StartDate)
	if err != nil {
		return hr.Leave{}, err
	}
	end, err := parseOptionalDate("end_date", r.EndDate)
	if err != nil {
		return hr.Leave{}, err
	}
	return hr.Leave{ID: r.ID, EmployeeID: r.EmployeeID, StartDate: start, EndDate: end, ReasonCode: r.ReasonCode}, nil
}

// PayrollRequest is the body of POST /companies/{companyID}/hr/payrolls.
type PayrollRequest struct {
	ID       string           `json:"id"`
	Year     int              `json:"year"`
	Month    int              `json:"month"`
	Status   hr.PayrollStatus `json:"status"`
	Payslips []hr.Payslip     `json:"payslips"`
}

func (r PayrollRequest) toPayroll(companyID string) (hr.Payroll, error) {
	if r.ID == "" {
		return hr.Payroll{}, fmt.Errorf("id is required")
	}
	if r.Year <= 0 || r.Month < 1 || r.Month > 12 {
		return hr.Payroll{}, fmt.Errorf("invalid period %d-%d", r.Year, r.Month)
	}
	return hr.Payroll{
		ID:        r.ID,
		CompanyID: companyID,
		Year:      r.Year,
		Month:     r.Month,
		Status:    r.Status,
		Payslips:  r.Payslips,
	}, nil
}

// ImportResult counts the records written by an HR import call.
type ImportResult struct {
	Imported int `json:"imported"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func parseDate(field, s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: expected YYYY-MM-DD, got %q", field, s)
	}
	return t, nil
}

func parseOptionalDate(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseDate(field, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
