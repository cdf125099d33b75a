package events

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/labor-events/catalog"
	"github.com/warp/labor-events/document"
	"github.com/warp/labor-events/pipeline"
)

func init() { pipeline.Register(admissionKind{}) }

// AdmissionPayload is the snapshot reported when an employee is hired.
type AdmissionPayload struct {
	Worker    worker          `json:"worker"`
	BirthDate time.Time       `json:"birth_date"`
	HireDate  time.Time       `json:"hire_date"`
	JobTitle  string          `json:"job_title"`
	Salary    decimal.Decimal `json:"salary"`
}

type admissionKind struct{}

func (admissionKind) Type() catalog.EventType { return catalog.TypeAdmission }

// Collect returns one draft per employee hired within the period.
func (admissionKind) Collect(ctx context.Context, src pipeline.Sources, scope pipeline.Scope) ([]pipeline.Draft, error) {
	employees, err := src.HR.ListEmployees(ctx, scope.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("list employees: %w", err)
	}

	var drafts []pipeline.Draft
	for i := range employees {
		e := &employees[i]
		if !scope.IncludesEmployee(e.ID) || !inPeriod(e.HireDate, scope.Period) {
			continue
		}
		drafts = append(drafts, pipeline.Draft{
			Subject:     e.ID,
			EmployeeID:  e.ID,
			TriggerDate: startOfDay(e.HireDate),
			Payload: AdmissionPayload{
				Worker:    workerFrom(e.ID, e),
				BirthDate: startOfDay(e.BirthDate),
				HireDate:  startOfDay(e.HireDate),
				JobTitle:  strings.TrimSpace(e.JobTitle),
				Salary:    e.Salary,
			},
		})
	}
	return drafts, nil
}

func (admissionKind) Validate(payload json.RawMessage, vc pipeline.ValidationContext) []pipeline.ValidationIssue {
	p, bad := decodeForValidation[AdmissionPayload](payload)
	if bad != nil {
		return bad
	}

	var is issues
	if is.worker(p.Worker) {
		is.socialID("employee.social_id", p.Worker.SocialID)
		if strings.TrimSpace(p.Worker.Category) == "" {
			is.add("employee.category", CodeRequired, "worker category is required")
		}
	}
	switch {
	case p.HireDate.IsZero():
		is.add("hire_date", CodeRequired, "hire date is required")
	case p.HireDate.After(startOfDay(vc.Now)):
		is.add("hire_date", CodeFutureDate, "hire date %s is in the future", document.Date(p.HireDate))
	}
	if !p.BirthDate.IsZero() && !p.HireDate.IsZero() && !p.BirthDate.Before(p.HireDate) {
		is.add("birth_date", CodeDateOrder, "birth date must be before hire date")
	}
	if p.JobTitle == "" {
		is.add("job_title", CodeRequired, "job title is required")
	}
	if !p.Salary.IsPositive() {
		is.add("salary", CodeNotPositive, "salary must be greater than zero")
	}
	return is.list()
}

type xmlAdmission struct {
	XMLName xml.Name       `xml:"trabalhador"`
	TaxID   string         `xml:"cpfTrab"`
	Name    string         `xml:"nmTrab"`
	Birth   string         `xml:"nascimento>dtNascto,omitempty"`
	Bond    xmlAdmissionVn `xml:"vinculo"`
}

type xmlAdmissionVn struct {
	SocialID string `xml:"nisTrab"`
	Category string `xml:"codCateg"`
	HireDate string `xml:"infoCeletista>dtAdm"`
	JobTitle string `xml:"infoContrato>nmCargo"`
	Salary   string `xml:"infoContrato>remuneracao>vrSalFx"`
}

func (admissionKind) Build(env document.Envelope, payload json.RawMessage) (*document.Document, error) {
	p, err := decode[AdmissionPayload](payload)
	if err != nil {
		return nil, err
	}
	body := xmlAdmission{
		TaxID: document.PadDigits(p.Worker.TaxID, 11),
		Name:  p.Worker.Name,
		Bond: xmlAdmissionVn{
			SocialID: document.PadDigits(p.Worker.SocialID, 11),
			Category: p.Worker.Category,
			HireDate: document.Date(p.HireDate),
			JobTitle: p.JobTitle,
			Salary:   document.Amount(p.Salary),
		},
	}
	if !p.BirthDate.IsZero() {
		body.Birth = document.Date(p.BirthDate)
	}
	return document.Encode(env, "evtAdmissao", body)
}
