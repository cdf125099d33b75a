package events

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/labor-events/catalog"
	"github.com/warp/labor-events/document"
	"github.com/warp/labor-events/hr"
	"github.com/warp/labor-events/pipeline"
	"github.com/warp/labor-events/rubric"
)

func init() { pipeline.Register(remunerationKind{}) }

var errNoRubrics = errors.New("rubric registry is not configured")

// RemunerationItem is one payslip amount with the rubric it resolved to.
// Resolved is false when no active rubric covered the period.
type RemunerationItem struct {
	RubricCode string            `json:"rubric_code"`
	Amount     decimal.Decimal   `json:"amount"`
	Resolved   bool              `json:"resolved"`
	RubricID   string            `json:"rubric_id,omitempty"`
	Type       rubric.Type       `json:"type,omitempty"`
	NatureCode string            `json:"nature_code,omitempty"`
	Incidences rubric.Incidences `json:"incidences"`
}

// RemunerationPayload is one worker's remuneration for a payroll period.
type RemunerationPayload struct {
	Worker        worker             `json:"worker"`
	PayrollID     string             `json:"payroll_id"`
	PayrollStatus hr.PayrollStatus   `json:"payroll_status"`
	Period        pipeline.Period    `json:"period"`
	Items         []RemunerationItem `json:"items"`
}

// Totals returns the sum of earnings and of deductions.
func (p RemunerationPayload) Totals() (earnings, deductions decimal.Decimal) {
	for _, it := range p.Items {
		switch it.Type {
		case rubric.TypeEarning:
			earnings = earnings.Add(it.Amount)
		case rubric.TypeDeduction:
			deductions = deductions.Add(it.Amount)
		}
	}
	return earnings, deductions
}

type remunerationKind struct{}

func (remunerationKind) Type() catalog.EventType { return catalog.TypeRemuneration }

// Collect returns one draft per payslip of the period's payroll. Nothing
// is collected while the payroll does not exist. The reference date of the
// deadline is the first day of the following month.
func (remunerationKind) Collect(ctx context.Context, src pipeline.Sources, scope pipeline.Scope) ([]pipeline.Draft, error) {
	if src.Rubrics == nil {
		return nil, errNoRubrics
	}
	payroll, err := src.HR.GetPayroll(ctx, scope.CompanyID, scope.Period.Year, scope.Period.Month)
	if err != nil {
		return nil, fmt.Errorf("get payroll: %w", err)
	}
	if payroll == nil {
		return nil, nil
	}

	period := scope.Period
	var drafts []pipeline.Draft
	for _, slip := range payroll.Payslips {
		if !scope.IncludesEmployee(slip.EmployeeID) {
			continue
		}
		emp, err := src.HR.GetEmployee(ctx, slip.EmployeeID)
		if err != nil {
			return nil, fmt.Errorf("get employee %s: %w", slip.EmployeeID, err)
		}

		items := make([]RemunerationItem, 0, len(slip.Items))
		for _, it := range slip.Items {
			code := strings.TrimSpace(it.RubricCode)
			item := RemunerationItem{RubricCode: code, Amount: it.Amount}
			rb, err := src.Rubrics.ResolveForPeriod(ctx, scope.CompanyID, code, period.Start(), period.End())
			if err != nil {
				return nil, err
			}
			if rb != nil {
				item.Resolved = true
				item.RubricID = rb.ID
				item.Type = rb.Type
				item.NatureCode = rb.NatureCode
				item.Incidences = rb.Incidences
			}
			items = append(items, item)
		}

		p := period
		drafts = append(drafts, pipeline.Draft{
			Subject:     slip.EmployeeID,
			EmployeeID:  slip.EmployeeID,
			Period:      &p,
			TriggerDate: period.Next(),
			Payload: RemunerationPayload{
				Worker:        workerFrom(slip.EmployeeID, emp),
				PayrollID:     payroll.ID,
				PayrollStatus: payroll.Status,
				Period:        period,
				Items:         items,
			},
		})
	}
	return drafts, nil
}

func (remunerationKind) Validate(payload json.RawMessage, _ pipeline.ValidationContext) []pipeline.ValidationIssue {
	p, bad := decodeForValidation[RemunerationPayload](payload)
	if bad != nil {
		return bad
	}

	var is issues
	is.worker(p.Worker)
	if !p.PayrollStatus.IsClosed() {
		is.add("payroll_status", CodePayrollOpen, "payroll %s for %s is %s", p.PayrollID, p.Period, p.PayrollStatus)
	}
	if len(p.Items) == 0 {
		is.add("items", CodeRequired, "payslip has no items")
	}
	for i, it := range p.Items {
		field := fmt.Sprintf("items[%d].rubric_code", i)
		switch {
		case it.RubricCode == "":
			is.add(field, CodeRequired, "rubric code is required")
		case !it.Resolved:
			is.add(field, CodeUnresolved, "rubric %s has no active definition for %s", it.RubricCode, p.Period)
		}
		if it.Amount.IsNegative() {
			is.add(fmt.Sprintf("items[%d].amount", i), CodeInvalid, "amount must not be negative")
		}
	}
	return is.list()
}

type xmlRemuneration struct {
	XMLName  xml.Name       `xml:"ideTrabalhador"`
	TaxID    string         `xml:"cpfTrab"`
	DemoID   string         `xml:"dmDev>ideDmDev"`
	Category string         `xml:"dmDev>codCateg"`
	Items    []xmlRemunItem `xml:"dmDev>infoPerApur>itensRemun"`
	Earnings string         `xml:"totais>vrTotVenc"`
	Deduct   string         `xml:"totais>vrTotDesc"`
}

type xmlRemunItem struct {
	Code   string `xml:"codRubr"`
	Nature string `xml:"natRubr"`
	Amount string `xml:"vrRubr"`
}

func (remunerationKind) Build(env document.Envelope, payload json.RawMessage) (*document.Document, error) {
	p, err := decode[RemunerationPayload](payload)
	if err != nil {
		return nil, err
	}
	earnings, deductions := p.Totals()
	body := xmlRemuneration{
		TaxID:    document.PadDigits(p.Worker.TaxID, 11),
		DemoID:   p.PayrollID,
		Category: p.Worker.Category,
		Items:    make([]xmlRemunItem, 0, len(p.Items)),
		Earnings: document.Amount(earnings),
		Deduct:   document.Amount(deductions),
	}
	for _, it := range p.Items {
		body.Items = append(body.Items, xmlRemunItem{
			Code:   it.RubricCode,
			Nature: it.NatureCode,
			Amount: document.Amount(it.Amount),
		})
	}
	return document.Encode(env, "evtRemun", body)
}
