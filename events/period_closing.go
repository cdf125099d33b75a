package events

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"

	"github.com/warp/labor-events/catalog"
	"github.com/warp/labor-events/document"
	"github.com/warp/labor-events/hr"
	"github.com/warp/labor-events/pipeline"
)

func init() { pipeline.Register(periodClosingKind{}) }

// periodSubject is the subject of the single closing event of a period.
const periodSubject = "period"

// PeriodClosingPayload closes the periodic reporting of one month.
type PeriodClosingPayload struct {
	Period        pipeline.Period  `json:"period"`
	HasPayroll    bool             `json:"has_payroll"`
	PayrollID     string           `json:"payroll_id,omitempty"`
	PayrollStatus hr.PayrollStatus `json:"payroll_status,omitempty"`
	Payslips      int              `json:"payslips"`
}

type periodClosingKind struct{}

func (periodClosingKind) Type() catalog.EventType { return catalog.TypePeriodClosing }

// Collect returns the closing draft of the period. It is employer wide, so
// requests narrowed to specific employees collect nothing.
func (periodClosingKind) Collect(ctx context.Context, src pipeline.Sources, scope pipeline.Scope) ([]pipeline.Draft, error) {
	if len(scope.EmployeeIDs) > 0 {
		return nil, nil
	}
	payroll, err := src.HR.GetPayroll(ctx, scope.CompanyID, scope.Period.Year, scope.Period.Month)
	if err != nil {
		return nil, fmt.Errorf("get payroll: %w", err)
	}

	period := scope.Period
	p := PeriodClosingPayload{Period: period}
	if payroll != nil {
		p.HasPayroll = true
		p.PayrollID = payroll.ID
		p.PayrollStatus = payroll.Status
		p.Payslips = len(payroll.Payslips)
	}
	return []pipeline.Draft{{
		Subject:     periodSubject,
		Period:      &period,
		TriggerDate: period.Next(),
		Payload:     p,
	}}, nil
}

func (periodClosingKind) Validate(payload json.RawMessage, _ pipeline.ValidationContext) []pipeline.ValidationIssue {
	p, bad := decodeForValidation[PeriodClosingPayload](payload)
	if bad != nil {
		return bad
	}

	var is issues
	if !p.Period.Valid() {
		is.add("period", CodeInvalid, "period %s is not valid", p.Period)
	}
	if p.HasPayroll && !p.PayrollStatus.IsClosed() {
		is.add("payroll_status", CodePayrollOpen, "payroll %s for %s is %s", p.PayrollID, p.Period, p.PayrollStatus)
	}
	return is.list()
}

type xmlPeriodClosing struct {
	XMLName      xml.Name `xml:"infoFech"`
	Remuneration string   `xml:"evtRemun"`
	NoMovement   string   `xml:"compSemMovto,omitempty"`
}

func (periodClosingKind) Build(env document.Envelope, payload json.RawMessage) (*document.Document, error) {
	p, err := decode[PeriodClosingPayload](payload)
	if err != nil {
		return nil, err
	}
	body := xmlPeriodClosing{Remuneration: "N"}
	if p.Payslips > 0 {
		body.Remuneration = "S"
	} else {
		body.NoMovement = document.Period(p.Period.Year, p.Period.Month)
	}
	return document.Encode(env, "evtFechaEvPer", body)
}
