package events

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/warp/labor-events/catalog"
	"github.com/warp/labor-events/document"
	"github.com/warp/labor-events/pipeline"
)

func init() { pipeline.Register(leaveKind{}) }

// LeaveReasons maps the recognized leave reason codes to their descriptions.
var LeaveReasons = map[string]string{
	"01": "Work accident or occupational disease",
	"03": "Illness",
	"06": "Retirement for disability",
	"17": "Maternity leave",
	"19": "Paternity leave",
	"21": "Unpaid leave",
	"24": "Elected union office",
}

// LeavePayload is the snapshot of a temporary leave.
type LeavePayload struct {
	Worker     worker     `json:"worker"`
	LeaveID    string     `json:"leave_id"`
	StartDate  time.Time  `json:"start_date"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	ReasonCode string     `json:"reason_code"`
}

type leaveKind struct{}

func (leaveKind) Type() catalog.EventType { return catalog.TypeLeave }

// Collect returns one draft per leave the source reports for the period.
// A leave whose end date is recorded later refreshes the same event while
// it has not been queued.
func (leaveKind) Collect(ctx context.Context, src pipeline.Sources, scope pipeline.Scope) ([]pipeline.Draft, error) {
	leaves, err := src.HR.ListLeaves(ctx, scope.CompanyID, scope.Period.Year, scope.Period.Month)
	if err != nil {
		return nil, fmt.Errorf("list leaves: %w", err)
	}

	var drafts []pipeline.Draft
	for _, l := range leaves {
		if !scope.IncludesEmployee(l.EmployeeID) {
			continue
		}
		emp, err := src.HR.GetEmployee(ctx, l.EmployeeID)
		if err != nil {
			return nil, fmt.Errorf("get employee %s: %w", l.EmployeeID, err)
		}
		p := LeavePayload{
			Worker:     workerFrom(l.EmployeeID, emp),
			LeaveID:    l.ID,
			StartDate:  startOfDay(l.StartDate),
			ReasonCode: strings.TrimSpace(l.ReasonCode),
		}
		if l.EndDate != nil {
			end := startOfDay(*l.EndDate)
			p.EndDate = &end
		}
		drafts = append(drafts, pipeline.Draft{
			Subject:     l.ID,
			EmployeeID:  l.EmployeeID,
			TriggerDate: p.StartDate,
			Payload:     p,
		})
	}
	return drafts, nil
}

func (leaveKind) Validate(payload json.RawMessage, _ pipeline.ValidationContext) []pipeline.ValidationIssue {
	p, bad := decodeForValidation[LeavePayload](payload)
	if bad != nil {
		return bad
	}

	var is issues
	found := is.worker(p.Worker)
	switch {
	case p.StartDate.IsZero():
		is.add("start_date", CodeRequired, "leave start date is required")
	case found && p.StartDate.Before(p.Worker.HireDate):
		is.add("start_date", CodeDateOrder, "leave start %s is before hire date %s",
			document.Date(p.StartDate), document.Date(p.Worker.HireDate))
	}
	if p.EndDate != nil && !p.StartDate.IsZero() && p.EndDate.Before(p.StartDate) {
		is.add("end_date", CodeDateOrder, "leave end %s is before its start %s",
			document.Date(*p.EndDate), document.Date(p.StartDate))
	}
	switch _, ok := LeaveReasons[p.ReasonCode]; {
	case p.ReasonCode == "":
		is.add("reason_code", CodeRequired, "leave reason is required")
	case !ok:
		is.add("reason_code", CodeUnknownReason, "leave reason %q is not recognized", p.ReasonCode)
	}
	return is.list()
}

type xmlLeave struct {
	XMLName xml.Name `xml:"infoAfastamento"`
	TaxID   string   `xml:"ideVinculo>cpfTrab"`
	Start   string   `xml:"iniAfastamento>dtIniAfast"`
	Reason  string   `xml:"iniAfastamento>codMotAfast"`
	End     string   `xml:"fimAfastamento>dtTermAfast,omitempty"`
}

func (leaveKind) Build(env document.Envelope, payload json.RawMessage) (*document.Document, error) {
	p, err := decode[LeavePayload](payload)
	if err != nil {
		return nil, err
	}
	return document.Encode(env, "evtAfastTemp", xmlLeave{
		TaxID:  document.PadDigits(p.Worker.TaxID, 11),
		Start:  document.Date(p.StartDate),
		Reason: p.ReasonCode,
		End:    document.OptionalDate(p.EndDate),
	})
}
