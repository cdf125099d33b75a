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

func init() { pipeline.Register(terminationKind{}) }

// TerminationReasons maps the recognized termination reason codes to
// their descriptions.
var TerminationReasons = map[string]string{
	"01": "Dismissal for cause by the employer",
	"02": "Dismissal without cause by the employer",
	"03": "Early termination of a fixed-term contract by the employer",
	"04": "Early termination of a fixed-term contract by the employee",
	"05": "End of a fixed-term contract",
	"06": "Indirect termination",
	"07": "Resignation",
	"10": "Termination by death of the employee",
	"11": "Termination by mutual agreement",
	"33": "Retirement",
}

// TerminationPayload is the snapshot reported when an employment ends.
type TerminationPayload struct {
	Worker        worker    `json:"worker"`
	TerminationID string    `json:"termination_id"`
	Date          time.Time `json:"date"`
	ReasonCode    string    `json:"reason_code"`
}

type terminationKind struct{}

func (terminationKind) Type() catalog.EventType { return catalog.TypeTermination }

// Collect returns one draft per termination dated within the period.
func (terminationKind) Collect(ctx context.Context, src pipeline.Sources, scope pipeline.Scope) ([]pipeline.Draft, error) {
	terms, err := src.HR.ListTerminations(ctx, scope.CompanyID, scope.Period.Year, scope.Period.Month)
	if err != nil {
		return nil, fmt.Errorf("list terminations: %w", err)
	}

	var drafts []pipeline.Draft
	for _, t := range terms {
		if !scope.IncludesEmployee(t.EmployeeID) {
			continue
		}
		emp, err := src.HR.GetEmployee(ctx, t.EmployeeID)
		if err != nil {
			return nil, fmt.Errorf("get employee %s: %w", t.EmployeeID, err)
		}
		drafts = append(drafts, pipeline.Draft{
			Subject:     t.ID,
			EmployeeID:  t.EmployeeID,
			TriggerDate: startOfDay(t.Date),
			Payload: TerminationPayload{
				Worker:        workerFrom(t.EmployeeID, emp),
				TerminationID: t.ID,
				Date:          startOfDay(t.Date),
				ReasonCode:    strings.TrimSpace(t.ReasonCode),
			},
		})
	}
	return drafts, nil
}

func (terminationKind) Validate(payload json.RawMessage, _ pipeline.ValidationContext) []pipeline.ValidationIssue {
	p, bad := decodeForValidation[TerminationPayload](payload)
	if bad != nil {
		return bad
	}

	var is issues
	found := is.worker(p.Worker)
	switch {
	case p.Date.IsZero():
		is.add("date", CodeRequired, "termination date is required")
	case found && !p.Date.After(p.Worker.HireDate):
		is.add("date", CodeDateOrder, "termination date %s must be after hire date %s",
			document.Date(p.Date), document.Date(p.Worker.HireDate))
	}
	switch _, ok := TerminationReasons[p.ReasonCode]; {
	case p.ReasonCode == "":
		is.add("reason_code", CodeRequired, "termination reason is required")
	case !ok:
		is.add("reason_code", CodeUnknownReason, "termination reason %q is not recognized", p.ReasonCode)
	}
	return is.list()
}

type xmlTermination struct {
	XMLName  xml.Name `xml:"infoDeslig"`
	TaxID    string   `xml:"ideVinculo>cpfTrab"`
	SocialID string   `xml:"ideVinculo>nisTrab,omitempty"`
	Reason   string   `xml:"mtvDeslig"`
	Date     string   `xml:"dtDeslig"`
}

func (terminationKind) Build(env document.Envelope, payload json.RawMessage) (*document.Document, error) {
	p, err := decode[TerminationPayload](payload)
	if err != nil {
		return nil, err
	}
	body := xmlTermination{
		TaxID:  document.PadDigits(p.Worker.TaxID, 11),
		Reason: p.ReasonCode,
		Date:   document.Date(p.Date),
	}
	if p.Worker.SocialID != "" {
		body.SocialID = document.PadDigits(p.Worker.SocialID, 11)
	}
	return document.Encode(env, "evtDeslig", body)
}
