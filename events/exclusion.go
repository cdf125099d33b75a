package events

import (
	"context"
	"encoding/json"
	"encoding/xml"

	"github.com/warp/labor-events/catalog"
	"github.com/warp/labor-events/document"
	"github.com/warp/labor-events/hr"
	"github.com/warp/labor-events/pipeline"
)

func init() { pipeline.Register(exclusionKind{}) }

type exclusionKind struct{}

func (exclusionKind) Type() catalog.EventType { return catalog.TypeExclusion }

// Collect never finds obligations: exclusions are requested explicitly
// through Service.ExcludeEvent.
func (exclusionKind) Collect(context.Context, pipeline.Sources, pipeline.Scope) ([]pipeline.Draft, error) {
	return nil, nil
}

func (exclusionKind) Validate(payload json.RawMessage, _ pipeline.ValidationContext) []pipeline.ValidationIssue {
	p, bad := decodeForValidation[pipeline.ExclusionPayload](payload)
	if bad != nil {
		return bad
	}

	var is issues
	if p.TargetEventID == "" {
		is.add("target_event_id", CodeRequired, "event to exclude is required")
	}
	def, err := catalog.Lookup(p.TargetType)
	switch {
	case err != nil:
		is.add("target_type", CodeInvalid, "%v", err)
	case def.Group == catalog.GroupTables || def.Type == catalog.TypeExclusion:
		is.add("target_type", CodeInvalid, "events of type %s cannot be excluded", p.TargetType)
	}
	if p.TargetReceipt == "" {
		is.add("target_receipt", CodeRequired, "receipt of the excluded event is required")
	}
	if p.EmployeeTaxID != "" && !hr.ValidPersonTaxID(p.EmployeeTaxID) {
		is.add("employee_tax_id", CodeInvalid, "tax id %q is not valid", p.EmployeeTaxID)
	}
	return is.list()
}

type xmlExclusion struct {
	XMLName xml.Name `xml:"infoExclusao"`
	Type    string   `xml:"tpEvento"`
	Receipt string   `xml:"nrRecEvt"`
	TaxID   string   `xml:"ideTrabalhador>cpfTrab,omitempty"`
	Period  string   `xml:"ideFolhaPagto>perApur,omitempty"`
}

func (exclusionKind) Build(env document.Envelope, payload json.RawMessage) (*document.Document, error) {
	p, err := decode[pipeline.ExclusionPayload](payload)
	if err != nil {
		return nil, err
	}
	body := xmlExclusion{
		Type:    string(p.TargetType),
		Receipt: p.TargetReceipt,
	}
	if p.EmployeeTaxID != "" {
		body.TaxID = document.PadDigits(p.EmployeeTaxID, 11)
	}
	if p.TargetPeriod != nil {
		body.Period = document.Period(p.TargetPeriod.Year, p.TargetPeriod.Month)
	}
	return document.Encode(env, "evtExclusao", body)
}
