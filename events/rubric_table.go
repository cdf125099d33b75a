package events

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"time"

	"github.com/warp/labor-events/catalog"
	"github.com/warp/labor-events/document"
	"github.com/warp/labor-events/hr"
	"github.com/warp/labor-events/pipeline"
	"github.com/warp/labor-events/rubric"
)

func init() { pipeline.Register(rubricTableKind{}) }

// RubricTablePayload reports one validity window of an employer rubric.
type RubricTablePayload struct {
	RubricID   string            `json:"rubric_id"`
	Code       string            `json:"code"`
	Name       string            `json:"name"`
	Type       rubric.Type       `json:"type"`
	NatureCode string            `json:"nature_code"`
	Incidences rubric.Incidences `json:"incidences"`
	StartDate  time.Time         `json:"start_date"`
	EndDate    *time.Time        `json:"end_date,omitempty"`
}

type rubricTableKind struct{}

func (rubricTableKind) Type() catalog.EventType { return catalog.TypeRubricTable }

// Collect returns one draft per active rubric valid at the end of the
// period. The subject is code plus window start, so a new window of the
// same code is a new obligation.
func (rubricTableKind) Collect(ctx context.Context, src pipeline.Sources, scope pipeline.Scope) ([]pipeline.Draft, error) {
	if len(scope.EmployeeIDs) > 0 {
		return nil, nil
	}
	if src.Rubrics == nil {
		return nil, errNoRubrics
	}
	active, err := src.Rubrics.ActiveAt(ctx, scope.CompanyID, scope.Period.End())
	if err != nil {
		return nil, err
	}

	drafts := make([]pipeline.Draft, 0, len(active))
	for _, rb := range active {
		drafts = append(drafts, pipeline.Draft{
			Subject:     rb.Code + "@" + document.Date(rb.StartDate),
			TriggerDate: rb.StartDate,
			Payload: RubricTablePayload{
				RubricID:   rb.ID,
				Code:       rb.Code,
				Name:       rb.Name,
				Type:       rb.Type,
				NatureCode: rb.NatureCode,
				Incidences: rb.Incidences,
				StartDate:  rb.StartDate,
				EndDate:    rb.EndDate,
			},
		})
	}
	return drafts, nil
}

func (rubricTableKind) Validate(payload json.RawMessage, _ pipeline.ValidationContext) []pipeline.ValidationIssue {
	p, bad := decodeForValidation[RubricTablePayload](payload)
	if bad != nil {
		return bad
	}

	var is issues
	if p.Code == "" {
		is.add("code", CodeRequired, "rubric code is required")
	}
	if p.Name == "" {
		is.add("name", CodeRequired, "rubric name is required")
	}
	if !p.Type.Valid() {
		is.add("type", CodeInvalid, "rubric type %q is not valid", p.Type)
	}
	if len(p.NatureCode) != 4 || hr.Digits(p.NatureCode) != p.NatureCode {
		is.add("nature_code", CodeInvalid, "nature code %q must have 4 digits", p.NatureCode)
	}
	for _, f := range []struct {
		field string
		v     rubric.Incidence
	}{
		{"incidences.social_security", p.Incidences.SocialSecurity},
		{"incidences.income_tax", p.Incidences.IncomeTax},
		{"incidences.severance", p.Incidences.Severance},
		{"incidences.union_dues", p.Incidences.UnionDues},
	} {
		if !f.v.Valid() {
			is.add(f.field, CodeInvalid, "incidence %q is not valid", f.v)
		}
	}
	if p.EndDate != nil && p.EndDate.Before(p.StartDate) {
		is.add("end_date", CodeDateOrder, "end date is before start date")
	}
	return is.list()
}

// incidenceCodes maps incidence flags to the two-digit document codes.
var incidenceCodes = map[rubric.Incidence]string{
	rubric.IncidenceNotApplicable: "00",
	rubric.IncidenceNormal:        "11",
	rubric.IncidenceExempt:        "21",
	rubric.IncidenceSuspended:     "91",
}

// typeCodes maps rubric types to the document codes.
var typeCodes = map[rubric.Type]string{
	rubric.TypeEarning:     "1",
	rubric.TypeDeduction:   "2",
	rubric.TypeInformative: "3",
}

type xmlRubric struct {
	XMLName   xml.Name `xml:"infoRubrica"`
	Code      string   `xml:"inclusao>ideRubrica>codRubr"`
	ValidFrom string   `xml:"inclusao>ideRubrica>iniValid"`
	ValidTo   string   `xml:"inclusao>ideRubrica>fimValid,omitempty"`
	Name      string   `xml:"inclusao>dadosRubrica>dscRubr"`
	Nature    string   `xml:"inclusao>dadosRubrica>natRubr"`
	Type      string   `xml:"inclusao>dadosRubrica>tpRubr"`
	SocialSec string   `xml:"inclusao>dadosRubrica>codIncCP"`
	IncomeTax string   `xml:"inclusao>dadosRubrica>codIncIRRF"`
	Severance string   `xml:"inclusao>dadosRubrica>codIncFGTS"`
	UnionDues string   `xml:"inclusao>dadosRubrica>codIncSIND"`
}

func (rubricTableKind) Build(env document.Envelope, payload json.RawMessage) (*document.Document, error) {
	p, err := decode[RubricTablePayload](payload)
	if err != nil {
		return nil, err
	}
	body := xmlRubric{
		Code:      p.Code,
		ValidFrom: document.Period(p.StartDate.Year(), int(p.StartDate.Month())),
		Name:      p.Name,
		Nature:    p.NatureCode,
		Type:      typeCodes[p.Type],
		SocialSec: incidenceCodes[p.Incidences.SocialSecurity],
		IncomeTax: incidenceCodes[p.Incidences.IncomeTax],
		Severance: incidenceCodes[p.Incidences.Severance],
		UnionDues: incidenceCodes[p.Incidences.UnionDues],
	}
	if p.EndDate != nil {
		body.ValidTo = document.Period(p.EndDate.Year(), int(p.EndDate.Month()))
	}
	return document.Encode(env, "evtTabRubrica", body)
}
