package events

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/warp/labor-events/catalog"
	"github.com/warp/labor-events/document"
	"github.com/warp/labor-events/hr"
	"github.com/warp/labor-events/pipeline"
)

func init() { pipeline.Register(employerKind{}) }

// EmployerPayload is the employer registration reported in the tables group.
type EmployerPayload struct {
	Name      string          `json:"name"`
	TaxID     string          `json:"tax_id"`
	ValidFrom pipeline.Period `json:"valid_from"`
}

type employerKind struct{}

func (employerKind) Type() catalog.EventType { return catalog.TypeEmployerInfo }

// Collect returns the employer draft. The subject is the employer tax id
// and the event carries no period, so it is generated once and then only
// refreshed while it has not been queued.
func (employerKind) Collect(ctx context.Context, src pipeline.Sources, scope pipeline.Scope) ([]pipeline.Draft, error) {
	if len(scope.EmployeeIDs) > 0 {
		return nil, nil
	}
	c, err := src.HR.GetCompany(ctx, scope.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("get company: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("company %s not found", scope.CompanyID)
	}
	return []pipeline.Draft{{
		Subject:     hr.Digits(c.TaxID),
		TriggerDate: scope.Period.Start(),
		Payload: EmployerPayload{
			Name:      strings.TrimSpace(c.Name),
			TaxID:     hr.Digits(c.TaxID),
			ValidFrom: scope.Period,
		},
	}}, nil
}

func (employerKind) Validate(payload json.RawMessage, vc pipeline.ValidationContext) []pipeline.ValidationIssue {
	p, bad := decodeForValidation[EmployerPayload](payload)
	if bad != nil {
		return bad
	}

	var is issues
	if p.Name == "" {
		is.add("name", CodeRequired, "employer name is required")
	}
	switch {
	case p.TaxID == "":
		is.add("tax_id", CodeRequired, "employer tax id is required")
	case !hr.ValidEmployerTaxID(p.TaxID):
		is.add("tax_id", CodeInvalid, "employer tax id %q is not valid", p.TaxID)
	}
	if strings.TrimSpace(vc.Config.EmployerClassification) == "" {
		is.add("employer_classification", CodeRequired, "employer classification is not configured")
	}
	if !p.ValidFrom.Valid() {
		is.add("valid_from", CodeInvalid, "validity start %s is not valid", p.ValidFrom)
	}
	return is.list()
}

type xmlEmployer struct {
	XMLName   xml.Name `xml:"infoEmpregador"`
	ValidFrom string   `xml:"inclusao>idePeriodo>iniValid"`
	Name      string   `xml:"inclusao>infoCadastro>nmRazao"`
	Class     string   `xml:"inclusao>infoCadastro>classTrib"`
}

func (employerKind) Build(env document.Envelope, payload json.RawMessage) (*document.Document, error) {
	p, err := decode[EmployerPayload](payload)
	if err != nil {
		return nil, err
	}
	return document.Encode(env, "evtInfoEmpregador", xmlEmployer{
		ValidFrom: document.Period(p.ValidFrom.Year, p.ValidFrom.Month),
		Name:      p.Name,
		Class:     env.EmployerClass,
	})
}
