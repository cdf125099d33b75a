/*
Package document encodes event payloads into the structured documents sent
to the government collection system.

PURPOSE:
  Every event type has its own body, but all documents share the same
  envelope: a unique external id, the submission sequence, environment,
  employer identification and the software that produced it. This package
  owns the envelope, the formatting rules (zero padded identifiers, ISO
  dates, two-decimal amounts) and the final XML encoding.

DETERMINISM:
  Encode is a pure function of its inputs. Struct field order fixes the
  element order, no maps are serialized, and the build timestamp comes
  from the Envelope rather than the clock. The same Envelope and body
  always yield the same bytes and the same Digest.

SEE ALSO:
  - events/: Body structs for each implemented event type
  - pipeline/batch.go: Builds the document when an event is queued
*/
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENVELOPE
// =============================================================================

// Environment is the target environment code of a submission.
type Environment int

const (
	EnvironmentProduction Environment = 1
	EnvironmentRestricted Environment = 2
)

// InscriptionEmployerTaxID is the inscription type of a 14-digit employer id.
const InscriptionEmployerTaxID = 1

// MaxSequence is the largest sequence the 5-digit id and header fields hold.
const MaxSequence int64 = 99999

// ErrSequenceOutOfRange is returned when a sequence does not fit in 5 digits.
var ErrSequenceOutOfRange = errors.New("sequence out of range")

// Envelope carries the header fields shared by every document.
type Envelope struct {
	ExternalID      string
	Sequence        int64
	Environment     Environment
	EmployerTaxID   string
	EmployerClass   string
	SoftwareID      string
	SoftwareVersion string
	BuiltAt         time.Time

	// Period is set for periodic events ("2006-01").
	Period string
}

// Document is an encoded event ready for submission.
type Document struct {
	ExternalID string    `json:"external_id"`
	Sequence   int64     `json:"sequence"`
	Body       []byte    `json:"body"`
	Digest     string    `json:"digest"`
	BuiltAt    time.Time `json:"built_at"`
}

// ExternalID formats the unique document id:
// "ID" + inscription type + 14-digit employer id + yyyymmddhhmmss + 5-digit sequence.
// Encode rejects envelopes whose sequence does not fit.
func ExternalID(employerTaxID string, at time.Time, sequence int64) string {
	return fmt.Sprintf("ID%d%s%s%05d",
		InscriptionEmployerTaxID,
		PadDigits(employerTaxID, 14),
		at.UTC().Format("20060102150405"),
		sequence)
}

// =============================================================================
// ENCODING
// =============================================================================

type xmlRoot struct {
	XMLName xml.Name `xml:"eSocial"`
	Event   xmlEvent
}

type xmlEvent struct {
	XMLName  xml.Name
	ID       string      `xml:"Id,attr"`
	Header   xmlHeader   `xml:"ideEvento"`
	Employer xmlEmployer `xml:"ideEmpregador"`
	Body     any
}

type xmlHeader struct {
	Environment     int    `xml:"tpAmb"`
	Period          string `xml:"perApur,omitempty"`
	Sequence        string `xml:"nrSeq"`
	SoftwareID      string `xml:"idSoftware"`
	SoftwareVersion string `xml:"verProc"`
}

type xmlEmployer struct {
	InscriptionType int    `xml:"tpInsc"`
	Inscription     string `xml:"nrInsc"`
	Classification  string `xml:"classTrib,omitempty"`
}

// Encode builds the document for eventTag with body as its content. body
// must be a struct carrying its own XMLName.
func Encode(env Envelope, eventTag string, body any) (*Document, error) {
	if env.ExternalID == "" {
		return nil, fmt.Errorf("encode %s: missing external id", eventTag)
	}
	if body == nil {
		return nil, fmt.Errorf("encode %s: missing body", eventTag)
	}
	if env.Sequence < 1 || env.Sequence > MaxSequence {
		return nil, fmt.Errorf("encode %s: sequence %d: %w", eventTag, env.Sequence, ErrSequenceOutOfRange)
	}

	root := xmlRoot{
		Event: xmlEvent{
			XMLName: xml.Name{Local: eventTag},
			ID:      env.ExternalID,
			Header: xmlHeader{
				Environment:     int(env.Environment),
				Period:          env.Period,
				Sequence:        fmt.Sprintf("%05d", env.Sequence),
				SoftwareID:      env.SoftwareID,
				SoftwareVersion: env.SoftwareVersion,
			},
			Employer: xmlEmployer{
				InscriptionType: InscriptionEmployerTaxID,
				Inscription:     PadDigits(env.EmployerTaxID, 14),
				Classification:  env.EmployerClass,
			},
			Body: body,
		},
	}

	out, err := xml.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eventTag, err)
	}
	buf := make([]byte, 0, len(xml.Header)+len(out))
	buf = append(buf, xml.Header...)
	buf = append(buf, out...)

	sum := sha256.Sum256(buf)
	return &Document{
		ExternalID: env.ExternalID,
		Sequence:   env.Sequence,
		Body:       buf,
		Digest:     hex.EncodeToString(sum[:]),
		BuiltAt:    env.BuiltAt.UTC(),
	}, nil
}

// =============================================================================
// FORMAT HELPERS
// =============================================================================

// PadDigits keeps the digits of s and left-pads them with zeros to width.
// Longer inputs keep their rightmost width digits.
func PadDigits(s string, width int) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if len(d) >= width {
		return d[len(d)-width:]
	}
	return strings.Repeat("0", width-len(d)) + d
}

// Date formats a calendar date.
func Date(t time.Time) string { return t.Format("2006-01-02") }

// OptionalDate formats t, or returns "" for nil.
func OptionalDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return Date(*t)
}

// Period formats a reporting period.
func Period(year, month int) string { return fmt.Sprintf("%04d-%02d", year, month) }

// Amount formats money with two decimals and a dot separator.
func Amount(d decimal.Decimal) string { return d.StringFixed(2) }
