package document_test

import (
	"encoding/xml"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/labor-events/document"
)

type testBody struct {
	XMLName xml.Name `xml:"infoTeste"`
	Value   string   `xml:"valor"`
}

func testEnvelope() document.Envelope {
	builtAt := time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC)
	return document.Envelope{
		ExternalID:      document.ExternalID("11.222.333/0001-81", builtAt, 1),
		Sequence:        1,
		Environment:     document.EnvironmentRestricted,
		EmployerTaxID:   "11.222.333/0001-81",
		EmployerClass:   "99",
		SoftwareID:      "SW1",
		SoftwareVersion: "1.0",
		BuiltAt:         builtAt,
	}
}

func TestExternalID_Format(t *testing.T) {
	at := time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC)

	id := document.ExternalID("11.222.333/0001-81", at, 42)

	assert.Equal(t, "ID11122233300018120260110120000"+"00042", id)
	assert.Len(t, id, 36)
}

func TestEncode_ExactOutput(t *testing.T) {
	doc, err := document.Encode(testEnvelope(), "evtTeste", testBody{Value: "x"})
	require.NoError(t, err)

	want := `<?xml version="1.0" encoding="UTF-8"?>` + "\n" +
		`<eSocial><evtTeste Id="ID1112223330001812026011012000000001">` +
		`<ideEvento><tpAmb>2</tpAmb><nrSeq>00001</nrSeq><idSoftware>SW1</idSoftware><verProc>1.0</verProc></ideEvento>` +
		`<ideEmpregador><tpInsc>1</tpInsc><nrInsc>11222333000181</nrInsc><classTrib>99</classTrib></ideEmpregador>` +
		`<infoTeste><valor>x</valor></infoTeste>` +
		`</evtTeste></eSocial>`
	assert.Equal(t, want, string(doc.Body))
	assert.Len(t, doc.Digest, 64)
	assert.Equal(t, int64(1), doc.Sequence)
}

func TestEncode_Deterministic(t *testing.T) {
	// GIVEN: The same envelope and body
	// WHEN: Encoding twice
	// THEN: Bytes and digest are identical

	a, err := document.Encode(testEnvelope(), "evtTeste", testBody{Value: "same"})
	require.NoError(t, err)
	b, err := document.Encode(testEnvelope(), "evtTeste", testBody{Value: "same"})
	require.NoError(t, err)

	assert.Equal(t, a.Body, b.Body)
	assert.Equal(t, a.Digest, b.Digest)

	c, err := document.Encode(testEnvelope(), "evtTeste", testBody{Value: "other"})
	require.NoError(t, err)
	assert.NotEqual(t, a.Digest, c.Digest)
}

func TestEncode_PeriodicHeader(t *testing.T) {
	env := testEnvelope()
	env.Period = document.Period(2026, 1)

	doc, err := document.Encode(env, "evtRemun", testBody{Value: "x"})
	require.NoError(t, err)
	assert.Contains(t, string(doc.Body), "<perApur>2026-01</perApur>")
}

func TestEncode_RejectsMissingID(t *testing.T) {
	env := testEnvelope()
	env.ExternalID = ""

	_, err := document.Encode(env, "evtTeste", testBody{})
	assert.Error(t, err)
}

func TestEncode_RejectsSequenceOutOfRange(t *testing.T) {
	// GIVEN: Envelopes whose sequence does not fit in 5 digits
	for _, seq := range []int64{0, document.MaxSequence + 1} {
		env := testEnvelope()
		env.Sequence = seq

		// WHEN: Encoding
		_, err := document.Encode(env, "evtTeste", testBody{Value: "x"})

		// THEN: The sequence is refused instead of wrapping
		assert.ErrorIs(t, err, document.ErrSequenceOutOfRange, "sequence %d", seq)
	}

	// AND: The last sequence that fits is still encoded
	env := testEnvelope()
	env.Sequence = document.MaxSequence
	doc, err := document.Encode(env, "evtTeste", testBody{Value: "x"})
	require.NoError(t, err)
	assert.Contains(t, string(doc.Body), "<nrSeq>99999</nrSeq>")
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "00012345678", document.PadDigits("123.456-78", 11))
	assert.Equal(t, "45678", document.PadDigits("12345678", 5))
	assert.Equal(t, "2026-03-07", document.Date(time.Date(2026, 3, 7, 23, 0, 0, 0, time.UTC)))
	assert.Equal(t, "", document.OptionalDate(nil))
	assert.Equal(t, "2026-02", document.Period(2026, 2))
	assert.Equal(t, "1500.50", document.Amount(decimal.RequireFromString("1500.5")))
	assert.Equal(t, "0.00", document.Amount(decimal.Zero))
}
