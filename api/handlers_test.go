/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- The full submission flow over HTTP (import, generate, batch, send, check)
- Error mapping (404, 409, 422, 400, 502)
- Rubric create and update rules
- Manual dispatch
*/
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/warp/labor-events/events"
	"github.com/warp/labor-events/gateway"
	"github.com/warp/labor-events/pipeline"
	"github.com/warp/labor-events/rubric"
	"github.com/warp/labor-events/store/sqlite"
)

const company = "co-1"

type testServer struct {
	router *chi.Mux
	fake   *gateway.Fake
	store  *sqlite.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := rubric.NewRegistry(store)
	fake := gateway.NewFake()
	svc, err := pipeline.New(pipeline.Deps{
		Store:     store,
		HR:        store,
		Rubrics:   registry,
		Transport: fake,
	})
	require.NoError(t, err)

	h := NewHandler(svc, registry, store, nil)
	return &testServer{router: NewRouter(h, nil), fake: fake, store: store}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seedCompany imports a company, its config and one employee hired in
// March 2024.
func (ts *testServer) seedCompany(t *testing.T) {
	t.Helper()
	rec := ts.do(t, http.MethodPut, "/api/companies/"+company, CompanyRequest{Name: "Acme", TaxID: "11.222.333/0001-81"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPut, "/api/companies/"+company+"/config", CompanyConfigRequest{
		Environment:            pipeline.EnvironmentRestricted,
		EmployerClassification: "99",
		SoftwareID:             "labor-events",
		SoftwareVersion:        "1.0",
		CertificateRef:         "vault:cert/acme",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/companies/"+company+"/hr/employees", []map[string]any{{
		"id":         "emp-1",
		"name":       "Maria Silva",
		"tax_id":     "529.982.247-25",
		"social_id":  "120.34567.89-9",
		"birth_date": "1990-05-10",
		"hire_date":  "2024-03-04",
		"job_title":  "Analyst",
		"category":   "101",
		"salary":     "3500.00",
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decodeBody[ImportResult](t, rec).Imported)
}

func (ts *testServer) generateAdmission(t *testing.T) pipeline.GenerateResult {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/companies/"+company+"/events/generate", map[string]any{
		"year": 2024, "month": 3, "types": []string{"S-2200"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decodeBody[pipeline.GenerateResult](t, rec)
}

// =============================================================================
// FLOW
// =============================================================================

func TestSubmissionFlow(t *testing.T) {
	// GIVEN: An employer with a hire in the period
	ts := newTestServer(t)
	ts.seedCompany(t)

	// WHEN: Generating the month
	gen := ts.generateAdmission(t)

	// THEN: One validated admission exists
	require.Equal(t, 1, gen.Created)
	require.Len(t, gen.Items, 1)
	eventID := gen.Items[0].EventID
	assert.Equal(t, pipeline.EventValidated, gen.Items[0].Status)

	// AND: Generating again changes nothing
	again := ts.generateAdmission(t)
	assert.Equal(t, 0, again.Created)
	assert.Equal(t, 1, again.Skipped)

	// WHEN: Batching, closing, sending and checking
	rec := ts.do(t, http.MethodPost, "/api/companies/"+company+"/batches", CreateBatchRequest{GroupType: "NON_PERIODIC"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	batch := decodeBody[pipeline.Batch](t, rec)

	rec = ts.do(t, http.MethodPost, "/api/batches/"+batch.ID+"/events", AddEventsRequest{EventIDs: []string{eventID}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decodeBody[pipeline.AddResult](t, rec).Added)

	rec = ts.do(t, http.MethodPost, "/api/batches/"+batch.ID+"/close", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/batches/"+batch.ID+"/validate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[pipeline.BatchValidation](t, rec).Valid)

	rec = ts.do(t, http.MethodPost, "/api/batches/"+batch.ID+"/send", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sent := decodeBody[pipeline.Batch](t, rec)
	assert.Equal(t, pipeline.BatchSent, sent.Status)
	assert.NotEmpty(t, sent.ProtocolNumber)

	rec = ts.do(t, http.MethodPost, "/api/batches/"+batch.ID+"/check", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	check := decodeBody[pipeline.CheckResult](t, rec)

	// THEN: The batch is processed and the event accepted
	assert.Equal(t, pipeline.BatchProcessed, check.Batch.Status)
	assert.Equal(t, 1, check.Batch.ResultSummary.Accepted)

	rec = ts.do(t, http.MethodGet, "/api/events/"+eventID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ev := decodeBody[pipeline.Event](t, rec)
	assert.Equal(t, pipeline.EventAccepted, ev.Status)
	assert.Equal(t, "REC-"+eventID, ev.Receipt)

	rec = ts.do(t, http.MethodGet, "/api/batches/"+batch.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[BatchDTO](t, rec).Events, 1)

	rec = ts.do(t, http.MethodGet, "/api/companies/"+company+"/dashboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dash := decodeBody[pipeline.Dashboard](t, rec)
	assert.Equal(t, 1, dash.EventsByState[pipeline.EventAccepted])
	assert.Equal(t, 1, dash.BatchesByState[pipeline.BatchProcessed])

	// WHEN: Excluding the accepted event
	rec = ts.do(t, http.MethodPost, "/api/events/"+eventID+"/exclude", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	excl := decodeBody[pipeline.Event](t, rec)

	// THEN: A validated exclusion event references it
	assert.Equal(t, eventID, excl.ReferencesEventID)
	assert.Equal(t, pipeline.EventValidated, excl.Status)
}

func TestListEvents_Filters(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCompany(t)
	ts.generateAdmission(t)

	rec := ts.do(t, http.MethodGet, "/api/companies/"+company+"/events?status=validated&year=2024&month=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]pipeline.Event](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/api/companies/"+company+"/events?status=ACCEPTED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/companies/"+company+"/events?year=last", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDefinitions(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/definitions", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	defs := decodeBody[[]DefinitionDTO](t, rec)
	assert.NotEmpty(t, defs)
	for _, d := range defs {
		assert.True(t, d.Group.Valid(), d.Type)
	}
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrors_StatusMapping(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCompany(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown event", http.MethodGet, "/api/events/missing", nil, http.StatusNotFound},
		{"unknown batch", http.MethodPost, "/api/batches/missing/close", nil, http.StatusNotFound},
		{"missing config", http.MethodPost, "/api/companies/co-2/events/generate", map[string]int{"year": 2024, "month": 3}, http.StatusUnprocessableEntity},
		{"invalid config", http.MethodPut, "/api/companies/co-2/config", CompanyConfigRequest{Environment: "MOON"}, http.StatusUnprocessableEntity},
		{"bad period", http.MethodPost, "/api/companies/" + company + "/events/generate", map[string]int{"year": 2024, "month": 13}, http.StatusBadRequest},
		{"bad group", http.MethodPost, "/api/companies/" + company + "/batches", CreateBatchRequest{GroupType: "WEEKLY"}, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/companies/" + company + "/batches", "{", http.StatusBadRequest},
		{"bad hire date", http.MethodPost, "/api/companies/" + company + "/hr/employees", []map[string]string{{"id": "e", "hire_date": "03/04/2024"}}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody[ErrorResponse](t, rec).Error)
		})
	}
}

func TestCreateBatch_SecondOpenBatchConflicts(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCompany(t)

	rec := ts.do(t, http.MethodPost, "/api/companies/"+company+"/batches", CreateBatchRequest{GroupType: "PERIODIC"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/companies/"+company+"/batches", CreateBatchRequest{GroupType: "PERIODIC"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSendBatch_TransportFailureIsBadGateway(t *testing.T) {
	// GIVEN: A closed batch and a gateway that fails the next submit
	ts := newTestServer(t)
	ts.seedCompany(t)
	gen := ts.generateAdmission(t)

	rec := ts.do(t, http.MethodPost, "/api/companies/"+company+"/batches", CreateBatchRequest{GroupType: "NON_PERIODIC"})
	batch := decodeBody[pipeline.Batch](t, rec)
	ts.do(t, http.MethodPost, "/api/batches/"+batch.ID+"/events", AddEventsRequest{EventIDs: []string{gen.Items[0].EventID}})
	ts.do(t, http.MethodPost, "/api/batches/"+batch.ID+"/close", nil)
	ts.fake.FailNextSubmit(errors.New("connection reset"))

	// WHEN: Sending
	rec = ts.do(t, http.MethodPost, "/api/batches/"+batch.ID+"/send", nil)

	// THEN: 502 and the batch is back to CLOSED with the error recorded
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/batches/"+batch.ID, nil)
	got := decodeBody[BatchDTO](t, rec)
	assert.Equal(t, pipeline.BatchClosed, got.Status)
	assert.Contains(t, got.LastError, "connection reset")
	assert.Equal(t, pipeline.EventQueued, got.Events[0].Status)
}

func TestCancelEvent_AfterSendConflicts(t *testing.T) {
	ts := newTestServer(t)
	ts.seedCompany(t)
	gen := ts.generateAdmission(t)
	id := gen.Items[0].EventID

	rec := ts.do(t, http.MethodPost, "/api/events/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pipeline.EventCancelled, decodeBody[pipeline.Event](t, rec).Status)

	rec = ts.do(t, http.MethodPost, "/api/events/"+id+"/validate", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// =============================================================================
// RUBRICS
// =============================================================================

func TestRubrics_CreateListUpdate(t *testing.T) {
	ts := newTestServer(t)
	base := CreateRubricRequest{
		Code:       "1000",
		Name:       "Base salary",
		Type:       rubric.TypeEarning,
		NatureCode: "1000",
		StartDate:  "2024-01-01",
		Incidences: rubric.Incidences{
			SocialSecurity: rubric.IncidenceNormal,
			IncomeTax:      rubric.IncidenceNormal,
			Severance:      rubric.IncidenceNormal,
			UnionDues:      rubric.IncidenceNotApplicable,
		},
	}

	// GIVEN: A rubric
	rec := ts.do(t, http.MethodPost, "/api/companies/"+company+"/rubrics", base)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[rubric.Rubric](t, rec)

	// THEN: An overlapping window for the same code conflicts
	overlap := base
	overlap.StartDate = "2024-06-01"
	rec = ts.do(t, http.MethodPost, "/api/companies/"+company+"/rubrics", overlap)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// AND: A malformed date is rejected before reaching the registry
	bad := base
	bad.StartDate = "January"
	rec = ts.do(t, http.MethodPost, "/api/companies/"+company+"/rubrics", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// AND: Unknown type is invalid
	bad = base
	bad.Code, bad.Type = "2000", "BONUS"
	rec = ts.do(t, http.MethodPost, "/api/companies/"+company+"/rubrics", bad)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// WHEN: Changing the type in place
	deduction := rubric.TypeDeduction
	rec = ts.do(t, http.MethodPatch, "/api/rubrics/"+created.ID, UpdateRubricRequest{Type: &deduction})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// WHEN: Closing the window
	end := "2024-05-31"
	rec = ts.do(t, http.MethodPatch, "/api/rubrics/"+created.ID, UpdateRubricRequest{EndDate: &end})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: The later window is accepted
	rec = ts.do(t, http.MethodPost, "/api/companies/"+company+"/rubrics", overlap)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/companies/"+company+"/rubrics?code=1000&active=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]rubric.Rubric](t, rec), 2)

	rec = ts.do(t, http.MethodGet, "/api/rubrics/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestTriggerDispatch_SendsAndChecks(t *testing.T) {
	// GIVEN: An employer with auto generation and sending
	ts := newTestServer(t)
	ts.seedCompany(t)
	rec := ts.do(t, http.MethodPut, "/api/companies/"+company+"/config", CompanyConfigRequest{
		Environment:            pipeline.EnvironmentRestricted,
		EmployerClassification: "99",
		SoftwareID:             "labor-events",
		SoftwareVersion:        "1.0",
		CertificateRef:         "vault:cert/acme",
		AutoSend:               true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	ts.generateAdmission(t)

	// WHEN: Triggering a pass
	rec = ts.do(t, http.MethodPost, "/api/admin/dispatch", nil)

	// THEN: The validated admission was batched, sent and settled
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[pipeline.DispatchReport](t, rec)
	assert.Equal(t, 1, report.Companies)
	assert.Equal(t, 1, report.BatchesSent)
	assert.Equal(t, 1, report.BatchesChecked)
	assert.Empty(t, report.Errors)
	assert.Len(t, ts.fake.Submissions(), 1)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
