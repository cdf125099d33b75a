package sqlite_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/labor-events/catalog"
	"github.com/warp/labor-events/document"
	"github.com/warp/labor-events/hr"
	"github.com/warp/labor-events/pipeline"
	"github.com/warp/labor-events/rubric"
	"github.com/warp/labor-events/store/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func day(y, m, d int) time.Time { return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC) }

func sampleEvent(id string, seq int64) pipeline.Event {
	due := day(2025, 4, 15)
	return pipeline.Event{
		ID:               id,
		CompanyID:        "co-1",
		Type:             catalog.TypeRemuneration,
		Group:            catalog.GroupPeriodic,
		Status:           pipeline.EventDraft,
		LogicalKey:       "co-1|S-1200|emp-" + id + "|2025-03",
		Revision:         1,
		Subject:          "emp-" + id,
		EmployeeID:       "emp-" + id,
		Period:           &pipeline.Period{Year: 2025, Month: 3},
		Sequence:         seq,
		Payload:          json.RawMessage(`{"employee_id":"emp-1"}`),
		ValidationErrors: []pipeline.ValidationIssue{},
		TriggerDate:      day(2025, 4, 1),
		DueDate:          &due,
		GeneratedAt:      time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC),
	}
}

// =============================================================================
// EVENTS
// =============================================================================

func TestEvents_RoundTrip(t *testing.T) {
	// GIVEN: An event with a document and a validation issue
	store := newStore(t)
	ctx := context.Background()

	e := sampleEvent("evt-1", 0)
	e.ValidationErrors = []pipeline.ValidationIssue{{Field: "items", Code: "REQUIRED", Message: "no items"}}
	e.Document = &document.Document{
		ExternalID: "ID1123456780001952025040210000000001",
		Sequence:   1,
		Body:       []byte("<eSocial/>"),
		Digest:     "abc",
		BuiltAt:    time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC),
	}
	e.SubmissionError = &pipeline.SubmissionError{Code: "E1", Message: "bad"}

	// WHEN: It is inserted and read back
	require.NoError(t, store.InsertEvent(ctx, e))
	got, err := store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	// THEN: Every persisted field survives
	assert.Equal(t, e.LogicalKey, got.LogicalKey)
	assert.Equal(t, e.Type, got.Type)
	assert.Equal(t, e.Group, got.Group)
	assert.Equal(t, *e.Period, *got.Period)
	assert.JSONEq(t, string(e.Payload), string(got.Payload))
	assert.Equal(t, e.ValidationErrors, got.ValidationErrors)
	require.NotNil(t, got.Document)
	assert.Equal(t, e.Document.ExternalID, got.Document.ExternalID)
	assert.Equal(t, e.Document.Body, got.Document.Body)
	assert.Equal(t, e.SubmissionError, got.SubmissionError)
	require.NotNil(t, got.DueDate)
	assert.True(t, e.DueDate.Equal(*got.DueDate))
	assert.True(t, e.GeneratedAt.Equal(got.GeneratedAt))
	assert.Nil(t, got.ValidatedAt)
}

func TestEvents_GetMissingReturnsNil(t *testing.T) {
	store := newStore(t)

	got, err := store.GetEvent(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEvents_DuplicateIDAndLogicalRevision(t *testing.T) {
	// GIVEN: A stored event
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertEvent(ctx, sampleEvent("evt-1", 0)))

	// WHEN: The same id is inserted again
	err := store.InsertEvent(ctx, sampleEvent("evt-1", 0))

	// THEN: The duplicate is reported as such
	assert.ErrorIs(t, err, pipeline.ErrDuplicateEvent)

	// AND: A different id with the same logical key and revision is rejected too
	other := sampleEvent("evt-1", 0)
	other.ID = "evt-other"
	assert.ErrorIs(t, store.InsertEvent(ctx, other), pipeline.ErrDuplicateEvent)
}

func TestEvents_ListFiltersAndOrder(t *testing.T) {
	// GIVEN: Events with different statuses and sequences
	store := newStore(t)
	ctx := context.Background()

	a := sampleEvent("a", 2)
	b := sampleEvent("b", 1)
	c := sampleEvent("c", 0)
	c.Status = pipeline.EventValidated
	c.Period = &pipeline.Period{Year: 2025, Month: 2}
	for _, e := range []pipeline.Event{a, b, c} {
		require.NoError(t, store.InsertEvent(ctx, e))
	}

	// WHEN: Listing all events of the company
	all, err := store.ListEvents(ctx, pipeline.EventFilter{CompanyID: "co-1"})
	require.NoError(t, err)

	// THEN: They come ordered by sequence
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	// AND: Status and period filters narrow the result
	drafts, err := store.ListEvents(ctx, pipeline.EventFilter{Status: []pipeline.EventStatus{pipeline.EventDraft}})
	require.NoError(t, err)
	assert.Len(t, drafts, 2)

	feb, err := store.ListEvents(ctx, pipeline.EventFilter{Year: 2025, Month: 2})
	require.NoError(t, err)
	require.Len(t, feb, 1)
	assert.Equal(t, "c", feb[0].ID)
}

func TestEvents_PeriodFilterUsesTriggerMonthWithoutPeriod(t *testing.T) {
	// GIVEN: A March remuneration triggered in April and an admission
	// without a period triggered in April
	store := newStore(t)
	ctx := context.Background()

	remun := sampleEvent("remun", 1)
	adm := sampleEvent("adm", 2)
	adm.Type = catalog.TypeAdmission
	adm.Group = catalog.GroupNonPeriodic
	adm.LogicalKey = "co-1|S-2200|emp-adm|-"
	adm.Period = nil
	adm.TriggerDate = day(2025, 4, 20)
	for _, e := range []pipeline.Event{remun, adm} {
		require.NoError(t, store.InsertEvent(ctx, e))
	}

	// WHEN: Listing April
	april, err := store.ListEvents(ctx, pipeline.EventFilter{Year: 2025, Month: 4})

	// THEN: Only the admission matches; the remuneration belongs to March
	require.NoError(t, err)
	require.Len(t, april, 1)
	assert.Equal(t, "adm", april[0].ID)

	march, err := store.ListEvents(ctx, pipeline.EventFilter{Year: 2025, Month: 3})
	require.NoError(t, err)
	require.Len(t, march, 1)
	assert.Equal(t, "remun", march[0].ID)

	year, err := store.ListEvents(ctx, pipeline.EventFilter{Year: 2025})
	require.NoError(t, err)
	assert.Len(t, year, 2)
}

// =============================================================================
// BATCHES
// =============================================================================

func sampleBatch(id string, status pipeline.BatchStatus) pipeline.Batch {
	now := time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)
	return pipeline.Batch{
		ID:        id,
		CompanyID: "co-1",
		GroupType: catalog.GroupPeriodic,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestBatches_OneBlockingBatchPerGroup(t *testing.T) {
	// GIVEN: An open batch
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertBatch(ctx, sampleBatch("b-1", pipeline.BatchOpen)))

	// WHEN: A second open batch of the same group is inserted
	err := store.InsertBatch(ctx, sampleBatch("b-2", pipeline.BatchOpen))

	// THEN: The unique index rejects it
	assert.ErrorIs(t, err, pipeline.ErrBatchConflict)

	// AND: Another group is unaffected
	other := sampleBatch("b-3", pipeline.BatchOpen)
	other.GroupType = catalog.GroupNonPeriodic
	require.NoError(t, store.InsertBatch(ctx, other))

	// AND: Once the first batch is sent, a new one can be opened
	b1, err := store.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	sent := time.Date(2025, 4, 2, 11, 0, 0, 0, time.UTC)
	b1.Status = pipeline.BatchSent
	b1.ProtocolNumber = "PROT-1"
	b1.SentAt = &sent
	require.NoError(t, store.SaveBatch(ctx, *b1))
	require.NoError(t, store.InsertBatch(ctx, sampleBatch("b-4", pipeline.BatchOpen)))

	got, err := store.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "PROT-1", got.ProtocolNumber)
	require.NotNil(t, got.SentAt)
	assert.True(t, sent.Equal(*got.SentAt))
}

func TestBatches_ResultSummaryRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	b := sampleBatch("b-1", pipeline.BatchProcessed)
	b.ResultSummary = &pipeline.ResultSummary{Total: 3, Accepted: 2, Rejected: 1}
	require.NoError(t, store.InsertBatch(ctx, b))

	list, err := store.ListBatches(ctx, pipeline.BatchFilter{
		CompanyID: "co-1",
		Status:    []pipeline.BatchStatus{pipeline.BatchProcessed},
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ResultSummary, list[0].ResultSummary)
}

// =============================================================================
// SEQUENCES, CONFIGS, TRANSACTIONS
// =============================================================================

func TestNextSequence_PerCompany(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.NextSequence(ctx, "co-1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	got, err := store.NextSequence(ctx, "co-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestCompanyConfig_Upsert(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	cfg := pipeline.CompanyConfig{
		CompanyID:              "co-1",
		Environment:            pipeline.EnvironmentRestricted,
		EmployerClassification: "99",
		SoftwareID:             "sw",
		SoftwareVersion:        "1.0",
		CertificateRef:         "cert-1",
		UpdatedAt:              day(2025, 1, 1),
	}
	require.NoError(t, store.SaveCompanyConfig(ctx, cfg))
	cfg.AutoSend = true
	require.NoError(t, store.SaveCompanyConfig(ctx, cfg))

	got, err := store.GetCompanyConfig(ctx, "co-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.AutoSend)

	list, err := store.ListCompanyConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.DeleteCompanyConfig(ctx, "co-1"))
	got, err = store.GetCompanyConfig(ctx, "co-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	// GIVEN: A transaction that inserts an event and then fails
	store := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx pipeline.Store) error {
		if err := tx.InsertEvent(ctx, sampleEvent("evt-1", 0)); err != nil {
			return err
		}
		// Reads inside the transaction see its own writes.
		got, err := tx.GetEvent(ctx, "evt-1")
		if err != nil || got == nil {
			return errors.New("insert not visible inside transaction")
		}
		return boom
	})

	// THEN: The error is returned and nothing is persisted
	assert.ErrorIs(t, err, boom)
	got, err := store.GetEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// =============================================================================
// RUBRICS AND HR
// =============================================================================

func TestRubrics_FilterAndWindow(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	end := day(2025, 6, 30)
	r := rubric.Rubric{
		ID: "rb-1", CompanyID: "co-1", Code: "1000", Name: "Salary",
		Type: rubric.TypeEarning,
		Incidences: rubric.Incidences{
			SocialSecurity: rubric.IncidenceNormal,
			IncomeTax:      rubric.IncidenceNormal,
			Severance:      rubric.IncidenceNormal,
			UnionDues:      rubric.IncidenceNotApplicable,
		},
		NatureCode: "1000",
		StartDate:  day(2025, 1, 1),
		EndDate:    &end,
		IsActive:   true,
	}
	require.NoError(t, store.SaveRubric(ctx, r))

	active := true
	list, err := store.ListRubrics(ctx, "co-1", rubric.Filter{Code: "1000", IsActive: &active})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, r.Incidences, list[0].Incidences)
	require.NotNil(t, list[0].EndDate)
	assert.True(t, end.Equal(*list[0].EndDate))

	inactive := false
	list, err = store.ListRubrics(ctx, "co-1", rubric.Filter{IsActive: &inactive})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestHR_PayrollAndMonthlyRecords(t *testing.T) {
	// GIVEN: A company with one employee, a termination and a payroll
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveCompany(ctx, hr.Company{ID: "co-1", Name: "Acme", TaxID: "11222333000181"}))
	require.NoError(t, store.SaveEmployee(ctx, hr.Employee{
		ID: "emp-1", CompanyID: "co-1", Name: "Ana", HireDate: day(2024, 1, 10),
		Salary: decimal.RequireFromString("3500.00"), Active: true,
	}))
	require.NoError(t, store.SaveTermination(ctx, hr.Termination{
		ID: "t-1", EmployeeID: "emp-1", Date: day(2025, 3, 20), ReasonCode: "02",
	}))
	require.NoError(t, store.SavePayroll(ctx, hr.Payroll{
		ID: "pr-1", CompanyID: "co-1", Year: 2025, Month: 3, Status: hr.PayrollClosed,
		Payslips: []hr.Payslip{{
			EmployeeID: "emp-1",
			Items: []hr.PayslipItem{
				{RubricCode: "1000", Amount: decimal.RequireFromString("3500.00")},
				{RubricCode: "9201", Amount: decimal.RequireFromString("385.00")},
			},
		}},
	}))

	// WHEN: Reading them back by month
	terms, err := store.ListTerminations(ctx, "co-1", 2025, 3)
	require.NoError(t, err)
	none, err := store.ListTerminations(ctx, "co-1", 2025, 4)
	require.NoError(t, err)
	payroll, err := store.GetPayroll(ctx, "co-1", 2025, 3)
	require.NoError(t, err)
	emp, err := store.GetEmployee(ctx, "emp-1")
	require.NoError(t, err)

	// THEN: Month filters apply and amounts keep their precision
	assert.Len(t, terms, 1)
	assert.Empty(t, none)
	require.NotNil(t, payroll)
	assert.True(t, payroll.Status.IsClosed())
	require.Len(t, payroll.Payslips, 1)
	require.Len(t, payroll.Payslips[0].Items, 2)
	assert.Equal(t, "1000", payroll.Payslips[0].Items[0].RubricCode)
	assert.True(t, decimal.RequireFromString("385").Equal(payroll.Payslips[0].Items[1].Amount))
	assert.True(t, emp.Salary.Equal(decimal.RequireFromString("3500")))
	assert.True(t, emp.BirthDate.IsZero())
}

// =============================================================================
// FAILURE INJECTION
// =============================================================================

func newMockStore(t *testing.T) (*sqlite.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS events").WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := sqlite.Open(db)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store, mock
}

func TestInsertEvent_MapsDriverUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO events").
		WillReturnError(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique})

	err := store.InsertEvent(context.Background(), sampleEvent("evt-1", 0))

	assert.ErrorIs(t, err, pipeline.ErrDuplicateEvent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_CommitFailureIsReported(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM company_configs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk full"))

	err := store.WithTx(context.Background(), func(tx pipeline.Store) error {
		return tx.DeleteCompanyConfig(context.Background(), "co-1")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_CallbackErrorRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := store.WithTx(context.Background(), func(pipeline.Store) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
