package pipeline_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/labor-events/catalog"
	"github.com/warp/labor-events/pipeline"
)

func TestCreateBatch_OneBlockingBatchPerGroup(t *testing.T) {
	// GIVEN: An open NON_PERIODIC batch
	f := newFixture(t)
	_, err := f.svc.CreateBatch(f.ctx, companyID, catalog.GroupNonPeriodic)
	require.NoError(t, err)

	// WHEN: Opening another one for the same group
	_, err = f.svc.CreateBatch(f.ctx, companyID, catalog.GroupNonPeriodic)

	// THEN: It conflicts, while other groups and companies are free
	var cerr *pipeline.ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "batch_exists", cerr.Code)

	_, err = f.svc.CreateBatch(f.ctx, companyID, catalog.GroupPeriodic)
	assert.NoError(t, err)
	_, err = f.svc.CreateBatch(f.ctx, "co-2", catalog.GroupNonPeriodic)
	assert.NoError(t, err)
}

func TestCreateBatch_AllowedAgainOnceSent(t *testing.T) {
	f := newFixture(t)
	ids := f.admissions("emp-1")
	b := f.closedBatch(ids...)
	_, err := f.svc.SendBatch(f.ctx, b.ID)
	require.NoError(t, err)

	_, err = f.svc.CreateBatch(f.ctx, companyID, catalog.GroupNonPeriodic)

	assert.NoError(t, err)
}

func TestCreateBatch_RejectsBadInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateBatch(f.ctx, companyID, "WEEKLY")
	assert.True(t, pipeline.IsInvalidRequest(err))

	_, err = f.svc.CreateBatch(f.ctx, "", catalog.GroupTables)
	assert.True(t, pipeline.IsInvalidRequest(err))
}

func TestAddEventsToBatch_ReportsEachItem(t *testing.T) {
	// GIVEN: A valid admission, a draft admission and a tables event
	f := newFixture(t)
	f.hire("emp-1", 4, validCPF)
	f.hire("emp-2", 5, "111.111.111-11")
	adm := f.generate(catalog.TypeAdmission)
	tables := f.generate(catalog.TypeEmployerInfo)
	validID, draftID := adm.Items[0].EventID, adm.Items[1].EventID
	tablesID := tables.Items[0].EventID

	b, err := f.svc.CreateBatch(f.ctx, companyID, catalog.GroupNonPeriodic)
	require.NoError(t, err)

	// WHEN: Adding all of them plus an unknown id, with a duplicate
	res, err := f.svc.AddEventsToBatch(f.ctx, b.ID, []string{validID, draftID, tablesID, "missing", validID})
	require.NoError(t, err)

	// THEN: Only the valid admission is queued
	assert.Equal(t, 1, res.Added)
	codes := map[string]string{}
	for _, it := range res.Items {
		codes[it.EventID] = it.Code
	}
	assert.Len(t, res.Items, 4)
	assert.Equal(t, "", codes[validID])
	assert.Equal(t, pipeline.ItemNotValidated, codes[draftID])
	assert.Equal(t, pipeline.ItemGroupMismatch, codes[tablesID])
	assert.Equal(t, pipeline.ItemNotFound, codes["missing"])

	queued := f.event(validID)
	assert.Equal(t, pipeline.EventQueued, queued.Status)
	assert.Equal(t, b.ID, queued.BatchID)
	require.NotNil(t, queued.Document)
	assert.Equal(t, int64(1), queued.Sequence)
	assert.Contains(t, string(queued.Document.Body), "evtAdmissao")

	// AND: Adding it again reports it as already batched
	res, err = f.svc.AddEventsToBatch(f.ctx, b.ID, []string{validID})
	require.NoError(t, err)
	assert.Equal(t, pipeline.ItemAlreadyBatched, res.Items[0].Code)
}

func TestAddEventsToBatch_PeriodicBatchRejectsNonPeriodicPerItem(t *testing.T) {
	// GIVEN: A PERIODIC batch already holding a February remuneration, and
	// a valid March admission
	f := newFixture(t)
	f.hire("emp-1", 4, validCPF)
	f.closedPayroll(2024, 2, "emp-1")
	remun, err := f.svc.GenerateEvents(f.ctx, pipeline.GenerateRequest{CompanyID: companyID, Year: 2024, Month: 2, Types: []catalog.EventType{catalog.TypeRemuneration}})
	require.NoError(t, err)
	require.Equal(t, 1, remun.Created)
	remunID := remun.Items[0].EventID
	require.Equal(t, pipeline.EventValidated, f.event(remunID).Status)
	admID := f.generate(catalog.TypeAdmission).Items[0].EventID

	b, err := f.svc.CreateBatch(f.ctx, companyID, catalog.GroupPeriodic)
	require.NoError(t, err)
	res, err := f.svc.AddEventsToBatch(f.ctx, b.ID, []string{remunID})
	require.NoError(t, err)
	require.Equal(t, 1, res.Added)

	// WHEN: Adding the admission together with the queued remuneration
	res, err = f.svc.AddEventsToBatch(f.ctx, b.ID, []string{admID, remunID})

	// THEN: Each item is rejected on its own and nothing is added
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added)
	codes := map[string]string{}
	for _, it := range res.Items {
		codes[it.EventID] = it.Code
	}
	assert.Equal(t, pipeline.ItemGroupMismatch, codes[admID])
	assert.Equal(t, pipeline.ItemAlreadyBatched, codes[remunID])

	// AND: The remuneration keeps its place in the batch
	queued := f.event(remunID)
	assert.Equal(t, pipeline.EventQueued, queued.Status)
	assert.Equal(t, b.ID, queued.BatchID)
	assert.Equal(t, int64(1), queued.Sequence)

	// AND: The admission is untouched
	adm := f.event(admID)
	assert.Equal(t, pipeline.EventValidated, adm.Status)
	assert.Empty(t, adm.BatchID)
}

func TestAddEventsToBatch_OtherCompanyAndClosedBatch(t *testing.T) {
	f := newFixture(t)
	ids := f.admissions("emp-1", "emp-2")

	other, err := f.svc.CreateBatch(f.ctx, "co-2", catalog.GroupNonPeriodic)
	require.NoError(t, err)
	f.configure("co-2", false, false)
	require.NoError(t, f.store.SaveCompany(f.ctx, companyRecord("co-2")))

	res, err := f.svc.AddEventsToBatch(f.ctx, other.ID, ids[:1])
	require.NoError(t, err)
	assert.Equal(t, pipeline.ItemCompanyMismatch, res.Items[0].Code)

	closed := f.closedBatch(ids[0])
	res, err = f.svc.AddEventsToBatch(f.ctx, closed.ID, ids[1:])
	require.NoError(t, err)
	assert.Equal(t, 0, res.Added)
	assert.Equal(t, pipeline.ItemBatchNotOpen, res.Items[0].Code)
}

func TestAddEventsToBatch_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.AddEventsToBatch(f.ctx, "missing", []string{"e"})
	assert.True(t, pipeline.IsNotFound(err))

	b, err := f.svc.CreateBatch(f.ctx, companyID, catalog.GroupNonPeriodic)
	require.NoError(t, err)
	_, err = f.svc.AddEventsToBatch(f.ctx, b.ID, nil)
	assert.True(t, pipeline.IsInvalidRequest(err))
}

func TestSequence_IncreasesPerCompany(t *testing.T) {
	f := newFixture(t)
	ids := f.admissions("emp-1", "emp-2")
	f.closedBatch(ids...)

	assert.Equal(t, int64(1), f.event(ids[0]).Sequence)
	assert.Equal(t, int64(2), f.event(ids[1]).Sequence)
	assert.NotEqual(t, f.event(ids[0]).Document.ExternalID, f.event(ids[1]).Document.ExternalID)
}

func TestCloseBatch(t *testing.T) {
	f := newFixture(t)
	b, err := f.svc.CreateBatch(f.ctx, companyID, catalog.GroupNonPeriodic)
	require.NoError(t, err)

	// An empty batch cannot be closed.
	_, err = f.svc.CloseBatch(f.ctx, b.ID)
	assert.True(t, pipeline.IsConflict(err))
	assert.Equal(t, pipeline.BatchOpen, f.batch(b.ID).Status)

	ids := f.admissions("emp-1")
	_, err = f.svc.AddEventsToBatch(f.ctx, b.ID, ids)
	require.NoError(t, err)
	closed, err := f.svc.CloseBatch(f.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.BatchClosed, closed.Status)

	// Closing twice is an invalid transition.
	_, err = f.svc.CloseBatch(f.ctx, b.ID)
	assert.ErrorIs(t, err, pipeline.ErrInvalidTransition)
}

func TestValidateBatch(t *testing.T) {
	// GIVEN: A closed batch with one admission
	f := newFixture(t)
	ids := f.admissions("emp-1")
	b := f.closedBatch(ids...)

	// WHEN: Validating it
	v, err := f.svc.ValidateBatch(f.ctx, b.ID)

	// THEN: Every member checks out
	require.NoError(t, err)
	assert.True(t, v.Valid)
	require.Len(t, v.Events, 1)
	assert.Empty(t, v.Events[0].Issues)

	// AND: An open empty batch is not valid
	empty, err := f.svc.CreateBatch(f.ctx, companyID, catalog.GroupPeriodic)
	require.NoError(t, err)
	v, err = f.svc.ValidateBatch(f.ctx, empty.ID)
	require.NoError(t, err)
	assert.False(t, v.Valid)
}

func TestBatchEvents_ListsMembers(t *testing.T) {
	f := newFixture(t)
	ids := f.admissions("emp-1", "emp-2")
	b := f.closedBatch(ids...)

	members, err := f.svc.BatchEvents(f.ctx, b.ID)

	require.NoError(t, err)
	assert.Len(t, members, 2)
	list, err := f.svc.ListBatches(f.ctx, pipeline.BatchFilter{CompanyID: companyID, Status: []pipeline.BatchStatus{pipeline.BatchClosed}})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
