package rubric_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/labor-events/rubric"
	"github.com/warp/labor-events/store/memory"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ptr[T any](v T) *T { return &v }

var normal = rubric.Incidences{
	SocialSecurity: rubric.IncidenceNormal,
	IncomeTax:      rubric.IncidenceNormal,
	Severance:      rubric.IncidenceNormal,
	UnionDues:      rubric.IncidenceNotApplicable,
}

func newRegistry(t *testing.T) (*rubric.Registry, context.Context) {
	t.Helper()
	n := 0
	reg := rubric.NewRegistry(memory.New(),
		rubric.WithClock(func() time.Time { return day(2024, 3, 1) }),
		rubric.WithIDGenerator(func() string { n++; return fmt.Sprintf("rb-%d", n) }))
	return reg, context.Background()
}

func salary(start time.Time, end *time.Time) rubric.CreateInput {
	return rubric.CreateInput{
		CompanyID:  "co-1",
		Code:       "101",
		Name:       "Base salary",
		Type:       rubric.TypeEarning,
		Incidences: normal,
		NatureCode: "1000",
		StartDate:  start,
		EndDate:    end,
	}
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_StoresActiveRubric(t *testing.T) {
	reg, ctx := newRegistry(t)

	rb, err := reg.Create(ctx, salary(time.Date(2024, 1, 1, 15, 30, 0, 0, time.UTC), nil))

	require.NoError(t, err)
	assert.Equal(t, "rb-1", rb.ID)
	assert.True(t, rb.IsActive)
	assert.Equal(t, day(2024, 1, 1), rb.StartDate, "start is truncated to the day")
	assert.Equal(t, day(2024, 3, 1), rb.CreatedAt)

	got, err := reg.Get(ctx, rb.ID)
	require.NoError(t, err)
	assert.Equal(t, rb.Code, got.Code)
}

func TestCreate_RejectsInvalidInput(t *testing.T) {
	reg, ctx := newRegistry(t)

	tests := []struct {
		name  string
		edit  func(*rubric.CreateInput)
		field string
	}{
		{"missing code", func(in *rubric.CreateInput) { in.Code = "  " }, "code"},
		{"missing name", func(in *rubric.CreateInput) { in.Name = "" }, "name"},
		{"unknown type", func(in *rubric.CreateInput) { in.Type = "BONUS" }, "type"},
		{"missing nature", func(in *rubric.CreateInput) { in.NatureCode = "" }, "nature_code"},
		{"missing start", func(in *rubric.CreateInput) { in.StartDate = time.Time{} }, "start_date"},
		{"end before start", func(in *rubric.CreateInput) { in.EndDate = ptr(day(2023, 12, 31)) }, "end_date"},
		{"unknown incidence", func(in *rubric.CreateInput) { in.Incidences.IncomeTax = "SOMETIMES" }, "incidences.income_tax"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := salary(day(2024, 1, 1), nil)
			tt.edit(&in)

			_, err := reg.Create(ctx, in)

			require.ErrorIs(t, err, rubric.ErrInvalidRubric)
			var verr *rubric.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCreate_OverlapRule(t *testing.T) {
	// GIVEN: Code 101 active for 2024-01-01..2024-06-30
	reg, ctx := newRegistry(t)
	_, err := reg.Create(ctx, salary(day(2024, 1, 1), ptr(day(2024, 6, 30))))
	require.NoError(t, err)

	// WHEN: A window touching the last day is created
	_, err = reg.Create(ctx, salary(day(2024, 6, 30), nil))

	// THEN: It overlaps
	assert.ErrorIs(t, err, rubric.ErrOverlappingValidity)

	// AND: The next day, another code, or another company are fine
	_, err = reg.Create(ctx, salary(day(2024, 7, 1), nil))
	assert.NoError(t, err)

	other := salary(day(2024, 1, 1), nil)
	other.Code = "102"
	_, err = reg.Create(ctx, other)
	assert.NoError(t, err)

	other = salary(day(2024, 1, 1), nil)
	other.CompanyID = "co-2"
	_, err = reg.Create(ctx, other)
	assert.NoError(t, err)
}

func TestCreate_InactiveRubricsDoNotBlock(t *testing.T) {
	reg, ctx := newRegistry(t)
	rb, err := reg.Create(ctx, salary(day(2024, 1, 1), nil))
	require.NoError(t, err)
	_, err = reg.Update(ctx, rb.ID, rubric.Patch{IsActive: ptr(false)})
	require.NoError(t, err)

	_, err = reg.Create(ctx, salary(day(2024, 2, 1), nil))

	assert.NoError(t, err)
}

// =============================================================================
// UPDATE
// =============================================================================

func TestUpdate_ImmutableFields(t *testing.T) {
	reg, ctx := newRegistry(t)
	rb, err := reg.Create(ctx, salary(day(2024, 1, 1), nil))
	require.NoError(t, err)

	changed := normal
	changed.IncomeTax = rubric.IncidenceExempt

	for _, p := range []rubric.Patch{
		{Type: ptr(rubric.TypeDeduction)},
		{NatureCode: ptr("9999")},
		{Incidences: &changed},
	} {
		_, err := reg.Update(ctx, rb.ID, p)
		assert.ErrorIs(t, err, rubric.ErrImmutableField)
	}

	// Resending the stored values is not a change.
	same := normal
	_, err = reg.Update(ctx, rb.ID, rubric.Patch{Type: ptr(rubric.TypeEarning), Incidences: &same, Name: ptr("Salary")})
	require.NoError(t, err)
	got, err := reg.Get(ctx, rb.ID)
	require.NoError(t, err)
	assert.Equal(t, "Salary", got.Name)
}

func TestUpdate_EndDateOnlyNarrows(t *testing.T) {
	reg, ctx := newRegistry(t)
	rb, err := reg.Create(ctx, salary(day(2024, 1, 1), nil))
	require.NoError(t, err)

	closed, err := reg.Update(ctx, rb.ID, rubric.Patch{EndDate: ptr(day(2024, 6, 30))})
	require.NoError(t, err)
	require.NotNil(t, closed.EndDate)
	assert.Equal(t, day(2024, 6, 30), *closed.EndDate)

	_, err = reg.Update(ctx, rb.ID, rubric.Patch{EndDate: ptr(day(2024, 12, 31))})
	assert.ErrorIs(t, err, rubric.ErrInvalidRubric)

	_, err = reg.Update(ctx, rb.ID, rubric.Patch{EndDate: ptr(day(2023, 12, 31))})
	assert.ErrorIs(t, err, rubric.ErrInvalidRubric)
}

func TestUpdate_ReactivationChecksOverlap(t *testing.T) {
	// GIVEN: A deactivated rubric replaced by a new window
	reg, ctx := newRegistry(t)
	old, err := reg.Create(ctx, salary(day(2024, 1, 1), nil))
	require.NoError(t, err)
	_, err = reg.Update(ctx, old.ID, rubric.Patch{IsActive: ptr(false)})
	require.NoError(t, err)
	_, err = reg.Create(ctx, salary(day(2024, 3, 1), nil))
	require.NoError(t, err)

	// WHEN: Reactivating the old one
	_, err = reg.Update(ctx, old.ID, rubric.Patch{IsActive: ptr(true)})

	// THEN: The overlap rule refuses it
	assert.ErrorIs(t, err, rubric.ErrOverlappingValidity)

	// AND: Narrowing it before the new window makes it acceptable
	_, err = reg.Update(ctx, old.ID, rubric.Patch{IsActive: ptr(true), EndDate: ptr(day(2024, 2, 29))})
	assert.NoError(t, err)
}

func TestUpdate_NotFound(t *testing.T) {
	reg, ctx := newRegistry(t)

	_, err := reg.Update(ctx, "missing", rubric.Patch{Name: ptr("x")})

	assert.ErrorIs(t, err, rubric.ErrNotFound)
}

// =============================================================================
// RESOLUTION
// =============================================================================

func TestResolve_PicksWindowForDate(t *testing.T) {
	// GIVEN: Code 101 taxed normally until June, exempt from July
	reg, ctx := newRegistry(t)
	first, err := reg.Create(ctx, salary(day(2024, 1, 1), ptr(day(2024, 6, 30))))
	require.NoError(t, err)
	in := salary(day(2024, 7, 1), nil)
	in.Incidences.IncomeTax = rubric.IncidenceExempt
	second, err := reg.Create(ctx, in)
	require.NoError(t, err)

	// THEN: Each date resolves to the window that covers it
	got, err := reg.Resolve(ctx, "co-1", "101", day(2024, 6, 30))
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = reg.Resolve(ctx, "co-1", "101", day(2025, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	got, err = reg.Resolve(ctx, "co-1", "101", day(2023, 12, 31))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolveForPeriod_PrefersLatestStart(t *testing.T) {
	reg, ctx := newRegistry(t)
	_, err := reg.Create(ctx, salary(day(2024, 1, 1), ptr(day(2024, 3, 14))))
	require.NoError(t, err)
	later, err := reg.Create(ctx, salary(day(2024, 3, 15), nil))
	require.NoError(t, err)

	got, err := reg.ResolveForPeriod(ctx, "co-1", "101", day(2024, 3, 1), day(2024, 3, 31))

	require.NoError(t, err)
	assert.Equal(t, later.ID, got.ID)

	got, err = reg.ResolveForPeriod(ctx, "co-1", "999", day(2024, 3, 1), day(2024, 3, 31))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestActiveAt_SortedByCode(t *testing.T) {
	reg, ctx := newRegistry(t)
	for _, code := range []string{"300", "101", "200"} {
		in := salary(day(2024, 1, 1), nil)
		in.Code = code
		_, err := reg.Create(ctx, in)
		require.NoError(t, err)
	}
	expired := salary(day(2023, 1, 1), ptr(day(2023, 12, 31)))
	expired.Code = "050"
	_, err := reg.Create(ctx, expired)
	require.NoError(t, err)

	active, err := reg.ActiveAt(ctx, "co-1", day(2024, 3, 31))

	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, []string{"101", "200", "300"}, []string{active[0].Code, active[1].Code, active[2].Code})
}

func TestList_Filters(t *testing.T) {
	reg, ctx := newRegistry(t)
	_, err := reg.Create(ctx, salary(day(2024, 1, 1), nil))
	require.NoError(t, err)
	in := salary(day(2024, 1, 1), nil)
	in.Code = "501"
	in.Type = rubric.TypeDeduction
	_, err = reg.Create(ctx, in)
	require.NoError(t, err)

	deductions, err := reg.List(ctx, "co-1", rubric.Filter{Type: ptr(rubric.TypeDeduction)})
	require.NoError(t, err)
	require.Len(t, deductions, 1)
	assert.Equal(t, "501", deductions[0].Code)

	all, err := reg.List(ctx, "co-1", rubric.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
