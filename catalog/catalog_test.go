package catalog_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/labor-events/catalog"
)

func TestLookup_KnownType(t *testing.T) {
	def, err := catalog.Lookup(catalog.TypeAdmission)
	require.NoError(t, err)

	assert.Equal(t, catalog.GroupNonPeriodic, def.Group)
	require.NotNil(t, def.DeadlineDays)
	assert.Equal(t, 1, *def.DeadlineDays)
}

func TestLookup_UnknownType(t *testing.T) {
	_, err := catalog.Lookup("S-9999")

	var unknown *catalog.UnknownEventTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, catalog.EventType("S-9999"), unknown.Type)
	assert.ErrorIs(t, err, catalog.ErrUnknownEventType)
}

func TestDeadline(t *testing.T) {
	trigger := time.Date(2026, time.January, 10, 14, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		typ     catalog.EventType
		want    *time.Time
		wantErr bool
	}{
		{
			name: "one day offset",
			typ:  catalog.TypeAdmission,
			want: ptr(time.Date(2026, time.January, 11, 0, 0, 0, 0, time.UTC)),
		},
		{
			name: "calendar days cross month end",
			typ:  catalog.TypeRemuneration,
			want: ptr(time.Date(2026, time.January, 25, 0, 0, 0, 0, time.UTC)),
		},
		{
			name: "no fixed deadline",
			typ:  catalog.TypeExclusion,
			want: nil,
		},
		{
			name:    "unknown type",
			typ:     "S-0000",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := catalog.Deadline(tt.typ, trigger)
			if tt.wantErr {
				assert.ErrorIs(t, err, catalog.ErrUnknownEventType)
				return
			}
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, tt.want.Equal(*got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestDeadline_WeekendsAreNotSkipped(t *testing.T) {
	// GIVEN: A termination on Friday 2026-01-09 (10-day deadline)
	// WHEN: Computing the deadline
	// THEN: Plain calendar arithmetic lands on Monday 2026-01-19

	due, err := catalog.Deadline(catalog.TypeTermination, time.Date(2026, time.January, 9, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NotNil(t, due)
	assert.Equal(t, "2026-01-19", due.Format("2006-01-02"))
}

func TestDefinitions_SortedAndComplete(t *testing.T) {
	defs := catalog.Definitions()
	require.Len(t, defs, 16)

	seen := make(map[catalog.EventType]bool)
	for i, d := range defs {
		assert.False(t, seen[d.Type], "duplicate definition for %s", d.Type)
		seen[d.Type] = true
		assert.True(t, d.Group.Valid(), "invalid group for %s", d.Type)
		assert.NotEmpty(t, d.Name)
		if i > 0 {
			assert.Less(t, string(defs[i-1].Type), string(d.Type))
		}
	}
}

func ptr(t time.Time) *time.Time { return &t }
