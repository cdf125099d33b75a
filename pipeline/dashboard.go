package pipeline

import (
	"context"
	"time"

	"github.com/warp/labor-events/catalog"
)

// DueSoonWindow is how far ahead the dashboard looks for upcoming deadlines.
const DueSoonWindow = 7 * 24 * time.Hour

// Dashboard aggregates the pipeline state of one employer.
type Dashboard struct {
	CompanyID      string                                `json:"company_id"`
	TotalEvents    int                                   `json:"total_events"`
	EventsByState  map[EventStatus]int                   `json:"events_by_status"`
	EventsByGroup  map[catalog.Group]map[EventStatus]int `json:"events_by_group"`
	BatchesByState map[BatchStatus]int                   `json:"batches_by_status"`
	Overdue        int                                   `json:"overdue"`
	DueSoon        int                                   `json:"due_soon"`
	GeneratedAt    time.Time                             `json:"generated_at"`
}

// GetDashboard counts events per status and group, batches per status,
// and pending events that are overdue or due within DueSoonWindow.
func (s *Service) GetDashboard(ctx context.Context, companyID string) (*Dashboard, error) {
	if companyID == "" {
		return nil, invalidRequest("company_id is required")
	}
	events, err := s.store.ListEvents(ctx, EventFilter{CompanyID: companyID})
	if err != nil {
		return nil, err
	}
	batches, err := s.store.ListBatches(ctx, BatchFilter{CompanyID: companyID})
	if err != nil {
		return nil, err
	}

	now := s.clock()
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	horizon := today.Add(DueSoonWindow)

	out := &Dashboard{
		CompanyID:      companyID,
		TotalEvents:    len(events),
		EventsByState:  make(map[EventStatus]int),
		EventsByGroup:  make(map[catalog.Group]map[EventStatus]int),
		BatchesByState: make(map[BatchStatus]int),
		GeneratedAt:    now,
	}
	for _, st := range EventStatuses() {
		out.EventsByState[st] = 0
	}
	for _, g := range catalog.Groups() {
		out.EventsByGroup[g] = make(map[EventStatus]int)
	}
	for _, st := range BatchStatuses() {
		out.BatchesByState[st] = 0
	}

	for _, e := range events {
		out.EventsByState[e.Status]++
		if byGroup, ok := out.EventsByGroup[e.Group]; ok {
			byGroup[e.Status]++
		}
		if !e.Status.Pending() || e.DueDate == nil || e.SupersededBy != "" {
			continue
		}
		switch {
		case e.DueDate.Before(today):
			out.Overdue++
		case !e.DueDate.After(horizon):
			out.DueSoon++
		}
	}
	for _, b := range batches {
		out.BatchesByState[b.Status]++
	}
	return out, nil
}
