// Package memory provides in-memory implementations of the pipeline, rubric
// and HR storage contracts, for tests and local experiments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/labor-events/hr"
	"github.com/warp/labor-events/pipeline"
	"github.com/warp/labor-events/rubric"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Store keeps every record in maps guarded by one mutex. WithTx snapshots
// the pipeline tables and restores them when fn fails.
type Store struct {
	mu   sync.RWMutex
	data tables
}

type tables struct {
	events    map[string]pipeline.Event
	batches   map[string]pipeline.Batch
	sequences map[string]int64
	configs   map[string]pipeline.CompanyConfig
	rubrics   map[string]rubric.Rubric

	companies    map[string]hr.Company
	employees    map[string]hr.Employee
	terminations map[string]hr.Termination
	leaves       map[string]hr.Leave
	payrolls     map[payrollKey]hr.Payroll
}

type payrollKey struct {
	CompanyID string
	Year      int
	Month     int
}

// New creates an empty store.
func New() *Store {
	return &Store{data: tables{
		events:       make(map[string]pipeline.Event),
		batches:      make(map[string]pipeline.Batch),
		sequences:    make(map[string]int64),
		configs:      make(map[string]pipeline.CompanyConfig),
		rubrics:      make(map[string]rubric.Rubric),
		companies:    make(map[string]hr.Company),
		employees:    make(map[string]hr.Employee),
		terminations: make(map[string]hr.Termination),
		leaves:       make(map[string]hr.Leave),
		payrolls:     make(map[payrollKey]hr.Payroll),
	}}
}

// WithTx runs fn with exclusive access. Pipeline writes made by fn are
// discarded when it returns an error. A cancelled ctx fails before fn runs.
func (s *Store) WithTx(ctx context.Context, fn func(tx pipeline.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := snapshot(s.data)
	if err := fn(&txView{t: &s.data}); err != nil {
		s.data.events = saved.events
		s.data.batches = saved.batches
		s.data.sequences = saved.sequences
		s.data.configs = saved.configs
		return err
	}
	return nil
}

func snapshot(t tables) tables {
	out := tables{
		events:    make(map[string]pipeline.Event, len(t.events)),
		batches:   make(map[string]pipeline.Batch, len(t.batches)),
		sequences: make(map[string]int64, len(t.sequences)),
		configs:   make(map[string]pipeline.CompanyConfig, len(t.configs)),
	}
	for k, v := range t.events {
		out.events[k] = v
	}
	for k, v := range t.batches {
		out.batches[k] = v
	}
	for k, v := range t.sequences {
		out.sequences[k] = v
	}
	for k, v := range t.configs {
		out.configs[k] = v
	}
	return out
}

// =============================================================================
// PIPELINE STORE
// =============================================================================

func (s *Store) GetEvent(ctx context.Context, id string) (*pipeline.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getEvent(id), nil
}

func (s *Store) ListEvents(ctx context.Context, f pipeline.EventFilter) ([]pipeline.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listEvents(f), nil
}

func (s *Store) InsertEvent(ctx context.Context, e pipeline.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.insertEvent(e)
}

func (s *Store) SaveEvent(ctx context.Context, e pipeline.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.events[e.ID] = cloneEvent(e)
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (*pipeline.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getBatch(id), nil
}

func (s *Store) ListBatches(ctx context.Context, f pipeline.BatchFilter) ([]pipeline.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listBatches(f), nil
}

func (s *Store) InsertBatch(ctx context.Context, b pipeline.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.insertBatch(b)
}

func (s *Store) SaveBatch(ctx context.Context, b pipeline.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.batches[b.ID] = cloneBatch(b)
	return nil
}

func (s *Store) NextSequence(ctx context.Context, companyID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.nextSequence(companyID), nil
}

func (s *Store) GetCompanyConfig(ctx context.Context, companyID string) (*pipeline.CompanyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.getConfig(companyID), nil
}

func (s *Store) ListCompanyConfigs(ctx context.Context) ([]pipeline.CompanyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.listConfigs(), nil
}

func (s *Store) SaveCompanyConfig(ctx context.Context, cfg pipeline.CompanyConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.configs[cfg.CompanyID] = cfg
	return nil
}

func (s *Store) DeleteCompanyConfig(ctx context.Context, companyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.configs, companyID)
	return nil
}

// txView is the pipeline.Store handed to WithTx callbacks. The caller
// already holds the write lock.
type txView struct {
	t *tables
}

func (v *txView) GetEvent(_ context.Context, id string) (*pipeline.Event, error) {
	return v.t.getEvent(id), nil
}

func (v *txView) ListEvents(_ context.Context, f pipeline.EventFilter) ([]pipeline.Event, error) {
	return v.t.listEvents(f), nil
}

func (v *txView) InsertEvent(_ context.Context, e pipeline.Event) error { return v.t.insertEvent(e) }

func (v *txView) SaveEvent(_ context.Context, e pipeline.Event) error {
	v.t.events[e.ID] = cloneEvent(e)
	return nil
}

func (v *txView) GetBatch(_ context.Context, id string) (*pipeline.Batch, error) {
	return v.t.getBatch(id), nil
}

func (v *txView) ListBatches(_ context.Context, f pipeline.BatchFilter) ([]pipeline.Batch, error) {
	return v.t.listBatches(f), nil
}

func (v *txView) InsertBatch(_ context.Context, b pipeline.Batch) error { return v.t.insertBatch(b) }

func (v *txView) SaveBatch(_ context.Context, b pipeline.Batch) error {
	v.t.batches[b.ID] = cloneBatch(b)
	return nil
}

func (v *txView) NextSequence(_ context.Context, companyID string) (int64, error) {
	return v.t.nextSequence(companyID), nil
}

func (v *txView) GetCompanyConfig(_ context.Context, companyID string) (*pipeline.CompanyConfig, error) {
	return v.t.getConfig(companyID), nil
}

func (v *txView) ListCompanyConfigs(context.Context) ([]pipeline.CompanyConfig, error) {
	return v.t.listConfigs(), nil
}

func (v *txView) SaveCompanyConfig(_ context.Context, cfg pipeline.CompanyConfig) error {
	v.t.configs[cfg.CompanyID] = cfg
	return nil
}

func (v *txView) DeleteCompanyConfig(_ context.Context, companyID string) error {
	delete(v.t.configs, companyID)
	return nil
}

// =============================================================================
// TABLE OPERATIONS (caller holds the lock)
// =============================================================================

func (t *tables) getEvent(id string) *pipeline.Event {
	e, ok := t.events[id]
	if !ok {
		return nil
	}
	c := cloneEvent(e)
	return &c
}

func (t *tables) insertEvent(e pipeline.Event) error {
	if _, ok := t.events[e.ID]; ok {
		return pipeline.ErrDuplicateEvent
	}
	t.events[e.ID] = cloneEvent(e)
	return nil
}

func (t *tables) listEvents(f pipeline.EventFilter) []pipeline.Event {
	out := []pipeline.Event{}
	for _, e := range t.events {
		if matchEvent(e, f) {
			out = append(out, cloneEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Sequence != b.Sequence {
			return a.Sequence < b.Sequence
		}
		if !a.GeneratedAt.Equal(b.GeneratedAt) {
			return a.GeneratedAt.Before(b.GeneratedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// reportingMonth is the event period, or the month of the trigger date for
// events without one.
func reportingMonth(e pipeline.Event) pipeline.Period {
	if e.Period != nil {
		return *e.Period
	}
	t := e.TriggerDate.UTC()
	return pipeline.Period{Year: t.Year(), Month: int(t.Month())}
}

func matchEvent(e pipeline.Event, f pipeline.EventFilter) bool {
	switch {
	case f.CompanyID != "" && e.CompanyID != f.CompanyID,
		f.Type != "" && e.Type != f.Type,
		f.Group != "" && e.Group != f.Group,
		f.EmployeeID != "" && e.EmployeeID != f.EmployeeID,
		f.BatchID != "" && e.BatchID != f.BatchID,
		f.LogicalKey != "" && e.LogicalKey != f.LogicalKey:
		return false
	}
	p := reportingMonth(e)
	if f.Year != 0 && p.Year != f.Year {
		return false
	}
	if f.Month != 0 && p.Month != f.Month {
		return false
	}
	if len(f.Status) > 0 {
		for _, st := range f.Status {
			if e.Status == st {
				return true
			}
		}
		return false
	}
	return true
}

func (t *tables) getBatch(id string) *pipeline.Batch {
	b, ok := t.batches[id]
	if !ok {
		return nil
	}
	c := cloneBatch(b)
	return &c
}

func (t *tables) insertBatch(b pipeline.Batch) error {
	if b.Status.Blocking() {
		for _, ex := range t.batches {
			if ex.CompanyID == b.CompanyID && ex.GroupType == b.GroupType && ex.Status.Blocking() {
				return pipeline.ErrBatchConflict
			}
		}
	}
	t.batches[b.ID] = cloneBatch(b)
	return nil
}

func (t *tables) listBatches(f pipeline.BatchFilter) []pipeline.Batch {
	out := []pipeline.Batch{}
	for _, b := range t.batches {
		if f.CompanyID != "" && b.CompanyID != f.CompanyID {
			continue
		}
		if f.GroupType != "" && b.GroupType != f.GroupType {
			continue
		}
		if len(f.Status) > 0 && !containsStatus(f.Status, b.Status) {
			continue
		}
		out = append(out, cloneBatch(b))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func containsStatus(list []pipeline.BatchStatus, s pipeline.BatchStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (t *tables) nextSequence(companyID string) int64 {
	t.sequences[companyID]++
	return t.sequences[companyID]
}

func (t *tables) getConfig(companyID string) *pipeline.CompanyConfig {
	cfg, ok := t.configs[companyID]
	if !ok {
		return nil
	}
	return &cfg
}

func (t *tables) listConfigs() []pipeline.CompanyConfig {
	out := make([]pipeline.CompanyConfig, 0, len(t.configs))
	for _, c := range t.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompanyID < out[j].CompanyID })
	return out
}

// cloneEvent copies the pointer fields so callers never share state with
// the store.
func cloneEvent(e pipeline.Event) pipeline.Event {
	if e.Period != nil {
		p := *e.Period
		e.Period = &p
	}
	if e.Document != nil {
		d := *e.Document
		e.Document = &d
	}
	if e.SubmissionError != nil {
		se := *e.SubmissionError
		e.SubmissionError = &se
	}
	e.ValidationErrors = append([]pipeline.ValidationIssue{}, e.ValidationErrors...)
	e.Payload = append([]byte(nil), e.Payload...)
	e.DueDate = cloneTime(e.DueDate)
	e.ValidatedAt = cloneTime(e.ValidatedAt)
	e.SentAt = cloneTime(e.SentAt)
	e.ProcessedAt = cloneTime(e.ProcessedAt)
	return e
}

func cloneBatch(b pipeline.Batch) pipeline.Batch {
	if b.ResultSummary != nil {
		rs := *b.ResultSummary
		b.ResultSummary = &rs
	}
	b.SentAt = cloneTime(b.SentAt)
	b.ProcessedAt = cloneTime(b.ProcessedAt)
	return b
}
