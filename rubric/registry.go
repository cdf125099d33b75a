package rubric

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry is the rubric service. Writes are serialized so the overlap
// check and the save happen atomically with respect to other writers.
type Registry struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
	newID  func() string

	mu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

func WithLogger(l *zap.Logger) Option { return func(r *Registry) { r.logger = l } }

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func WithIDGenerator(fn func() string) Option { return func(r *Registry) { r.newID = fn } }

// NewRegistry creates a Registry over store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// CreateInput is the payload of Create.
type CreateInput struct {
	CompanyID  string     `json:"company_id"`
	Code       string     `json:"code"`
	Name       string     `json:"name"`
	Type       Type       `json:"type"`
	Incidences Incidences `json:"incidences"`
	NatureCode string     `json:"nature_code"`
	StartDate  time.Time  `json:"start_date"`
	EndDate    *time.Time `json:"end_date,omitempty"`
}

// Patch is the payload of Update. Nil fields are left untouched.
// Type, NatureCode and Incidences are accepted only to be rejected when
// they differ from the stored value.
type Patch struct {
	Name       *string     `json:"name,omitempty"`
	EndDate    *time.Time  `json:"end_date,omitempty"`
	IsActive   *bool       `json:"is_active,omitempty"`
	Type       *Type       `json:"type,omitempty"`
	NatureCode *string     `json:"nature_code,omitempty"`
	Incidences *Incidences `json:"incidences,omitempty"`
}

// List returns the employer's rubrics ordered by code then start date.
func (r *Registry) List(ctx context.Context, companyID string, filter Filter) ([]Rubric, error) {
	list, err := r.store.ListRubrics(ctx, companyID, filter)
	if err != nil {
		return nil, fmt.Errorf("list rubrics: %w", err)
	}
	sortRubrics(list)
	return list, nil
}

// Get returns a rubric by id.
func (r *Registry) Get(ctx context.Context, id string) (*Rubric, error) {
	rb, err := r.store.GetRubric(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get rubric: %w", err)
	}
	if rb == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rb, nil
}

// Create validates input and stores a new active rubric.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*Rubric, error) {
	in.Code = strings.TrimSpace(in.Code)
	if err := validateInput(in); err != nil {
		return nil, err
	}

	start := truncateDay(in.StartDate)
	var end *time.Time
	if in.EndDate != nil {
		e := truncateDay(*in.EndDate)
		end = &e
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOverlap(ctx, in.CompanyID, in.Code, "", start, end); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	rb := Rubric{
		ID:         r.newID(),
		CompanyID:  in.CompanyID,
		Code:       in.Code,
		Name:       in.Name,
		Type:       in.Type,
		Incidences: in.Incidences,
		NatureCode: in.NatureCode,
		StartDate:  start,
		EndDate:    end,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.store.SaveRubric(ctx, rb); err != nil {
		return nil, fmt.Errorf("save rubric: %w", err)
	}

	r.logger.Info("rubric_created",
		zap.String("company_id", rb.CompanyID),
		zap.String("code", rb.Code),
		zap.String("rubric_id", rb.ID))
	return &rb, nil
}

// Update applies patch to a stored rubric. EndDate may only narrow the
// window and reactivation re-checks the overlap rule.
func (r *Registry) Update(ctx context.Context, id string, p Patch) (*Rubric, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.store.GetRubric(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get rubric: %w", err)
	}
	if cur == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if p.Type != nil && *p.Type != cur.Type {
		return nil, &ValidationError{Field: "type", Message: "create a new rubric to change the type", Err: ErrImmutableField}
	}
	if p.NatureCode != nil && *p.NatureCode != cur.NatureCode {
		return nil, &ValidationError{Field: "nature_code", Message: "create a new rubric to change the nature code", Err: ErrImmutableField}
	}
	if p.Incidences != nil && *p.Incidences != cur.Incidences {
		return nil, &ValidationError{Field: "incidences", Message: "close this rubric and create a new one to change incidence", Err: ErrImmutableField}
	}

	next := *cur
	if p.Name != nil {
		next.Name = *p.Name
	}
	if p.EndDate != nil {
		end := truncateDay(*p.EndDate)
		if end.Before(next.StartDate) {
			return nil, invalid("end_date", "must not be before start_date")
		}
		if cur.EndDate != nil && end.After(*cur.EndDate) {
			return nil, invalid("end_date", "may only be narrowed")
		}
		next.EndDate = &end
	}
	if p.IsActive != nil {
		next.IsActive = *p.IsActive
	}

	if next.IsActive && !cur.IsActive {
		if err := r.checkOverlap(ctx, next.CompanyID, next.Code, next.ID, next.StartDate, next.EndDate); err != nil {
			return nil, err
		}
	}

	next.UpdatedAt = r.now().UTC()
	if err := r.store.SaveRubric(ctx, next); err != nil {
		return nil, fmt.Errorf("save rubric: %w", err)
	}

	r.logger.Info("rubric_updated",
		zap.String("rubric_id", next.ID),
		zap.Bool("is_active", next.IsActive))
	return &next, nil
}

// Resolve returns the active rubric of code whose window contains at,
// or nil when none applies.
func (r *Registry) Resolve(ctx context.Context, companyID, code string, at time.Time) (*Rubric, error) {
	active := true
	list, err := r.store.ListRubrics(ctx, companyID, Filter{Code: code, IsActive: &active})
	if err != nil {
		return nil, fmt.Errorf("resolve rubric: %w", err)
	}
	for i := range list {
		if list[i].Covers(at) {
			return &list[i], nil
		}
	}
	return nil, nil
}

// ResolveForPeriod returns the active rubric of code whose window
// intersects [from, to], preferring the latest start. Nil when none.
func (r *Registry) ResolveForPeriod(ctx context.Context, companyID, code string, from, to time.Time) (*Rubric, error) {
	active := true
	list, err := r.store.ListRubrics(ctx, companyID, Filter{Code: code, IsActive: &active})
	if err != nil {
		return nil, fmt.Errorf("resolve rubric: %w", err)
	}
	from, to = truncateDay(from), truncateDay(to)

	var best *Rubric
	for i := range list {
		if !list[i].Overlaps(from, &to) {
			continue
		}
		if best == nil || list[i].StartDate.After(best.StartDate) {
			best = &list[i]
		}
	}
	return best, nil
}

// ActiveAt returns every active rubric of the employer valid on day.
func (r *Registry) ActiveAt(ctx context.Context, companyID string, day time.Time) ([]Rubric, error) {
	active := true
	list, err := r.store.ListRubrics(ctx, companyID, Filter{IsActive: &active})
	if err != nil {
		return nil, fmt.Errorf("list active rubrics: %w", err)
	}
	out := list[:0]
	for _, rb := range list {
		if rb.Covers(day) {
			out = append(out, rb)
		}
	}
	sortRubrics(out)
	return out, nil
}

func (r *Registry) checkOverlap(ctx context.Context, companyID, code, selfID string, start time.Time, end *time.Time) error {
	active := true
	existing, err := r.store.ListRubrics(ctx, companyID, Filter{Code: code, IsActive: &active})
	if err != nil {
		return fmt.Errorf("list rubrics: %w", err)
	}
	for _, ex := range existing {
		if ex.ID == selfID {
			continue
		}
		if ex.Overlaps(start, end) {
			return &ValidationError{
				Field:   "start_date",
				Message: fmt.Sprintf("code %s already active from %s (rubric %s)", code, ex.StartDate.Format("2006-01-02"), ex.ID),
				Err:     ErrOverlappingValidity,
			}
		}
	}
	return nil
}

func validateInput(in CreateInput) error {
	switch {
	case in.CompanyID == "":
		return invalid("company_id", "required")
	case in.Code == "":
		return invalid("code", "required")
	case strings.TrimSpace(in.Name) == "":
		return invalid("name", "required")
	case !in.Type.Valid():
		return invalid("type", fmt.Sprintf("unknown type %q", in.Type))
	case strings.TrimSpace(in.NatureCode) == "":
		return invalid("nature_code", "required")
	case in.StartDate.IsZero():
		return invalid("start_date", "required")
	}
	if in.EndDate != nil && truncateDay(*in.EndDate).Before(truncateDay(in.StartDate)) {
		return invalid("end_date", "must not be before start_date")
	}
	if err := in.Incidences.validate(); err != nil {
		return err
	}
	return nil
}

func sortRubrics(list []Rubric) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Code != list[j].Code {
			return list[i].Code < list[j].Code
		}
		return list[i].StartDate.Before(list[j].StartDate)
	})
}
