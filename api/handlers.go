/*
handlers.go - HTTP API handlers for the labor event pipeline

PURPOSE:
  Exposes the pipeline service, the rubric registry and the HR import
  surface via REST API. Handles HTTP request/response, JSON serialization,
  and delegates to the domain packages.

ENDPOINTS:
  Catalog:
    GET    /api/definitions                           Event type catalog

  Companies:
    PUT    /api/companies/{companyID}                  Import company record
    GET    /api/companies/{companyID}/config           Reporting settings
    PUT    /api/companies/{companyID}/config           Save settings
    DELETE /api/companies/{companyID}/config           Remove settings
    GET    /api/companies/{companyID}/dashboard        Pipeline counters

  HR import:
    POST   /api/companies/{companyID}/hr/employees     Upsert employees
    POST   /api/companies/{companyID}/hr/terminations  Upsert terminations
    POST   /api/companies/{companyID}/hr/leaves        Upsert leaves
    POST   /api/companies/{companyID}/hr/payrolls      Upsert one payroll

  Rubrics:
    GET    /api/companies/{companyID}/rubrics          List (code, type, active)
    POST   /api/companies/{companyID}/rubrics          Create
    GET    /api/rubrics/{id}                           Get
    PATCH  /api/rubrics/{id}                           Update mutable fields

  Events:
    GET    /api/companies/{companyID}/events           List with filters
    POST   /api/companies/{companyID}/events/generate  Generate for a month
    GET    /api/events/{id}                            Get
    POST   /api/events/{id}/validate                   Re-run validation
    POST   /api/events/{id}/cancel                     Cancel before sending
    POST   /api/events/{id}/exclude                    Retract an accepted event

  Batches:
    GET    /api/companies/{companyID}/batches          List
    POST   /api/companies/{companyID}/batches          Open a batch for a group
    GET    /api/batches/{id}                           Batch with members
    POST   /api/batches/{id}/events                    Add events
    POST   /api/batches/{id}/close                     Close
    GET    /api/batches/{id}/validate                  Pre-send check
    POST   /api/batches/{id}/send                      Transmit
    POST   /api/batches/{id}/check                     Poll the result

  Admin:
    POST   /api/admin/dispatch                         Run one dispatcher pass

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body, invalid input, rubric validation
  - 404: Unknown record
  - 409: Conflict (state transition, blocking batch, overlapping rubric)
  - 422: Missing or invalid company configuration
  - 502: The government gateway failed
  - 500: Internal errors

SECURITY NOTE:
  No authentication. The service is meant to run behind an internal
  gateway that terminates auth.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - pipeline/errors.go: Error categories mapped here
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/labor-events/catalog"
	"github.com/warp/labor-events/hr"
	"github.com/warp/labor-events/pipeline"
	"github.com/warp/labor-events/rubric"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	svc        *pipeline.Service
	dispatcher *pipeline.Dispatcher
	rubrics    *rubric.Registry
	hr         hr.Writer
	logger     *zap.Logger
}

// NewHandler creates a handler. A nil logger discards output.
func NewHandler(svc *pipeline.Service, rubrics *rubric.Registry, hrw hr.Writer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		svc:        svc,
		dispatcher: pipeline.NewDispatcher(svc),
		rubrics:    rubrics,
		hr:         hrw,
		logger:     logger,
	}
}

// =============================================================================
// CATALOG AND CONFIG HANDLERS
// =============================================================================

// ListDefinitions returns the event type catalog.
func (h *Handler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs := h.svc.Definitions()
	dtos := make([]DefinitionDTO, len(defs))
	for i, d := range defs {
		dtos[i] = toDefinitionDTO(d)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetConfig returns the company's reporting settings.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.GetConfig(r.Context(), chi.URLParam(r, "companyID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// SaveConfig creates or replaces the company's reporting settings.
func (h *Handler) SaveConfig(w http.ResponseWriter, r *http.Request) {
	var req CompanyConfigRequest
	if !decode(w, r, &req) {
		return
	}
	cfg, err := h.svc.SaveConfig(r.Context(), req.toConfig(chi.URLParam(r, "companyID")))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// DeleteConfig removes the company's reporting settings.
func (h *Handler) DeleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteConfig(r.Context(), chi.URLParam(r, "companyID")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetDashboard returns the company's pipeline counters.
func (h *Handler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.GetDashboard(r.Context(), chi.URLParam(r, "companyID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// =============================================================================
// HR IMPORT HANDLERS
// =============================================================================

// SaveCompany imports the employer record.
func (h *Handler) SaveCompany(w http.ResponseWriter, r *http.Request) {
	var req CompanyRequest
	if !decode(w, r, &req) {
		return
	}
	c := hr.Company{ID: chi.URLParam(r, "companyID"), Name: req.Name, TaxID: req.TaxID}
	if err := h.hr.SaveCompany(r.Context(), c); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ImportEmployees upserts a list of employees.
func (h *Handler) ImportEmployees(w http.ResponseWriter, r *http.Request) {
	var reqs []EmployeeRequest
	if !decode(w, r, &reqs) {
		return
	}
	companyID := chi.URLParam(r, "companyID")
	employees := make([]hr.Employee, 0, len(reqs))
	for i, req := range reqs {
		e, err := req.toEmployee(companyID)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("employee %d", i), err)
			return
		}
		employees = append(employees, e)
	}
	for _, e := range employees {
		if err := h.hr.SaveEmployee(r.Context(), e); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, ImportResult{Imported: len(employees)})
}

// ImportTerminations upserts a list of terminations.
func (h *Handler) ImportTerminations(w http.ResponseWriter, r *http.Request) {
	var reqs []TerminationRequest
	if !decode(w, r, &reqs) {
		return
	}
	records := make([]hr.Termination, 0, len(reqs))
	for i, req := range reqs {
		t, err := req.toTermination()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("termination %d", i), err)
			return
		}
		records = append(records, t)
	}
	for _, t := range records {
		if err := h.hr.SaveTermination(r.Context(), t); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, ImportResult{Imported: len(records)})
}

// ImportLeaves upserts a list of leaves.
func (h *Handler) ImportLeaves(w http.ResponseWriter, r *http.Request) {
	var reqs []LeaveRequest
	if !decode(w, r, &reqs) {
		return
	}
	records := make([]hr.Leave, 0, len(reqs))
	for i, req := range reqs {
		l, err := req.toLeave()
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("leave %d", i), err)
			return
		}
		records = append(records, l)
	}
	for _, l := range records {
		if err := h.hr.SaveLeave(r.Context(), l); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, ImportResult{Imported: len(records)})
}

// ImportPayroll upserts one monthly payroll with its payslips.
func (h *Handler) ImportPayroll(w http.ResponseWriter, r *http.Request) {
	var req PayrollRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := req.toPayroll(chi.URLParam(r, "companyID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payroll", err)
		return
	}
	if err := h.hr.SavePayroll(r.Context(), p); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ImportResult{Imported: 1})
}

// =============================================================================
// RUBRIC HANDLERS
// =============================================================================

// ListRubrics returns the company's rubrics. Query: code, type, active.
func (h *Handler) ListRubrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := rubric.Filter{Code: q.Get("code")}
	if v := q.Get("type"); v != "" {
		t := rubric.Type(strings.ToUpper(v))
		filter.Type = &t
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid active filter", err)
			return
		}
		filter.IsActive = &active
	}

	list, err := h.rubrics.List(r.Context(), chi.URLParam(r, "companyID"), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateRubric registers a rubric.
func (h *Handler) CreateRubric(w http.ResponseWriter, r *http.Request) {
	var req CreateRubricRequest
	if !decode(w, r, &req) {
		return
	}
	in, err := req.toInput(chi.URLParam(r, "companyID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rubric", err)
		return
	}
	created, err := h.rubrics.Create(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetRubric returns one rubric.
func (h *Handler) GetRubric(w http.ResponseWriter, r *http.Request) {
	rb, err := h.rubrics.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rb)
}

// UpdateRubric applies a patch to the mutable fields of a rubric.
func (h *Handler) UpdateRubric(w http.ResponseWriter, r *http.Request) {
	var req UpdateRubricRequest
	if !decode(w, r, &req) {
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rubric update", err)
		return
	}
	updated, err := h.rubrics.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// ListEvents returns the company's events.
// Query: status (comma separated), type, group, employee_id, batch_id,
// year, month.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := pipeline.EventFilter{
		CompanyID:  chi.URLParam(r, "companyID"),
		Type:       catalog.EventType(q.Get("type")),
		Group:      catalog.Group(q.Get("group")),
		EmployeeID: q.Get("employee_id"),
		BatchID:    q.Get("batch_id"),
	}
	for _, s := range splitList(q.Get("status")) {
		filter.Status = append(filter.Status, pipeline.EventStatus(strings.ToUpper(s)))
	}
	var err error
	if filter.Year, err = intParam(q.Get("year")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid year", err)
		return
	}
	if filter.Month, err = intParam(q.Get("month")); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid month", err)
		return
	}

	events, err := h.svc.ListEvents(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(events))
}

// GenerateEvents derives the month's events from HR data.
func (h *Handler) GenerateEvents(w http.ResponseWriter, r *http.Request) {
	var req GenerateRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.svc.GenerateEvents(r.Context(), pipeline.GenerateRequest{
		CompanyID:   chi.URLParam(r, "companyID"),
		Year:        req.Year,
		Month:       req.Month,
		Types:       req.Types,
		EmployeeIDs: req.EmployeeIDs,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetEvent returns one event.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ValidateEvent re-runs validation on a draft or invalid event.
func (h *Handler) ValidateEvent(w http.ResponseWriter, r *http.Request) {
	h.eventAction(w, r, h.svc.ValidateEvent)
}

// CancelEvent cancels an event that has not been sent.
func (h *Handler) CancelEvent(w http.ResponseWriter, r *http.Request) {
	h.eventAction(w, r, h.svc.CancelEvent)
}

// ExcludeEvent creates the exclusion event retracting an accepted event.
func (h *Handler) ExcludeEvent(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.ExcludeEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (h *Handler) eventAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) (*pipeline.Event, error)) {
	e, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// ListBatches returns the company's batches. Query: group_type, status.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := pipeline.BatchFilter{
		CompanyID: chi.URLParam(r, "companyID"),
		GroupType: catalog.Group(strings.ToUpper(q.Get("group_type"))),
	}
	for _, s := range splitList(q.Get("status")) {
		filter.Status = append(filter.Status, pipeline.BatchStatus(strings.ToUpper(s)))
	}
	batches, err := h.svc.ListBatches(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(batches))
}

// CreateBatch opens a batch for a group.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.svc.CreateBatch(r.Context(), chi.URLParam(r, "companyID"), req.GroupType)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// GetBatch returns a batch with its member events.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := h.svc.GetBatch(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	members, err := h.svc.BatchEvents(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BatchDTO{Batch: *b, Events: nonNil(members)})
}

// AddEvents adds events to an open batch. Per-event outcomes are in the
// body; the call itself succeeds even when some events are refused.
func (h *Handler) AddEvents(w http.ResponseWriter, r *http.Request) {
	var req AddEventsRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := h.svc.AddEventsToBatch(r.Context(), chi.URLParam(r, "id"), req.EventIDs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// CloseBatch closes an open batch.
func (h *Handler) CloseBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.CloseBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// ValidateBatch reports whether every member is ready to send.
func (h *Handler) ValidateBatch(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.ValidateBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// SendBatch transmits a closed batch.
func (h *Handler) SendBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.svc.SendBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// CheckBatch polls the result of a sent batch.
func (h *Handler) CheckBatch(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.CheckBatchResult(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerDispatch runs one dispatcher pass synchronously.
func (h *Handler) TriggerDispatch(w http.ResponseWriter, r *http.Request) {
	report, err := h.dispatcher.RunOnce(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps domain errors to HTTP status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request_failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeError(w, status, message, err)
}

func classify(err error) (int, string) {
	switch {
	case pipeline.IsNotFound(err), errors.Is(err, rubric.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case pipeline.IsConfiguration(err):
		return http.StatusUnprocessableEntity, "Invalid company configuration"
	case pipeline.IsConflict(err),
		errors.Is(err, rubric.ErrOverlappingValidity),
		errors.Is(err, rubric.ErrImmutableField):
		return http.StatusConflict, "Conflict"
	case pipeline.IsInvalidRequest(err), errors.Is(err, rubric.ErrInvalidRubric):
		return http.StatusBadRequest, "Invalid request"
	case pipeline.IsTransport(err):
		return http.StatusBadGateway, "Gateway failure"
	}
	return http.StatusInternalServerError, "Internal error"
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
