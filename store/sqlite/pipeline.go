package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/warp/labor-events/catalog"
	"github.com/warp/labor-events/document"
	"github.com/warp/labor-events/pipeline"
)

// =============================================================================
// EVENT STORE (pipeline.Store interface)
// =============================================================================

const eventColumns = `id, company_id, type, group_type, status, logical_key, revision,
	subject, employee_id, period_year, period_month, batch_id, sequence,
	payload_json, document_json, validation_errors_json, submission_error_json,
	receipt, references_event_id, superseded_by, trigger_date, due_date,
	generated_at, validated_at, sent_at, processed_at`

func (c *conn) GetEvent(ctx context.Context, id string) (*pipeline.Event, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return e, nil
}

func (c *conn) ListEvents(ctx context.Context, f pipeline.EventFilter) ([]pipeline.Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if f.CompanyID != "" {
		add("company_id = ?", f.CompanyID)
	}
	if f.Type != "" {
		add("type = ?", string(f.Type))
	}
	if f.Group != "" {
		add("group_type = ?", string(f.Group))
	}
	if f.EmployeeID != "" {
		add("employee_id = ?", f.EmployeeID)
	}
	if f.BatchID != "" {
		add("batch_id = ?", f.BatchID)
	}
	if f.LogicalKey != "" {
		add("logical_key = ?", f.LogicalKey)
	}
	// Events without a period belong to the month of their trigger date.
	if f.Year != 0 {
		where = append(where, "(period_year = ? OR (period_year IS NULL AND CAST(substr(trigger_date, 1, 4) AS INTEGER) = ?))")
		args = append(args, f.Year, f.Year)
	}
	if f.Month != 0 {
		where = append(where, "(period_month = ? OR (period_month IS NULL AND CAST(substr(trigger_date, 6, 2) AS INTEGER) = ?))")
		args = append(args, f.Month, f.Month)
	}
	if len(f.Status) > 0 {
		marks := make([]string, len(f.Status))
		for i, st := range f.Status {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY sequence, generated_at, id"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []pipeline.Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (c *conn) InsertEvent(ctx context.Context, e pipeline.Event) error {
	args, err := eventArgs(e)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	if isUniqueConstraintError(err) {
		return pipeline.ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// SaveEvent updates every mutable column of an existing event.
func (c *conn) SaveEvent(ctx context.Context, e pipeline.Event) error {
	args, err := eventArgs(e)
	if err != nil {
		return err
	}
	// eventArgs starts with the id; move it to the WHERE clause.
	args = append(args[1:], args[0])
	_, err = c.q.ExecContext(ctx, `
		UPDATE events SET
			company_id = ?, type = ?, group_type = ?, status = ?, logical_key = ?,
			revision = ?, subject = ?, employee_id = ?, period_year = ?, period_month = ?,
			batch_id = ?, sequence = ?, payload_json = ?, document_json = ?,
			validation_errors_json = ?, submission_error_json = ?, receipt = ?,
			references_event_id = ?, superseded_by = ?, trigger_date = ?, due_date = ?,
			generated_at = ?, validated_at = ?, sent_at = ?, processed_at = ?
		WHERE id = ?
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// eventArgs returns the column values in eventColumns order.
func eventArgs(e pipeline.Event) ([]any, error) {
	var year, month sql.NullInt64
	if e.Period != nil {
		year = sql.NullInt64{Int64: int64(e.Period.Year), Valid: true}
		month = sql.NullInt64{Int64: int64(e.Period.Month), Valid: true}
	}

	var doc sql.NullString
	if e.Document != nil {
		b, err := json.Marshal(e.Document)
		if err != nil {
			return nil, fmt.Errorf("failed to encode document: %w", err)
		}
		doc = sql.NullString{String: string(b), Valid: true}
	}

	issues := e.ValidationErrors
	if issues == nil {
		issues = []pipeline.ValidationIssue{}
	}
	issuesJSON, err := json.Marshal(issues)
	if err != nil {
		return nil, fmt.Errorf("failed to encode validation errors: %w", err)
	}

	var subErr sql.NullString
	if e.SubmissionError != nil {
		b, err := json.Marshal(e.SubmissionError)
		if err != nil {
			return nil, fmt.Errorf("failed to encode submission error: %w", err)
		}
		subErr = sql.NullString{String: string(b), Valid: true}
	}

	payload := string(e.Payload)
	if payload == "" {
		payload = "null"
	}

	return []any{
		e.ID, e.CompanyID, string(e.Type), string(e.Group), string(e.Status),
		e.LogicalKey, e.Revision, e.Subject, e.EmployeeID, year, month,
		e.BatchID, e.Sequence, payload, doc, string(issuesJSON), subErr,
		e.Receipt, e.ReferencesEventID, e.SupersededBy,
		formatTime(e.TriggerDate), formatTimePtr(e.DueDate),
		formatTime(e.GeneratedAt), formatTimePtr(e.ValidatedAt),
		formatTimePtr(e.SentAt), formatTimePtr(e.ProcessedAt),
	}, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*pipeline.Event, error) {
	var (
		e                               pipeline.Event
		typ, group, status              string
		year, month                     sql.NullInt64
		payload, issuesJSON             string
		doc, subErr                     sql.NullString
		trigger, generated              string
		due, validated, sent, processed sql.NullString
	)
	err := s.Scan(
		&e.ID, &e.CompanyID, &typ, &group, &status, &e.LogicalKey, &e.Revision,
		&e.Subject, &e.EmployeeID, &year, &month, &e.BatchID, &e.Sequence,
		&payload, &doc, &issuesJSON, &subErr,
		&e.Receipt, &e.ReferencesEventID, &e.SupersededBy, &trigger, &due,
		&generated, &validated, &sent, &processed,
	)
	if err != nil {
		return nil, err
	}

	e.Type = catalog.EventType(typ)
	e.Group = catalog.Group(group)
	e.Status = pipeline.EventStatus(status)
	if year.Valid && month.Valid {
		e.Period = &pipeline.Period{Year: int(year.Int64), Month: int(month.Int64)}
	}
	e.Payload = json.RawMessage(payload)
	if doc.Valid {
		var d document.Document
		if err := json.Unmarshal([]byte(doc.String), &d); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		e.Document = &d
	}
	if err := json.Unmarshal([]byte(issuesJSON), &e.ValidationErrors); err != nil {
		return nil, fmt.Errorf("decode validation errors: %w", err)
	}
	if subErr.Valid {
		var se pipeline.SubmissionError
		if err := json.Unmarshal([]byte(subErr.String), &se); err != nil {
			return nil, fmt.Errorf("decode submission error: %w", err)
		}
		e.SubmissionError = &se
	}
	e.TriggerDate = parseTime(trigger)
	e.DueDate = parseTimePtr(due)
	e.GeneratedAt = parseTime(generated)
	e.ValidatedAt = parseTimePtr(validated)
	e.SentAt = parseTimePtr(sent)
	e.ProcessedAt = parseTimePtr(processed)
	return &e, nil
}

// =============================================================================
// BATCH STORE
// =============================================================================

const batchColumns = `id, company_id, group_type, status, protocol_number,
	result_summary_json, last_error, sent_at, processed_at, created_at, updated_at`

func (c *conn) GetBatch(ctx context.Context, id string) (*pipeline.Batch, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return b, nil
}

func (c *conn) ListBatches(ctx context.Context, f pipeline.BatchFilter) ([]pipeline.Batch, error) {
	var (
		where []string
		args  []any
	)
	if f.CompanyID != "" {
		where = append(where, "company_id = ?")
		args = append(args, f.CompanyID)
	}
	if f.GroupType != "" {
		where = append(where, "group_type = ?")
		args = append(args, string(f.GroupType))
	}
	if len(f.Status) > 0 {
		marks := make([]string, len(f.Status))
		for i, st := range f.Status {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + batchColumns + ` FROM batches`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	batches := []pipeline.Batch{}
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

// InsertBatch relies on idx_batches_one_blocking to reject a second
// blocking batch for the same employer and group.
func (c *conn) InsertBatch(ctx context.Context, b pipeline.Batch) error {
	summary, err := summaryJSON(b.ResultSummary)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.CompanyID, string(b.GroupType), string(b.Status), b.ProtocolNumber,
		summary, b.LastError, formatTimePtr(b.SentAt), formatTimePtr(b.ProcessedAt),
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt))
	if isUniqueConstraintError(err) {
		return pipeline.ErrBatchConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

func (c *conn) SaveBatch(ctx context.Context, b pipeline.Batch) error {
	summary, err := summaryJSON(b.ResultSummary)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `
		UPDATE batches SET
			status = ?, protocol_number = ?, result_summary_json = ?, last_error = ?,
			sent_at = ?, processed_at = ?, updated_at = ?
		WHERE id = ?
	`, string(b.Status), b.ProtocolNumber, summary, b.LastError,
		formatTimePtr(b.SentAt), formatTimePtr(b.ProcessedAt), formatTime(b.UpdatedAt), b.ID)
	if isUniqueConstraintError(err) {
		return pipeline.ErrBatchConflict
	}
	if err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

func summaryJSON(rs *pipeline.ResultSummary) (sql.NullString, error) {
	if rs == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(rs)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode result summary: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func scanBatch(s scanner) (*pipeline.Batch, error) {
	var (
		b                pipeline.Batch
		group, status    string
		summary          sql.NullString
		sent, processed  sql.NullString
		created, updated string
	)
	err := s.Scan(&b.ID, &b.CompanyID, &group, &status, &b.ProtocolNumber,
		&summary, &b.LastError, &sent, &processed, &created, &updated)
	if err != nil {
		return nil, err
	}
	b.GroupType = catalog.Group(group)
	b.Status = pipeline.BatchStatus(status)
	if summary.Valid {
		var rs pipeline.ResultSummary
		if err := json.Unmarshal([]byte(summary.String), &rs); err != nil {
			return nil, fmt.Errorf("decode result summary: %w", err)
		}
		b.ResultSummary = &rs
	}
	b.SentAt = parseTimePtr(sent)
	b.ProcessedAt = parseTimePtr(processed)
	b.CreatedAt = parseTime(created)
	b.UpdatedAt = parseTime(updated)
	return &b, nil
}

// =============================================================================
// SEQUENCES
// =============================================================================

func (c *conn) NextSequence(ctx context.Context, companyID string) (int64, error) {
	var next int64
	err := c.q.QueryRowContext(ctx, `
		INSERT INTO sequences (company_id, value) VALUES (?, 1)
		ON CONFLICT(company_id) DO UPDATE SET value = value + 1
		RETURNING value
	`, companyID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}
	return next, nil
}

// =============================================================================
// COMPANY CONFIGURATION
// =============================================================================

const configColumns = `company_id, environment, employer_classification, software_id,
	software_version, certificate_ref, auto_generate, auto_send, updated_at`

func (c *conn) GetCompanyConfig(ctx context.Context, companyID string) (*pipeline.CompanyConfig, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+configColumns+` FROM company_configs WHERE company_id = ?`, companyID)
	cfg, err := scanConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get company config: %w", err)
	}
	return cfg, nil
}

func (c *conn) ListCompanyConfigs(ctx context.Context) ([]pipeline.CompanyConfig, error) {
	rows, err := c.q.QueryContext(ctx, `SELECT `+configColumns+` FROM company_configs ORDER BY company_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list company configs: %w", err)
	}
	defer rows.Close()

	configs := []pipeline.CompanyConfig{}
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan company config: %w", err)
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

func (c *conn) SaveCompanyConfig(ctx context.Context, cfg pipeline.CompanyConfig) error {
	_, err := c.q.ExecContext(ctx, `
		INSERT INTO company_configs (`+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(company_id) DO UPDATE SET
			environment = excluded.environment,
			employer_classification = excluded.employer_classification,
			software_id = excluded.software_id,
			software_version = excluded.software_version,
			certificate_ref = excluded.certificate_ref,
			auto_generate = excluded.auto_generate,
			auto_send = excluded.auto_send,
			updated_at = excluded.updated_at
	`, cfg.CompanyID, string(cfg.Environment), cfg.EmployerClassification, cfg.SoftwareID,
		cfg.SoftwareVersion, cfg.CertificateRef, cfg.AutoGenerate, cfg.AutoSend, formatTime(cfg.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save company config: %w", err)
	}
	return nil
}

func (c *conn) DeleteCompanyConfig(ctx context.Context, companyID string) error {
	_, err := c.q.ExecContext(ctx, `DELETE FROM company_configs WHERE company_id = ?`, companyID)
	if err != nil {
		return fmt.Errorf("failed to delete company config: %w", err)
	}
	return nil
}

func scanConfig(s scanner) (*pipeline.CompanyConfig, error) {
	var (
		cfg     pipeline.CompanyConfig
		env     string
		updated string
	)
	err := s.Scan(&cfg.CompanyID, &env, &cfg.EmployerClassification, &cfg.SoftwareID,
		&cfg.SoftwareVersion, &cfg.CertificateRef, &cfg.AutoGenerate, &cfg.AutoSend, &updated)
	if err != nil {
		return nil, err
	}
	cfg.Environment = pipeline.Environment(env)
	cfg.UpdatedAt = parseTime(updated)
	return &cfg, nil
}

// =============================================================================
// LOCKED ENTRY POINTS
// =============================================================================

func (s *Store) GetEvent(ctx context.Context, id string) (*pipeline.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base.GetEvent(ctx, id)
}

func (s *Store) ListEvents(ctx context.Context, f pipeline.EventFilter) ([]pipeline.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base.ListEvents(ctx, f)
}

func (s *Store) InsertEvent(ctx context.Context, e pipeline.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.InsertEvent(ctx, e)
}

func (s *Store) SaveEvent(ctx context.Context, e pipeline.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.SaveEvent(ctx, e)
}

func (s *Store) GetBatch(ctx context.Context, id string) (*pipeline.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base.GetBatch(ctx, id)
}

func (s *Store) ListBatches(ctx context.Context, f pipeline.BatchFilter) ([]pipeline.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base.ListBatches(ctx, f)
}

func (s *Store) InsertBatch(ctx context.Context, b pipeline.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.InsertBatch(ctx, b)
}

func (s *Store) SaveBatch(ctx context.Context, b pipeline.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.SaveBatch(ctx, b)
}

func (s *Store) NextSequence(ctx context.Context, companyID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.NextSequence(ctx, companyID)
}

func (s *Store) GetCompanyConfig(ctx context.Context, companyID string) (*pipeline.CompanyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base.GetCompanyConfig(ctx, companyID)
}

func (s *Store) ListCompanyConfigs(ctx context.Context) ([]pipeline.CompanyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base.ListCompanyConfigs(ctx)
}

func (s *Store) SaveCompanyConfig(ctx context.Context, cfg pipeline.CompanyConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.SaveCompanyConfig(ctx, cfg)
}

func (s *Store) DeleteCompanyConfig(ctx context.Context, companyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base.DeleteCompanyConfig(ctx, companyID)
}
