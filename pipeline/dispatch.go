/*
dispatch.go - One pass of automated generation, submission and polling

PURPOSE:
  The pipeline itself has no background loop. Dispatcher.RunOnce is the
  entry point an external cadence (api scheduler, cron running the
  dispatch command) calls to move work forward.

ONE PASS, per configured company:
  1. AutoGenerate: the previous month for non-periodic and periodic
     types (payrolls close and late records arrive after the month
     ends), then the current month for tables and non-periodic types.
     Periodic obligations of a month are never generated while it runs.
  2. AutoSend, per group:
       - no blocking batch and VALIDATED events waiting -> create a batch
       - OPEN batch  -> add waiting events, close when it has members
       - CLOSED batch -> send (covers retry after a failed submit)
       - SENDING / ERROR -> left alone and reported
  3. Poll every SENT batch.

  Failures are collected in the report; one company never stops the pass
  for the others.
*/
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/labor-events/catalog"
)

// DispatchReport summarizes one RunOnce pass.
type DispatchReport struct {
	Companies      int      `json:"companies"`
	EventsCreated  int      `json:"events_created"`
	BatchesSent    int      `json:"batches_sent"`
	BatchesChecked int      `json:"batches_checked"`
	Stuck          []string `json:"stuck,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}

func (r *DispatchReport) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Dispatcher drives the pipeline for every configured company.
type Dispatcher struct {
	svc    *Service
	logger *zap.Logger
}

// NewDispatcher creates a Dispatcher over svc.
func NewDispatcher(svc *Service) *Dispatcher {
	return &Dispatcher{svc: svc, logger: svc.logger.Named("dispatch")}
}

// RunOnce performs one pass. The error return is reserved for failures
// that prevent the pass from starting.
func (d *Dispatcher) RunOnce(ctx context.Context) (*DispatchReport, error) {
	configs, err := d.svc.ListConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list company configs: %w", err)
	}

	report := &DispatchReport{}
	for _, cfg := range configs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Companies++

		if cfg.AutoGenerate {
			d.generate(ctx, cfg, report)
		}
		if cfg.AutoSend {
			for _, g := range catalog.Groups() {
				d.send(ctx, cfg.CompanyID, g, report)
			}
		}
		d.poll(ctx, cfg.CompanyID, report)
	}

	d.logger.Info("dispatch_completed",
		zap.Int("companies", report.Companies),
		zap.Int("events_created", report.EventsCreated),
		zap.Int("batches_sent", report.BatchesSent),
		zap.Int("batches_checked", report.BatchesChecked),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

func (d *Dispatcher) generate(ctx context.Context, cfg CompanyConfig, report *DispatchReport) {
	now := d.svc.clock()
	current := Period{Year: now.Year(), Month: int(now.Month())}
	previous := current.Previous()

	passes := []struct {
		period Period
		groups []catalog.Group
	}{
		{previous, []catalog.Group{catalog.GroupNonPeriodic, catalog.GroupPeriodic}},
		{current, []catalog.Group{catalog.GroupTables, catalog.GroupNonPeriodic}},
	}
	for _, p := range passes {
		res, err := d.svc.GenerateEvents(ctx, GenerateRequest{
			CompanyID: cfg.CompanyID,
			Year:      p.period.Year,
			Month:     p.period.Month,
			Types:     generatedTypes(p.groups...),
		})
		if err != nil {
			report.fail("generate %s %s: %v", cfg.CompanyID, p.period, err)
			return
		}
		report.EventsCreated += res.Created
	}
}

// generatedTypes lists the registered types of the given groups that the
// generator collects on its own.
func generatedTypes(groups ...catalog.Group) []catalog.EventType {
	var out []catalog.EventType
	for _, k := range Kinds() {
		if k.Type() == catalog.TypeExclusion {
			continue
		}
		def, err := catalog.Lookup(k.Type())
		if err != nil {
			continue
		}
		for _, g := range groups {
			if def.Group == g {
				out = append(out, k.Type())
				break
			}
		}
	}
	return out
}

func (d *Dispatcher) send(ctx context.Context, companyID string, g catalog.Group, report *DispatchReport) {
	blocking, err := d.svc.ListBatches(ctx, BatchFilter{CompanyID: companyID, GroupType: g, Status: BlockingBatchStatuses()})
	if err != nil {
		report.fail("list batches %s/%s: %v", companyID, g, err)
		return
	}

	var b *Batch
	if len(blocking) > 0 {
		b = &blocking[0]
	}

	if b == nil || b.Status == BatchOpen {
		waiting, err := d.waitingEvents(ctx, companyID, g)
		if err != nil {
			report.fail("list events %s/%s: %v", companyID, g, err)
			return
		}
		if b == nil {
			if len(waiting) == 0 {
				return
			}
			if b, err = d.svc.CreateBatch(ctx, companyID, g); err != nil {
				report.fail("create batch %s/%s: %v", companyID, g, err)
				return
			}
		}
		if len(waiting) > 0 {
			if _, err := d.svc.AddEventsToBatch(ctx, b.ID, waiting); err != nil {
				report.fail("add events to %s: %v", b.ID, err)
				return
			}
		}
		members, err := d.svc.BatchEvents(ctx, b.ID)
		if err != nil {
			report.fail("list members of %s: %v", b.ID, err)
			return
		}
		if len(members) == 0 {
			return
		}
		closed, err := d.svc.CloseBatch(ctx, b.ID)
		if err != nil {
			report.fail("close batch %s: %v", b.ID, err)
			return
		}
		b = closed
	}

	switch b.Status {
	case BatchClosed:
		if _, err := d.svc.SendBatch(ctx, b.ID); err != nil {
			report.fail("send batch %s: %v", b.ID, err)
			return
		}
		report.BatchesSent++
	case BatchSending, BatchError:
		report.Stuck = append(report.Stuck, b.ID)
		d.logger.Warn("batch_stuck", zap.String("batch_id", b.ID), zap.String("status", string(b.Status)))
	}
}

func (d *Dispatcher) waitingEvents(ctx context.Context, companyID string, g catalog.Group) ([]string, error) {
	events, err := d.svc.ListEvents(ctx, EventFilter{CompanyID: companyID, Group: g, Status: []EventStatus{EventValidated}})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(events))
	for _, e := range events {
		if e.BatchID == "" {
			ids = append(ids, e.ID)
		}
	}
	return ids, nil
}

func (d *Dispatcher) poll(ctx context.Context, companyID string, report *DispatchReport) {
	sent, err := d.svc.ListBatches(ctx, BatchFilter{CompanyID: companyID, Status: []BatchStatus{BatchSent}})
	if err != nil {
		report.fail("list sent batches %s: %v", companyID, err)
		return
	}
	for _, b := range sent {
		if _, err := d.svc.CheckBatchResult(ctx, b.ID); err != nil {
			report.fail("check batch %s: %v", b.ID, err)
			continue
		}
		report.BatchesChecked++
	}
}
