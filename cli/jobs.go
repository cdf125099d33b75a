package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/labor-events/catalog"
	"github.com/warp/labor-events/pipeline"
)

func newDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatcher pass and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := pipeline.NewDispatcher(a.svc).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if len(report.Errors) > 0 {
				return fmt.Errorf("dispatch finished with %d errors", len(report.Errors))
			}
			return nil
		},
	}
}

func newGenerateCmd() *cobra.Command {
	var (
		companyID string
		period    string
		types     []string
		employees []string
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a company's events for one month",
		Example: `  labor-events generate --company co-1 --period 2024-03
  labor-events generate --company co-1 --period 2024-03 --type S-2200 --employee emp-7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			month, err := time.Parse("2006-01", period)
			if err != nil {
				return fmt.Errorf("--period: expected YYYY-MM, got %q", period)
			}

			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			req := pipeline.GenerateRequest{
				CompanyID:   companyID,
				Year:        month.Year(),
				Month:       int(month.Month()),
				EmployeeIDs: employees,
			}
			for _, t := range types {
				req.Types = append(req.Types, catalog.EventType(strings.ToUpper(t)))
			}

			res, err := a.svc.GenerateEvents(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&companyID, "company", "", "Company id")
	cmd.Flags().StringVar(&period, "period", time.Now().Format("2006-01"), "Reporting month (YYYY-MM)")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Event types to generate (default all)")
	cmd.Flags().StringSliceVar(&employees, "employee", nil, "Restrict to these employee ids")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
