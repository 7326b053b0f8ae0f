/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/friendsincode/marathon_tracker/internal/audit"
	"github.com/friendsincode/marathon_tracker/internal/db"
	"github.com/friendsincode/marathon_tracker/internal/events"
	"github.com/friendsincode/marathon_tracker/internal/integrity"
	"github.com/friendsincode/marathon_tracker/internal/lock"
	"github.com/friendsincode/marathon_tracker/internal/scheduler"
	"github.com/friendsincode/marathon_tracker/internal/scheduling"
)

var (
	checkEvent  string
	checkRepair bool
	checkJSON   bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Scan schedules for consistency problems",
	Long: `Run the consistency validator over every event (or one event) and
report what it finds. With --repair, repairable schedules are rebuilt.

Exits non-zero when unrepaired findings remain.

Examples:
  # Scan everything
  marathontracker check

  # Scan and repair one event
  marathontracker check --event 6f1c... --repair`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkEvent, "event", "", "Only check this event id")
	checkCmd.Flags().BoolVar(&checkRepair, "repair", false, "Repair repairable findings")
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "Print the report as JSON")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close(database)

	bus := events.NewBus()
	validator := scheduling.NewValidator(logger)
	sched := scheduler.New(database, lock.NewLocalLocker(cfg.LockTimeout), validator, audit.NewService(database, bus, logger), bus, logger)
	svc := integrity.NewService(database, sched, validator, bus, logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	report, err := scan(ctx, svc, checkEvent)
	if err != nil {
		return err
	}

	if checkRepair && report.Total > 0 {
		for _, eventID := range repairTargets(report) {
			result, err := svc.Repair(ctx, integrity.RepairInput{Type: integrity.FindingScheduleInvariant, EventID: eventID})
			if err != nil {
				logger.Error().Err(err).Str("event_id", eventID).Msg("repair failed")
				continue
			}
			logger.Info().Str("event_id", eventID).Bool("changed", result.Changed).Msg(result.Message)
		}
		if report, err = scan(ctx, svc, checkEvent); err != nil {
			return err
		}
	}

	if checkJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(os.Stdout, report)
	}

	if report.Total > 0 {
		return fmt.Errorf("%d finding(s) across %d event(s)", report.Total, report.Events)
	}
	return nil
}

func scan(ctx context.Context, svc *integrity.Service, eventID string) (*integrity.Report, error) {
	if eventID != "" {
		return svc.ScanEvent(ctx, eventID)
	}
	return svc.Scan(ctx)
}

// repairTargets lists each event with at least one repairable finding once.
func repairTargets(report *integrity.Report) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range report.Findings {
		if !f.Repairable || seen[f.EventID] {
			continue
		}
		seen[f.EventID] = true
		out = append(out, f.EventID)
	}
	return out
}

func printReport(w io.Writer, report *integrity.Report) {
	if report.Total == 0 {
		fmt.Fprintf(w, "%d event(s) checked, no findings\n", report.Events)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tTYPE\tSEVERITY\tRESOURCE\tSUMMARY")
	for _, f := range report.Findings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", f.EventID, f.Type, f.Severity, f.ResourceID, f.Summary)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "%d finding(s) across %d event(s)\n", report.Total, report.Events)
}
