/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/friendsincode/marathon_tracker/internal/audit"
	"github.com/friendsincode/marathon_tracker/internal/db"
	"github.com/friendsincode/marathon_tracker/internal/events"
	"github.com/friendsincode/marathon_tracker/internal/lock"
	"github.com/friendsincode/marathon_tracker/internal/models"
	"github.com/friendsincode/marathon_tracker/internal/reorder"
	"github.com/friendsincode/marathon_tracker/internal/scheduler"
	"github.com/friendsincode/marathon_tracker/internal/scheduling"
)

var (
	importFile   string
	importDryRun bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import an event schedule from a YAML file",
	Long: `Create an event and its runs from a YAML file. Runs are scheduled in
file order unless marked unscheduled; anchors and interstitials are applied
after every run is placed.

Example file:

  event:
    short: winter26
    name: Winter Marathon 2026
    datetime: 2026-01-05T12:00:00Z
    timezone: America/New_York
  segments:
    - name: Preshow
      run_time: 30m
    - name: Any% Glitchless
      run_time: "1:05:00"
      setup_time: 10m
      anchor_time: 2026-01-05T12:30:00Z
    - name: Backup run
      run_time: 20m
      unscheduled: true
  interstitials:
    - anchor: Preshow
      kind: ad
      name: Sponsor read
      length: 90s`,
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVarP(&importFile, "file", "f", "", "Path to the schedule YAML (required, - for stdin)")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Parse and validate the file without importing")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}

// scheduleFile is the import document.
type scheduleFile struct {
	Event struct {
		Short    string    `yaml:"short"`
		Name     string    `yaml:"name"`
		Datetime time.Time `yaml:"datetime"`
		Timezone string    `yaml:"timezone"`
	} `yaml:"event"`
	Segments      []segmentEntry      `yaml:"segments"`
	Interstitials []interstitialEntry `yaml:"interstitials"`
}

type segmentEntry struct {
	Name        string        `yaml:"name"`
	RunTime     clockDuration `yaml:"run_time"`
	SetupTime   clockDuration `yaml:"setup_time"`
	AnchorTime  *time.Time    `yaml:"anchor_time"`
	Unscheduled bool          `yaml:"unscheduled"`
}

type interstitialEntry struct {
	Anchor   string        `yaml:"anchor"` // segment name
	Kind     string        `yaml:"kind"`
	Name     string        `yaml:"name"`
	Suborder int           `yaml:"suborder"`
	Length   clockDuration `yaml:"length"`
}

// clockDuration reads "90s", "1h5m" or "1:05:00".
type clockDuration time.Duration

func (d *clockDuration) UnmarshalYAML(node *yaml.Node) error {
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = 0
		return nil
	}
	if strings.Contains(raw, ":") {
		var total time.Duration
		for _, part := range strings.Split(raw, ":") {
			n, err := strconv.Atoi(part)
			if err != nil || n < 0 {
				return fmt.Errorf("line %d: invalid duration %q", node.Line, raw)
			}
			total = total*60 + time.Duration(n)
		}
		*d = clockDuration(total * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, raw)
	}
	*d = clockDuration(parsed)
	return nil
}

// parseScheduleFile decodes and checks an import document.
func parseScheduleFile(r io.Reader) (*scheduleFile, error) {
	var doc scheduleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode schedule file: %w", err)
	}

	if doc.Event.Short == "" || doc.Event.Name == "" || doc.Event.Datetime.IsZero() {
		return nil, errors.New("event.short, event.name and event.datetime are required")
	}
	names := make(map[string]bool, len(doc.Segments))
	for i, seg := range doc.Segments {
		if seg.Name == "" {
			return nil, fmt.Errorf("segments[%d]: name is required", i)
		}
		if names[seg.Name] {
			return nil, fmt.Errorf("segments[%d]: duplicate name %q", i, seg.Name)
		}
		if seg.Unscheduled && seg.AnchorTime != nil {
			return nil, fmt.Errorf("segments[%d]: unscheduled runs cannot be anchored", i)
		}
		names[seg.Name] = true
	}
	for i, it := range doc.Interstitials {
		if !names[it.Anchor] {
			return nil, fmt.Errorf("interstitials[%d]: unknown anchor segment %q", i, it.Anchor)
		}
	}
	return &doc, nil
}

// importSchedule replays doc through the schedule engine so every step is
// validated and audited like an operator edit.
func importSchedule(ctx context.Context, sched *scheduler.Service, doc *scheduleFile) (*models.Event, error) {
	ev, err := sched.CreateEvent(ctx, scheduler.EventInput{
		Short:    doc.Event.Short,
		Name:     doc.Event.Name,
		Datetime: doc.Event.Datetime,
		Timezone: doc.Event.Timezone,
	})
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}

	ids := make(map[string]string, len(doc.Segments))
	for _, seg := range doc.Segments {
		res, err := sched.CreateSegment(ctx, ev.ID, scheduler.SegmentInput{
			Name:      seg.Name,
			RunTime:   time.Duration(seg.RunTime),
			SetupTime: time.Duration(seg.SetupTime),
		})
		if err != nil {
			return ev, fmt.Errorf("create segment %q: %w", seg.Name, err)
		}
		ids[seg.Name] = res.Segments[0].ID

		if seg.Unscheduled {
			continue
		}
		if _, err := sched.Move(ctx, ids[seg.Name], reorder.Destination{Last: true}); err != nil {
			return ev, fmt.Errorf("schedule segment %q: %w", seg.Name, err)
		}
	}

	for _, seg := range doc.Segments {
		if seg.AnchorTime == nil {
			continue
		}
		if _, err := sched.SetAnchor(ctx, ids[seg.Name], seg.AnchorTime); err != nil {
			return ev, fmt.Errorf("anchor segment %q: %w", seg.Name, err)
		}
	}

	for _, it := range doc.Interstitials {
		if _, err := sched.CreateInterstitial(ctx, scheduler.InterstitialInput{
			AnchorID: ids[it.Anchor],
			Kind:     models.InterstitialKind(it.Kind),
			Name:     it.Name,
			Suborder: it.Suborder,
			Length:   time.Duration(it.Length),
		}); err != nil {
			return ev, fmt.Errorf("create interstitial after %q: %w", it.Anchor, err)
		}
	}

	return ev, nil
}

func runImport(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if importFile != "-" {
		f, err := os.Open(importFile)
		if err != nil {
			return fmt.Errorf("open schedule file: %w", err)
		}
		defer f.Close()
		in = f
	}

	doc, err := parseScheduleFile(in)
	if err != nil {
		return err
	}

	logger.Info().
		Str("file", importFile).
		Str("short", doc.Event.Short).
		Int("segments", len(doc.Segments)).
		Int("interstitials", len(doc.Interstitials)).
		Bool("dry_run", importDryRun).
		Msg("starting schedule import")

	if importDryRun {
		return nil
	}

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer db.Close(database)

	bus := events.NewBus()
	auditSvc := audit.NewService(database, bus, logger)
	sched := scheduler.New(database, lock.NewLocalLocker(cfg.LockTimeout), scheduling.NewValidator(logger), auditSvc, bus, logger)

	ctx := audit.WithOrigin(context.Background(), audit.Origin{Actor: "import", UserAgent: "marathontracker/" + version})
	ev, err := importSchedule(ctx, sched, doc)
	if err != nil {
		if ev != nil {
			logger.Warn().Str("event_id", ev.ID).Msg("import stopped part way; the event was left as imported so far")
		}
		return err
	}

	logger.Info().Str("event_id", ev.ID).Str("short", ev.Short).Msg("schedule imported")
	fmt.Println(ev.ID)
	return nil
}
