/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package integrity finds stored schedules that break the schedule rules
// and repairs them through the scheduler.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/marathon_tracker/internal/events"
	"github.com/friendsincode/marathon_tracker/internal/models"
	"github.com/friendsincode/marathon_tracker/internal/scheduler"
	"github.com/friendsincode/marathon_tracker/internal/scheduling"
	"github.com/friendsincode/marathon_tracker/internal/telemetry"
)

type FindingType string

const (
	// FindingScheduleInvariant is a validator error; the schedule repair fixes it.
	FindingScheduleInvariant FindingType = "schedule_invariant"
	// FindingAnchorOverrun is a validator warning; only an operator can fix it.
	FindingAnchorOverrun FindingType = "anchor_overrun"
	// FindingOrphanInterstitial references a missing anchor or one in another event.
	FindingOrphanInterstitial FindingType = "orphan_interstitial"
)

type Finding struct {
	ID         string               `json:"id"`
	Type       FindingType          `json:"type"`
	Invariant  scheduling.Invariant `json:"invariant,omitempty"`
	Severity   string               `json:"severity"`
	Summary    string               `json:"summary"`
	EventID    string               `json:"event_id"`
	EntityType string               `json:"entity_type"`
	ResourceID string               `json:"resource_id"`
	Repairable bool                 `json:"repairable"`
}

type Report struct {
	GeneratedAt time.Time                    `json:"generated_at"`
	Events      int                          `json:"events"`
	Total       int                          `json:"total"`
	ByType      map[FindingType]int          `json:"by_type"`
	ByInvariant map[scheduling.Invariant]int `json:"by_invariant"`
	Findings    []Finding                    `json:"findings"`
}

type RepairInput struct {
	Type       FindingType `json:"type"`
	EventID    string      `json:"event_id"`
	ResourceID string      `json:"resource_id"`
}

type RepairResult struct {
	Changed bool           `json:"changed"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type Service struct {
	db        *gorm.DB
	scheduler *scheduler.Service
	validator *scheduling.Validator
	bus       events.Broker
	logger    zerolog.Logger
}

func NewService(db *gorm.DB, sched *scheduler.Service, validator *scheduling.Validator, bus events.Broker, logger zerolog.Logger) *Service {
	logger = logger.With().Str("component", "integrity").Logger()
	if validator == nil {
		validator = scheduling.NewValidator(logger)
	}
	return &Service{
		db:        db,
		scheduler: sched,
		validator: validator,
		bus:       bus,
		logger:    logger,
	}
}

// Scan checks every event.
func (s *Service) Scan(ctx context.Context) (*Report, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&models.Event{}).Order("datetime").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return s.scan(ctx, ids)
}

// ScanEvent checks one event.
func (s *Service) ScanEvent(ctx context.Context, eventID string) (*Report, error) {
	return s.scan(ctx, []string{eventID})
}

func (s *Service) scan(ctx context.Context, eventIDs []string) (report *Report, err error) {
	spanEvent := ""
	if len(eventIDs) == 1 {
		spanEvent = eventIDs[0]
	}
	ctx, span := telemetry.StartSpan(ctx, "integrity", "scan", spanEvent)
	defer func() { telemetry.EndSpan(span, err, "") }()

	findings := make([]Finding, 0, 32)
	for _, eventID := range eventIDs {
		added, scanErr := s.scanSchedule(ctx, eventID)
		if scanErr != nil {
			return nil, scanErr
		}
		findings = append(findings, added...)
	}

	added, err := s.scanOrphanInterstitials(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	findings = append(findings, added...)

	report = &Report{
		GeneratedAt: time.Now().UTC(),
		Events:      len(eventIDs),
		Total:       len(findings),
		ByType:      make(map[FindingType]int),
		ByInvariant: make(map[scheduling.Invariant]int),
		Findings:    findings,
	}
	for _, f := range findings {
		report.ByType[f.Type]++
		if f.Invariant != "" {
			report.ByInvariant[f.Invariant]++
		}
	}

	if report.Total > 0 {
		s.logger.Warn().Int("events", report.Events).Int("total_findings", report.Total).Interface("by_type", report.ByType).Msg("integrity scan completed with findings")
	} else {
		s.logger.Info().Int("events", report.Events).Msg("integrity scan completed with no findings")
	}
	return report, nil
}

func (s *Service) scanSchedule(ctx context.Context, eventID string) ([]Finding, error) {
	st, err := s.scheduler.State(ctx, eventID)
	if err != nil {
		return nil, err
	}
	result := s.validator.Validate(*st, nil)

	present := make(map[string]bool, len(st.Segments))
	for _, seg := range st.Segments {
		present[seg.ID] = true
	}
	orphaned := make(map[string]bool)
	for _, in := range st.Interstitials {
		if !present[in.AnchorID] {
			orphaned[in.ID] = true
		}
	}

	findings := make([]Finding, 0, len(result.Errors)+len(result.Warnings))
	for _, v := range result.Errors {
		// Reported by the orphan scan.
		if v.Invariant == scheduling.InvariantMirroring && orphaned[v.EntityID] {
			continue
		}
		findings = append(findings, Finding{
			ID:         findingID(FindingScheduleInvariant, eventID, v.EntityID+"|"+string(v.Invariant)),
			Type:       FindingScheduleInvariant,
			Invariant:  v.Invariant,
			Severity:   "high",
			Summary:    v.Message,
			EventID:    eventID,
			EntityType: v.EntityType,
			ResourceID: v.EntityID,
			Repairable: true,
		})
	}
	for _, v := range result.Warnings {
		findings = append(findings, Finding{
			ID:         findingID(FindingAnchorOverrun, eventID, v.EntityID),
			Type:       FindingAnchorOverrun,
			Invariant:  v.Invariant,
			Severity:   "low",
			Summary:    v.Message,
			EventID:    eventID,
			EntityType: v.EntityType,
			ResourceID: v.EntityID,
			Repairable: false,
		})
	}
	return findings, nil
}

func (s *Service) scanOrphanInterstitials(ctx context.Context, eventIDs []string) ([]Finding, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	type row struct {
		ID            string
		EventID       string
		AnchorID      string
		AnchorEventID *string
	}
	var rows []row
	if err := s.db.WithContext(ctx).
		Table("interstitials i").
		Select("i.id, i.event_id, i.anchor_id, seg.event_id AS anchor_event_id").
		Joins("LEFT JOIN segments seg ON seg.id = i.anchor_id").
		Where("i.event_id IN ?", eventIDs).
		Where("seg.id IS NULL OR seg.event_id <> i.event_id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("scan orphan interstitials: %w", err)
	}

	findings := make([]Finding, 0, len(rows))
	for _, r := range rows {
		summary := "Interstitial anchor no longer exists"
		if r.AnchorEventID != nil {
			summary = "Interstitial is anchored to a run of another event"
		}
		findings = append(findings, Finding{
			ID:         findingID(FindingOrphanInterstitial, r.EventID, r.ID),
			Type:       FindingOrphanInterstitial,
			Severity:   "medium",
			Summary:    summary,
			EventID:    r.EventID,
			EntityType: "interstitial",
			ResourceID: r.ID,
			Repairable: true,
		})
	}
	return findings, nil
}

// Repair fixes one finding. Schedule findings rebuild the whole event.
func (s *Service) Repair(ctx context.Context, input RepairInput) (RepairResult, error) {
	switch input.Type {
	case FindingScheduleInvariant, "":
		return s.repairSchedule(ctx, input.EventID)
	case FindingOrphanInterstitial:
		return s.repairOrphanInterstitial(ctx, input)
	case FindingAnchorOverrun:
		return RepairResult{Changed: false, Message: "overruns need a manual reorder or a new anchor time"}, nil
	default:
		return RepairResult{}, fmt.Errorf("unsupported finding type: %s", input.Type)
	}
}

// repairSchedule drops orphan interstitials first since no recomputation
// can make them mirror an anchor.
func (s *Service) repairSchedule(ctx context.Context, eventID string) (RepairResult, error) {
	orphans, err := s.scanOrphanInterstitials(ctx, []string{eventID})
	if err != nil {
		return RepairResult{}, err
	}
	removed := 0
	for _, f := range orphans {
		out, err := s.repairOrphanInterstitial(ctx, RepairInput{Type: f.Type, EventID: eventID, ResourceID: f.ResourceID})
		if err != nil {
			return RepairResult{}, err
		}
		if out.Changed {
			removed++
		}
	}

	res, err := s.scheduler.Repair(ctx, eventID)
	if err != nil {
		return RepairResult{}, err
	}
	changed := len(res.Segments) + len(res.Interstitials)
	if changed == 0 && removed == 0 {
		return RepairResult{Changed: false, Message: "schedule already consistent"}, nil
	}

	details := map[string]any{
		"segments":      len(res.Segments),
		"interstitials": len(res.Interstitials),
	}
	if removed > 0 {
		details["orphans_removed"] = removed
	}
	if len(res.Warnings) > 0 {
		details["warnings"] = len(res.Warnings)
	}
	return RepairResult{Changed: true, Message: "recomputed schedule", Details: details}, nil
}

func (s *Service) repairOrphanInterstitial(ctx context.Context, input RepairInput) (RepairResult, error) {
	_, err := s.scheduler.DeleteInterstitial(ctx, input.ResourceID)
	if errors.Is(err, scheduler.ErrNotFound) {
		return RepairResult{Changed: false, Message: "interstitial not found (already removed)"}, nil
	}
	if err != nil {
		return RepairResult{}, err
	}
	return RepairResult{
		Changed: true,
		Message: "deleted orphan interstitial",
		Details: map[string]any{"interstitial_id": input.ResourceID},
	}, nil
}

// Start runs Scan on the cron spec until ctx is done. Each run publishes
// its report and updates the findings gauge.
func (s *Service) Start(ctx context.Context, spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { s.runScheduled(ctx) }); err != nil {
		return fmt.Errorf("schedule integrity scan %q: %w", spec, err)
	}

	c.Start()
	s.logger.Info().Str("schedule", spec).Msg("integrity scans scheduled")

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info().Msg("integrity scans stopped")
	return nil
}

func (s *Service) runScheduled(ctx context.Context) {
	report, err := s.Scan(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("scheduled integrity scan failed")
		}
		return
	}
	s.publish(report)
}

func (s *Service) publish(report *Report) {
	telemetry.IntegrityFindings.Reset()
	for inv, n := range report.ByInvariant {
		telemetry.IntegrityFindings.WithLabelValues(string(inv)).Set(float64(n))
	}
	if n := report.ByType[FindingOrphanInterstitial]; n > 0 {
		telemetry.IntegrityFindings.WithLabelValues(string(FindingOrphanInterstitial)).Set(float64(n))
	}

	if s.bus == nil {
		return
	}
	affected := make([]string, 0)
	seen := make(map[string]bool)
	for _, f := range report.Findings {
		if !seen[f.EventID] {
			seen[f.EventID] = true
			affected = append(affected, f.EventID)
		}
	}
	s.bus.Publish(events.EventIntegrityReport, events.Payload{
		"resource_type": "integrity",
		"findings":      report.Total,
		"events":        report.Events,
		"affected":      affected,
		"generated_at":  report.GeneratedAt.Format(time.RFC3339),
	})
}

func findingID(t FindingType, eventID, resourceID string) string {
	return fmt.Sprintf("%s|%s|%s", t, eventID, resourceID)
}
