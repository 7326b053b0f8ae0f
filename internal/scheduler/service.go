/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package scheduler applies schedule changes. Every operation locks one
// event, plans against a snapshot read inside the transaction, writes the
// plan, re-validates the touched rows and commits or rolls back as a whole.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/marathon_tracker/internal/audit"
	"github.com/friendsincode/marathon_tracker/internal/events"
	"github.com/friendsincode/marathon_tracker/internal/lock"
	"github.com/friendsincode/marathon_tracker/internal/models"
	"github.com/friendsincode/marathon_tracker/internal/reorder"
	"github.com/friendsincode/marathon_tracker/internal/scheduling"
	"github.com/friendsincode/marathon_tracker/internal/telemetry"
)

// Service is the only writer of segment order and times.
type Service struct {
	db        *gorm.DB
	locker    lock.Locker
	validator *scheduling.Validator
	audit     *audit.Service
	bus       events.Broker
	logger    zerolog.Logger
}

// New constructs the scheduler service. A nil locker falls back to an
// in-process lock and a nil validator to a default one; audit and bus are
// optional.
func New(db *gorm.DB, locker lock.Locker, validator *scheduling.Validator, auditSvc *audit.Service, bus events.Broker, logger zerolog.Logger) *Service {
	logger = logger.With().Str("component", "scheduler").Logger()
	if locker == nil {
		locker = lock.NewLocalLocker(lock.DefaultTimeout)
	}
	if validator == nil {
		validator = scheduling.NewValidator(logger)
	}
	return &Service{
		db:        db,
		locker:    locker,
		validator: validator,
		audit:     auditSvc,
		bus:       bus,
		logger:    logger,
	}
}

// Result is what a committed operation changed, segments first and then
// interstitials, each sorted by order with unscheduled rows last.
type Result struct {
	EventID       string                           `json:"event_id"`
	Operation     string                           `json:"operation"`
	Case          reorder.Case                     `json:"case,omitempty"`
	Segments      []models.Segment                 `json:"segments"`
	Interstitials []models.Interstitial            `json:"interstitials"`
	Deleted       []string                         `json:"deleted,omitempty"`
	Warnings      []scheduling.ValidationViolation `json:"warnings,omitempty"`
}

// operation is one unit of work for execute.
type operation struct {
	name      string
	eventID   string
	subjectID string
	apply     func(tx *gorm.DB, st *scheduling.State) (*change, error)
}

// change collects what apply touched.
type change struct {
	plan          *reorder.Plan
	segments      []string
	interstitials []string
	anchors       []string // extra anchors whose interstitials need propagation
	deleted       []string
	checkpoints   []string
	fullScope     bool
	notify        events.EventType
	audit         *models.AuditLog
}

func (c *change) addSegments(ids ...string) {
	c.segments = appendUnique(c.segments, ids...)
}

func (c *change) addInterstitials(ids ...string) {
	c.interstitials = appendUnique(c.interstitials, ids...)
}

// execute runs op under the event lock in one transaction.
func (s *Service) execute(ctx context.Context, op operation) (*Result, error) {
	started := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "scheduler", op.name, op.eventID)
	if op.subjectID != "" {
		span.SetAttributes(telemetry.SubjectIDKey.String(op.subjectID))
	}

	result, ch, err := s.executeLocked(ctx, op)
	s.record(op, started, ch, err)
	if err != nil {
		telemetry.EndSpan(span, err, string(Classify(err)))
		return nil, err
	}
	span.SetAttributes(telemetry.ChangedKey.Int(len(ch.segments) + len(ch.interstitials)))
	telemetry.EndSpan(span, nil, "")

	if s.bus != nil && ch.notify != "" {
		s.bus.Publish(ch.notify, events.Payload{
			"event_id":      op.eventID,
			"operation":     op.name,
			"subject_id":    op.subjectID,
			"segments":      ch.segments,
			"interstitials": ch.interstitials,
			"deleted":       ch.deleted,
		})
	}
	return result, nil
}

func (s *Service) executeLocked(ctx context.Context, op operation) (*Result, *change, error) {
	release, err := s.locker.Lock(ctx, op.eventID)
	if err != nil {
		return nil, nil, fmt.Errorf("lock event %s: %w", op.eventID, err)
	}
	defer release()

	// Once the lock is held the change runs to commit or rollback on its
	// own; a caller going away mid-write must not abort it half applied.
	txCtx := context.WithoutCancel(ctx)

	var (
		result *Result
		ch     *change
	)
	err = s.db.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		st, err := loadState(tx, op.eventID, true)
		if err != nil {
			return err
		}

		ch, err = op.apply(tx, st)
		if err != nil {
			return err
		}

		stragglers, err := renumber(tx, op.eventID)
		if err != nil {
			return err
		}
		ch.addSegments(stragglers...)

		targets := make([]string, 0, len(ch.segments)+len(ch.anchors))
		targets = appendUnique(appendUnique(targets, ch.segments...), ch.anchors...)
		moved, err := propagateInterstitials(tx, op.eventID, targets)
		if err != nil {
			return err
		}
		ch.addInterstitials(moved...)

		final, err := loadState(tx, op.eventID, false)
		if err != nil {
			return err
		}
		if err := checkOverruns(final, ch.checkpoints); err != nil {
			return err
		}

		var scope []string
		if !ch.fullScope {
			scope = append(append([]string{}, ch.segments...), ch.interstitials...)
			scope = append(scope, ch.deleted...)
		}
		validation := s.validator.Validate(*final, scope)
		if !validation.Valid {
			return &scheduling.ValidationError{EventID: op.eventID, Violations: validation.Errors}
		}

		if s.audit != nil && ch.audit != nil {
			ch.audit.EventID = &op.eventID
			if err := s.audit.LogTx(tx, ch.audit); err != nil {
				return err
			}
		}

		result = buildResult(op, final, ch, validation.Warnings)
		return nil
	})
	if err != nil {
		return nil, ch, err
	}
	return result, ch, nil
}

func (s *Service) record(op operation, started time.Time, ch *change, err error) {
	elapsed := time.Since(started)
	telemetry.ScheduleOperationDuration.WithLabelValues(op.name).Observe(elapsed.Seconds())

	if err == nil {
		telemetry.ScheduleOperationsTotal.WithLabelValues(op.name, "ok").Inc()
		telemetry.ScheduleChangedSegments.Observe(float64(len(ch.segments) + len(ch.interstitials)))
		telemetry.ScheduleCheckpoints.Observe(float64(len(ch.checkpoints)))
		s.logger.Info().
			Str("event_id", op.eventID).
			Str("operation", op.name).
			Str("subject_id", op.subjectID).
			Int("changed", len(ch.segments)+len(ch.interstitials)).
			Dur("elapsed", elapsed).
			Msg("schedule change committed")
		return
	}

	class := Classify(err)
	telemetry.ScheduleOperationsTotal.WithLabelValues(op.name, string(class)).Inc()

	evt := s.logger.Warn()
	if class == reorder.ClassInvariant || class == reorder.ClassInternal {
		evt = s.logger.Error()
	}
	evt.Err(err).
		Str("event_id", op.eventID).
		Str("operation", op.name).
		Str("subject_id", op.subjectID).
		Str("class", string(class)).
		Msg("schedule change rejected")
}

// loadState reads one event with all of its rows. With lockRows the
// segment rows are locked for update where the database supports it.
func loadState(tx *gorm.DB, eventID string, lockRows bool) (*scheduling.State, error) {
	var ev models.Event
	if err := tx.First(&ev, "id = ?", eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
		}
		return nil, fmt.Errorf("load event: %w", err)
	}

	q := tx
	if lockRows {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var segments []models.Segment
	if err := q.Where("event_id = ?", eventID).Order("run_order").Order("id").Find(&segments).Error; err != nil {
		return nil, fmt.Errorf("load segments: %w", err)
	}

	var interstitials []models.Interstitial
	if err := tx.Where("event_id = ?", eventID).Order("run_order").Order("suborder").Find(&interstitials).Error; err != nil {
		return nil, fmt.Errorf("load interstitials: %w", err)
	}

	return &scheduling.State{Event: ev, Segments: segments, Interstitials: interstitials}, nil
}

// eventOf returns the event a segment belongs to.
func (s *Service) eventOf(ctx context.Context, segmentID string) (string, error) {
	var seg models.Segment
	if err := s.db.WithContext(ctx).Select("id", "event_id").First(&seg, "id = ?", segmentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
		}
		return "", fmt.Errorf("load segment: %w", err)
	}
	return seg.EventID, nil
}

func findSegment(st *scheduling.State, id string) (models.Segment, bool) {
	for _, seg := range st.Segments {
		if seg.ID == id {
			return seg, true
		}
	}
	return models.Segment{}, false
}

func buildResult(op operation, final *scheduling.State, ch *change, warnings []scheduling.ValidationViolation) *Result {
	result := &Result{
		EventID:       op.eventID,
		Operation:     op.name,
		Segments:      []models.Segment{},
		Interstitials: []models.Interstitial{},
		Deleted:       ch.deleted,
		Warnings:      warnings,
	}
	if ch.plan != nil {
		result.Case = ch.plan.Case
	}

	want := make(map[string]bool, len(ch.segments))
	for _, id := range ch.segments {
		want[id] = true
	}
	for _, seg := range final.Segments {
		if want[seg.ID] {
			result.Segments = append(result.Segments, seg)
		}
	}
	wantInterstitial := make(map[string]bool, len(ch.interstitials))
	for _, id := range ch.interstitials {
		wantInterstitial[id] = true
	}
	for _, in := range final.Interstitials {
		if wantInterstitial[in.ID] {
			result.Interstitials = append(result.Interstitials, in)
		}
	}

	sort.SliceStable(result.Segments, func(i, j int) bool {
		return orderLess(result.Segments[i].Order, result.Segments[j].Order, result.Segments[i].ID, result.Segments[j].ID)
	})
	sort.SliceStable(result.Interstitials, func(i, j int) bool {
		a, b := result.Interstitials[i], result.Interstitials[j]
		if !sameOrder(a.Order, b.Order) {
			return orderLess(a.Order, b.Order, a.ID, b.ID)
		}
		if a.Suborder != b.Suborder {
			return a.Suborder < b.Suborder
		}
		return a.ID < b.ID
	})
	return result
}

// orderLess sorts by order with nil treated as infinity, then by id.
func orderLess(a, b *int, idA, idB string) bool {
	switch {
	case a == nil && b == nil:
		return idA < idB
	case a == nil:
		return false
	case b == nil:
		return true
	case *a != *b:
		return *a < *b
	}
	return idA < idB
}

func sameOrder(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func appendUnique(dst []string, ids ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, id := range dst {
		seen[id] = true
	}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			dst = append(dst, id)
		}
	}
	return dst
}

func utcSecond(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
