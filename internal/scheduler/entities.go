/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // event timezones resolve without a system zoneinfo

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/friendsincode/marathon_tracker/internal/audit"
	"github.com/friendsincode/marathon_tracker/internal/events"
	"github.com/friendsincode/marathon_tracker/internal/models"
	"github.com/friendsincode/marathon_tracker/internal/reorder"
	"github.com/friendsincode/marathon_tracker/internal/scheduling"
)

// EventInput describes a new marathon event.
type EventInput struct {
	Short    string
	Name     string
	Datetime time.Time
	Timezone string
}

// CreateEvent stores a new event with an empty schedule.
func (s *Service) CreateEvent(ctx context.Context, in EventInput) (*models.Event, error) {
	in.Short = strings.TrimSpace(in.Short)
	if in.Short == "" || strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: short and name are required", ErrInvalidInput)
	}
	if in.Timezone == "" {
		in.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(in.Timezone); err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidInput, in.Timezone)
	}

	ev := &models.Event{
		ID:       uuid.NewString(),
		Short:    in.Short,
		Name:     strings.TrimSpace(in.Name),
		Datetime: utcSecond(in.Datetime),
		Timezone: in.Timezone,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.Event{}).Where("short = ?", ev.Short).Count(&count).Error; err != nil {
			return fmt.Errorf("check short: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: short %q is already in use", ErrInvalidInput, ev.Short)
		}
		if err := tx.Create(ev).Error; err != nil {
			return fmt.Errorf("create event: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		payload := events.Payload{
			"event_id":      ev.ID,
			"resource_type": "event",
			"resource_id":   ev.ID,
			"short":         ev.Short,
			"datetime":      ev.Datetime.Format(time.RFC3339),
		}
		if o, ok := audit.OriginFrom(ctx); ok {
			for k, v := range o.Payload() {
				payload[k] = v
			}
		}
		s.bus.Publish(events.EventEventCreated, payload)
	}

	s.logger.Info().Str("event_id", ev.ID).Str("short", ev.Short).Msg("event created")
	return ev, nil
}

// SegmentInput describes a new run.
type SegmentInput struct {
	Name      string
	RunTime   time.Duration
	SetupTime time.Duration
}

// CreateSegment adds an unscheduled segment to an event.
func (s *Service) CreateSegment(ctx context.Context, eventID string, in SegmentInput) (*Result, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if in.RunTime < 0 || in.SetupTime < 0 {
		return nil, reorder.ErrInvalidDuration
	}

	id := uuid.NewString()
	return s.execute(ctx, operation{
		name:      "segment.create",
		eventID:   eventID,
		subjectID: id,
		apply: func(tx *gorm.DB, st *scheduling.State) (*change, error) {
			seg := &models.Segment{
				ID:        id,
				EventID:   st.Event.ID,
				Name:      strings.TrimSpace(in.Name),
				RunTime:   in.RunTime.Truncate(time.Second),
				SetupTime: in.SetupTime.Truncate(time.Second),
			}
			if err := tx.Create(seg).Error; err != nil {
				return nil, fmt.Errorf("create segment: %w", err)
			}
			return &change{
				segments: []string{id},
				notify:   events.EventScheduleChanged,
				audit: &models.AuditLog{
					Action:       models.AuditActionSegmentCreate,
					ResourceType: "segment",
					ResourceID:   id,
					Details: map[string]any{
						"name":       seg.Name,
						"run_time":   seg.RunTime.String(),
						"setup_time": seg.SetupTime.String(),
					},
				},
			}, nil
		},
	})
}

// InterstitialInput describes a new interstitial. A zero Suborder takes
// the next free one under the anchor.
type InterstitialInput struct {
	AnchorID string
	Kind     models.InterstitialKind
	Name     string
	Suborder int
	Length   time.Duration
}

// InterstitialUpdate carries the fields to change; nil fields stay.
type InterstitialUpdate struct {
	AnchorID *string
	Kind     *models.InterstitialKind
	Name     *string
	Suborder *int
	Length   *time.Duration
}

// CreateInterstitial attaches an ad or interview to a scheduled anchor.
// Its order is set by propagation, never by the caller.
func (s *Service) CreateInterstitial(ctx context.Context, in InterstitialInput) (*Result, error) {
	if in.Kind == "" {
		in.Kind = models.InterstitialAd
	}
	if err := validateInterstitial(in.Kind, in.Suborder, in.Length); err != nil {
		return nil, err
	}
	eventID, err := s.eventOf(ctx, in.AnchorID)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	return s.execute(ctx, operation{
		name:      "interstitial.create",
		eventID:   eventID,
		subjectID: id,
		apply: func(tx *gorm.DB, st *scheduling.State) (*change, error) {
			if err := requireScheduledAnchor(st, in.AnchorID); err != nil {
				return nil, err
			}
			suborder, err := resolveSuborder(tx, in.AnchorID, "", in.Suborder)
			if err != nil {
				return nil, err
			}

			row := &models.Interstitial{
				ID:       id,
				EventID:  st.Event.ID,
				AnchorID: in.AnchorID,
				Kind:     in.Kind,
				Name:     strings.TrimSpace(in.Name),
				Suborder: suborder,
				Length:   in.Length.Truncate(time.Second),
			}
			if err := tx.Create(row).Error; err != nil {
				return nil, fmt.Errorf("create interstitial: %w", err)
			}

			return &change{
				interstitials: []string{id},
				anchors:       []string{in.AnchorID},
				notify:        events.EventInterstitialChanged,
				audit: &models.AuditLog{
					Action:       models.AuditActionInterstitialCreate,
					ResourceType: "interstitial",
					ResourceID:   id,
					Details: map[string]any{
						"anchor_id": in.AnchorID,
						"kind":      string(in.Kind),
						"suborder":  suborder,
					},
				},
			}, nil
		},
	})
}

// UpdateInterstitial re-anchors or edits an interstitial.
func (s *Service) UpdateInterstitial(ctx context.Context, id string, upd InterstitialUpdate) (*Result, error) {
	current, err := s.interstitial(ctx, id)
	if err != nil {
		return nil, err
	}
	kind, suborder, length := current.Kind, current.Suborder, current.Length
	if upd.Kind != nil {
		kind = *upd.Kind
	}
	if upd.Suborder != nil {
		suborder = *upd.Suborder
	}
	if upd.Length != nil {
		length = *upd.Length
	}
	if err := validateInterstitial(kind, suborder, length); err != nil {
		return nil, err
	}

	return s.execute(ctx, operation{
		name:      "interstitial.update",
		eventID:   current.EventID,
		subjectID: id,
		apply: func(tx *gorm.DB, st *scheduling.State) (*change, error) {
			var row models.Interstitial
			if err := tx.First(&row, "id = ?", id).Error; err != nil {
				return nil, fmt.Errorf("load interstitial: %w", err)
			}

			anchorID := row.AnchorID
			updates := map[string]any{}
			if upd.AnchorID != nil && *upd.AnchorID != row.AnchorID {
				if err := requireScheduledAnchor(st, *upd.AnchorID); err != nil {
					return nil, err
				}
				anchorID = *upd.AnchorID
				updates["anchor_id"] = anchorID
				// Leave the old anchor's order slot before taking a suborder there.
				if err := tx.Model(&models.Interstitial{}).Where("id = ?", id).UpdateColumn("run_order", nil).Error; err != nil {
					return nil, fmt.Errorf("detach interstitial: %w", err)
				}
			}
			if upd.Suborder != nil || anchorID != row.AnchorID {
				want := row.Suborder
				if upd.Suborder != nil {
					want = *upd.Suborder
				}
				resolved, err := resolveSuborder(tx, anchorID, id, want)
				if err != nil {
					return nil, err
				}
				updates["suborder"] = resolved
			}
			if upd.Kind != nil {
				updates["kind"] = *upd.Kind
			}
			if upd.Name != nil {
				updates["name"] = strings.TrimSpace(*upd.Name)
			}
			if upd.Length != nil {
				updates["length"] = upd.Length.Truncate(time.Second)
			}
			if len(updates) == 0 {
				return nil, reorder.ErrNoOp
			}
			updates["updated_at"] = time.Now().UTC()
			if err := tx.Model(&models.Interstitial{}).Where("id = ?", id).UpdateColumns(updates).Error; err != nil {
				return nil, fmt.Errorf("update interstitial: %w", err)
			}

			details := make(map[string]any, len(updates))
			for k, v := range updates {
				if k != "updated_at" {
					details[k] = fmt.Sprint(v)
				}
			}
			return &change{
				interstitials: []string{id},
				anchors:       []string{anchorID},
				notify:        events.EventInterstitialChanged,
				audit: &models.AuditLog{
					Action:       models.AuditActionInterstitialUpdate,
					ResourceType: "interstitial",
					ResourceID:   id,
					Details:      details,
				},
			}, nil
		},
	})
}

// DeleteInterstitial removes an interstitial.
func (s *Service) DeleteInterstitial(ctx context.Context, id string) (*Result, error) {
	current, err := s.interstitial(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.execute(ctx, operation{
		name:      "interstitial.delete",
		eventID:   current.EventID,
		subjectID: id,
		apply: func(tx *gorm.DB, st *scheduling.State) (*change, error) {
			res := tx.Delete(&models.Interstitial{}, "id = ?", id)
			if res.Error != nil {
				return nil, fmt.Errorf("delete interstitial: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return nil, fmt.Errorf("interstitial %s: %w", id, ErrNotFound)
			}
			return &change{
				deleted: []string{id},
				notify:  events.EventInterstitialChanged,
				audit: &models.AuditLog{
					Action:       models.AuditActionInterstitialDelete,
					ResourceType: "interstitial",
					ResourceID:   id,
					Details: map[string]any{
						"anchor_id": current.AnchorID,
						"suborder":  current.Suborder,
					},
				},
			}, nil
		},
	})
}

func (s *Service) interstitial(ctx context.Context, id string) (*models.Interstitial, error) {
	var row models.Interstitial
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("interstitial %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("load interstitial: %w", err)
	}
	return &row, nil
}

func validateInterstitial(kind models.InterstitialKind, suborder int, length time.Duration) error {
	switch kind {
	case models.InterstitialAd, models.InterstitialInterview:
	default:
		return fmt.Errorf("%w: unknown interstitial kind %q", ErrInvalidInput, kind)
	}
	if suborder < 0 {
		return fmt.Errorf("%w: suborder must be positive", ErrInvalidInput)
	}
	if length < 0 {
		return reorder.ErrInvalidDuration
	}
	return nil
}

// requireScheduledAnchor checks that anchorID is a scheduled segment of
// the locked event.
func requireScheduledAnchor(st *scheduling.State, anchorID string) error {
	seg, ok := findSegment(st, anchorID)
	if !ok {
		return fmt.Errorf("%w: %s", reorder.ErrForeignSegment, anchorID)
	}
	if !seg.Scheduled() {
		return fmt.Errorf("%w: %s", reorder.ErrUnscheduledReference, anchorID)
	}
	return nil
}

// resolveSuborder returns want when it is free under anchorID, or the next
// free suborder when want is zero. self is excluded from the check.
func resolveSuborder(tx *gorm.DB, anchorID, self string, want int) (int, error) {
	var used []int
	q := tx.Model(&models.Interstitial{}).Where("anchor_id = ?", anchorID)
	if self != "" {
		q = q.Where("id <> ?", self)
	}
	if err := q.Pluck("suborder", &used).Error; err != nil {
		return 0, fmt.Errorf("load suborders: %w", err)
	}

	highest := 0
	for _, u := range used {
		if want > 0 && u == want {
			return 0, fmt.Errorf("%w: %d", ErrSuborderTaken, want)
		}
		if u > highest {
			highest = u
		}
	}
	if want > 0 {
		return want, nil
	}
	return highest + 1, nil
}
