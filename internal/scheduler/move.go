/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/friendsincode/marathon_tracker/internal/events"
	"github.com/friendsincode/marathon_tracker/internal/models"
	"github.com/friendsincode/marathon_tracker/internal/reorder"
	"github.com/friendsincode/marathon_tracker/internal/scheduling"
)

// Move places a segment at dest and cascades the times it affects.
func (s *Service) Move(ctx context.Context, segmentID string, dest reorder.Destination) (*Result, error) {
	if err := dest.Validate(); err != nil {
		return nil, err
	}
	eventID, err := s.eventOf(ctx, segmentID)
	if err != nil {
		return nil, err
	}

	return s.execute(ctx, operation{
		name:      "move",
		eventID:   eventID,
		subjectID: segmentID,
		apply: func(tx *gorm.DB, st *scheduling.State) (*change, error) {
			plan, err := reorder.Move(reorder.NewSnapshot(st.Event, st.Segments), segmentID, dest)
			if err != nil {
				if errors.Is(err, reorder.ErrForeignSegment) {
					return nil, classifyReference(tx, dest.Reference())
				}
				return nil, err
			}
			if plan.Case == reorder.CaseUnschedule {
				if err := refuseInterstitialAnchor(tx, segmentID); err != nil {
					return nil, err
				}
			}
			if err := applyPlan(tx, plan); err != nil {
				return nil, err
			}

			return &change{
				plan:        plan,
				segments:    plan.Changed(),
				checkpoints: plan.Checkpoints,
				notify:      events.EventScheduleChanged,
				audit: &models.AuditLog{
					Action:       models.AuditActionScheduleMove,
					ResourceType: "segment",
					ResourceID:   segmentID,
					Details: map[string]any{
						"destination": dest.String(),
						"case":        string(plan.Case),
						"from":        orderDetail(plan.OldOrder),
						"to":          orderDetail(plan.NewOrder),
						"changed":     len(plan.Placements),
					},
				},
			}, nil
		},
	})
}

// EditDuration changes the run and setup time of a segment. Later segments
// shift up to the next anchor.
func (s *Service) EditDuration(ctx context.Context, segmentID string, runTime, setupTime time.Duration) (*Result, error) {
	if runTime < 0 || setupTime < 0 {
		return nil, reorder.ErrInvalidDuration
	}
	runTime = runTime.Truncate(time.Second)
	setupTime = setupTime.Truncate(time.Second)

	eventID, err := s.eventOf(ctx, segmentID)
	if err != nil {
		return nil, err
	}

	return s.execute(ctx, operation{
		name:      "duration",
		eventID:   eventID,
		subjectID: segmentID,
		apply: func(tx *gorm.DB, st *scheduling.State) (*change, error) {
			seg, ok := findSegment(st, segmentID)
			if !ok {
				return nil, fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
			}
			if seg.RunTime == runTime && seg.SetupTime == setupTime {
				return nil, reorder.ErrNoOp
			}

			plan, err := reorder.Duration(reorder.NewSnapshot(st.Event, st.Segments), segmentID, runTime+setupTime)
			if errors.Is(err, reorder.ErrNoOp) {
				// Same total, different split: only the target row changes.
				plan = &reorder.Plan{
					EventID:    st.Event.ID,
					SegmentID:  segmentID,
					Case:       reorder.CaseDuration,
					OldOrder:   seg.Order,
					NewOrder:   seg.Order,
					Placements: map[string]reorder.Placement{segmentID: {Order: seg.Order, Start: seg.StartTime, End: seg.EndTime}},
				}
			} else if err != nil {
				return nil, err
			}

			if err := tx.Model(&models.Segment{}).Where("id = ?", segmentID).UpdateColumns(map[string]any{
				"run_time":   runTime,
				"setup_time": setupTime,
			}).Error; err != nil {
				return nil, fmt.Errorf("update duration: %w", err)
			}
			if err := applyPlan(tx, plan); err != nil {
				return nil, err
			}

			return &change{
				plan:        plan,
				segments:    plan.Changed(),
				checkpoints: plan.Checkpoints,
				notify:      events.EventScheduleChanged,
				audit: &models.AuditLog{
					Action:       models.AuditActionScheduleDuration,
					ResourceType: "segment",
					ResourceID:   segmentID,
					Details: map[string]any{
						"from_run_time":   seg.RunTime.String(),
						"from_setup_time": seg.SetupTime.String(),
						"run_time":        runTime.String(),
						"setup_time":      setupTime.String(),
						"shift":           plan.Shift.String(),
						"changed":         len(plan.Placements),
					},
				},
			}, nil
		},
	})
}

// SetAnchor pins a segment to anchor, or unpins it when anchor is nil.
func (s *Service) SetAnchor(ctx context.Context, segmentID string, anchor *time.Time) (*Result, error) {
	if anchor != nil {
		t := utcSecond(*anchor)
		anchor = &t
	}
	eventID, err := s.eventOf(ctx, segmentID)
	if err != nil {
		return nil, err
	}

	return s.execute(ctx, operation{
		name:      "anchor",
		eventID:   eventID,
		subjectID: segmentID,
		apply: func(tx *gorm.DB, st *scheduling.State) (*change, error) {
			seg, ok := findSegment(st, segmentID)
			if !ok {
				return nil, fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
			}
			plan, err := reorder.Anchor(reorder.NewSnapshot(st.Event, st.Segments), segmentID, anchor)
			if err != nil {
				return nil, err
			}

			if err := tx.Model(&models.Segment{}).Where("id = ?", segmentID).UpdateColumn("anchor_time", anchor).Error; err != nil {
				return nil, fmt.Errorf("update anchor: %w", err)
			}
			if err := applyPlan(tx, plan); err != nil {
				return nil, err
			}

			details := map[string]any{
				"from":    timeDetail(seg.AnchorTime),
				"to":      timeDetail(anchor),
				"shift":   plan.Shift.String(),
				"changed": len(plan.Placements),
			}
			return &change{
				plan:        plan,
				segments:    plan.Changed(),
				checkpoints: plan.Checkpoints,
				notify:      events.EventScheduleChanged,
				audit: &models.AuditLog{
					Action:       models.AuditActionScheduleAnchor,
					ResourceType: "segment",
					ResourceID:   segmentID,
					Details:      details,
				},
			}, nil
		},
	})
}

// DeleteSegment unschedules a segment and removes it. Anchored segments
// and segments that anchor interstitials are refused.
func (s *Service) DeleteSegment(ctx context.Context, segmentID string) (*Result, error) {
	eventID, err := s.eventOf(ctx, segmentID)
	if err != nil {
		return nil, err
	}

	return s.execute(ctx, operation{
		name:      "delete",
		eventID:   eventID,
		subjectID: segmentID,
		apply: func(tx *gorm.DB, st *scheduling.State) (*change, error) {
			seg, ok := findSegment(st, segmentID)
			if !ok {
				return nil, fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
			}
			if seg.Anchored() {
				return nil, reorder.ErrAnchorImmovable
			}
			if err := refuseInterstitialAnchor(tx, segmentID); err != nil {
				return nil, err
			}

			ch := &change{
				notify:  events.EventScheduleChanged,
				deleted: []string{segmentID},
			}
			if seg.Scheduled() {
				plan, err := reorder.Move(reorder.NewSnapshot(st.Event, st.Segments), segmentID, reorder.Destination{Unschedule: true})
				if err != nil {
					return nil, err
				}
				if err := applyPlan(tx, plan); err != nil {
					return nil, err
				}
				ch.plan = plan
				ch.checkpoints = plan.Checkpoints
				for _, id := range plan.Changed() {
					if id != segmentID {
						ch.addSegments(id)
					}
				}
			}

			if err := tx.Delete(&models.Segment{}, "id = ?", segmentID).Error; err != nil {
				return nil, fmt.Errorf("delete segment: %w", err)
			}

			ch.audit = &models.AuditLog{
				Action:       models.AuditActionScheduleDelete,
				ResourceType: "segment",
				ResourceID:   segmentID,
				Details: map[string]any{
					"name":    seg.Name,
					"from":    orderDetail(seg.Order),
					"changed": len(ch.segments),
				},
			}
			return ch, nil
		},
	})
}

// classifyReference tells a reference that does not exist from one that
// belongs to another event.
func classifyReference(tx *gorm.DB, ref string) error {
	var count int64
	if err := tx.Model(&models.Segment{}).Where("id = ?", ref).Count(&count).Error; err != nil {
		return fmt.Errorf("look up reference: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", reorder.ErrDanglingReference, ref)
	}
	return fmt.Errorf("%w: %s", reorder.ErrForeignSegment, ref)
}

func refuseInterstitialAnchor(tx *gorm.DB, segmentID string) error {
	var count int64
	if err := tx.Model(&models.Interstitial{}).Where("anchor_id = ?", segmentID).Count(&count).Error; err != nil {
		return fmt.Errorf("count interstitials: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%w: %d attached", ErrAnchorsInterstitials, count)
	}
	return nil
}

func orderDetail(order *int) any {
	if order == nil {
		return nil
	}
	return *order
}

func timeDetail(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
