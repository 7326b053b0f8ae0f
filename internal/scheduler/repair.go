/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/friendsincode/marathon_tracker/internal/cascade"
	"github.com/friendsincode/marathon_tracker/internal/events"
	"github.com/friendsincode/marathon_tracker/internal/models"
	"github.com/friendsincode/marathon_tracker/internal/scheduling"
)

// State reads the committed state of one event.
func (s *Service) State(ctx context.Context, eventID string) (*scheduling.State, error) {
	return loadState(s.db.WithContext(ctx), eventID, false)
}

// Repair rebuilds an event's schedule from its stored order: ranks are
// renumbered 1..N, every time is recomputed from the event start and the
// anchors, unscheduled rows lose their times and interstitials follow
// their anchors. Overruns cannot be fixed by recomputation and come back
// as warnings.
func (s *Service) Repair(ctx context.Context, eventID string) (*Result, error) {
	return s.execute(ctx, operation{
		name:      "repair",
		eventID:   eventID,
		subjectID: eventID,
		apply: func(tx *gorm.DB, st *scheduling.State) (*change, error) {
			seq := make([]models.Segment, 0, len(st.Segments))
			var stray []string
			for _, seg := range st.Segments {
				switch {
				case seg.Order != nil:
					seq = append(seq, seg)
				case seg.StartTime != nil || seg.EndTime != nil:
					stray = append(stray, seg.ID)
				}
			}
			sort.SliceStable(seq, func(i, j int) bool {
				if *seq[i].Order != *seq[j].Order {
					return *seq[i].Order < *seq[j].Order
				}
				return seq[i].ID < seq[j].ID
			})
			timings := cascade.Compute(st.Event.Datetime, cascade.SlotsFromSegments(seq))

			var fixed []string
			for i, seg := range seq {
				if *seg.Order != i+1 || !sameTime(seg.StartTime, timings[i].Start) || !sameTime(seg.EndTime, timings[i].End) {
					fixed = append(fixed, seg.ID)
				}
			}

			if len(fixed) > 0 {
				if err := tx.Model(&models.Segment{}).Where("id IN ?", fixed).UpdateColumn("run_order", nil).Error; err != nil {
					return nil, fmt.Errorf("clear orders: %w", err)
				}
			}
			for i, seg := range seq {
				if *seg.Order == i+1 && sameTime(seg.StartTime, timings[i].Start) && sameTime(seg.EndTime, timings[i].End) {
					continue
				}
				if err := tx.Model(&models.Segment{}).Where("id = ?", seg.ID).UpdateColumns(map[string]any{
					"run_order":  i + 1,
					"start_time": timings[i].Start,
					"end_time":   timings[i].End,
				}).Error; err != nil {
					return nil, fmt.Errorf("repair segment %s: %w", seg.ID, err)
				}
			}
			if len(stray) > 0 {
				if err := tx.Model(&models.Segment{}).Where("id IN ?", stray).UpdateColumns(map[string]any{
					"start_time": nil,
					"end_time":   nil,
				}).Error; err != nil {
					return nil, fmt.Errorf("clear unscheduled times: %w", err)
				}
			}

			moved, err := propagateInterstitials(tx, st.Event.ID, nil)
			if err != nil {
				return nil, err
			}

			ch := &change{
				segments:      append(fixed, stray...),
				interstitials: moved,
				fullScope:     true,
			}
			if len(ch.segments) == 0 && len(moved) == 0 {
				return ch, nil
			}
			ch.notify = events.EventScheduleChanged
			ch.audit = &models.AuditLog{
				Action:       models.AuditActionScheduleRepair,
				ResourceType: "event",
				ResourceID:   st.Event.ID,
				Details: map[string]any{
					"segments":      len(fixed) + len(stray),
					"interstitials": len(moved),
				},
			}
			return ch, nil
		},
	})
}

func sameTime(stored *time.Time, want time.Time) bool {
	return stored != nil && stored.Equal(want)
}
