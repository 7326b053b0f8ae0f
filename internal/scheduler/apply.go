/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/marathon_tracker/internal/cascade"
	"github.com/friendsincode/marathon_tracker/internal/models"
	"github.com/friendsincode/marathon_tracker/internal/reorder"
	"github.com/friendsincode/marathon_tracker/internal/scheduling"
)

// applyPlan writes a plan. Orders are cleared first so no intermediate
// state collides on (event_id, run_order). Rows that follow the plan's
// uniform order delta and time shift are written in batches: one order
// statement per delta and one time statement per direction. The mover,
// checkpoints and any row whose placement does not fit its batch are
// written one at a time.
func applyPlan(tx *gorm.DB, plan *reorder.Plan) error {
	changed := plan.Changed()
	if len(changed) == 0 {
		return nil
	}

	var current []models.Segment
	if err := tx.Select("id", "run_order", "start_time").
		Where("event_id = ? AND id IN ?", plan.EventID, changed).
		Find(&current).Error; err != nil {
		return fmt.Errorf("load placements: %w", err)
	}
	before := make(map[string]models.Segment, len(current))
	for _, seg := range current {
		before[seg.ID] = seg
	}

	if err := tx.Model(&models.Segment{}).
		Where("event_id = ? AND id IN ?", plan.EventID, changed).
		UpdateColumn("run_order", nil).Error; err != nil {
		return fmt.Errorf("clear orders: %w", err)
	}

	b := batchPlan(plan, changed, before)

	if err := writeOrders(tx, b.shifted, before, plan.OrderDelta); err != nil {
		return err
	}
	if err := writeOrders(tx, b.kept, before, 0); err != nil {
		return err
	}
	for _, ids := range [][]string{b.forward, b.backward} {
		if err := writeTimes(tx, ids, plan.Placements); err != nil {
			return err
		}
	}

	for _, id := range b.single {
		p := plan.Placements[id]
		if err := tx.Model(&models.Segment{}).Where("id = ?", id).UpdateColumns(map[string]any{
			"run_order":  p.Order,
			"start_time": p.Start,
			"end_time":   p.End,
		}).Error; err != nil {
			return fmt.Errorf("update segment %s: %w", id, err)
		}
	}

	for _, id := range plan.Checkpoints {
		if err := resaveCheckpoint(tx, id, plan.Placements[id]); err != nil {
			return err
		}
	}
	return nil
}

// writeBatches splits a plan's changed rows by how they are written.
type writeBatches struct {
	shifted  []string // order moves by the plan's delta
	kept     []string // order restored unchanged
	forward  []string
	backward []string
	single   []string
}

func batchPlan(plan *reorder.Plan, changed []string, before map[string]models.Segment) writeBatches {
	reordered := toSet(plan.Reordered)
	forward := toSet(plan.Forward)
	backward := toSet(plan.Backward)

	var b writeBatches
	for _, id := range changed {
		if plan.IsCheckpoint(id) {
			continue
		}
		p := plan.Placements[id]
		old, ok := before[id]
		if id == plan.SegmentID || !ok || p.Order == nil || old.Order == nil || p.Start == nil || p.End == nil || old.StartTime == nil {
			b.single = append(b.single, id)
			continue
		}

		delta := 0
		if reordered[id] {
			delta = plan.OrderDelta
		}
		var shift time.Duration
		switch {
		case forward[id]:
			shift = plan.Shift
		case backward[id]:
			shift = -plan.Shift
		}
		if *old.Order+delta != *p.Order || !old.StartTime.Add(shift).Equal(*p.Start) {
			b.single = append(b.single, id)
			continue
		}

		if delta != 0 {
			b.shifted = append(b.shifted, id)
		} else {
			b.kept = append(b.kept, id)
		}
		switch {
		case shift > 0:
			b.forward = append(b.forward, id)
		case shift < 0:
			b.backward = append(b.backward, id)
		}
	}
	return b
}

// writeOrders sets run_order to the pre-clear order plus delta for ids in a
// single statement.
func writeOrders(tx *gorm.DB, ids []string, before map[string]models.Segment, delta int) error {
	if len(ids) == 0 {
		return nil
	}
	old := caseByID(tx, ids, "integer", func(id string) any { return *before[id].Order })
	if err := tx.Model(&models.Segment{}).
		Where("id IN ?", ids).
		UpdateColumn("run_order", gorm.Expr("(?) + "+castParam(tx, "integer"), old, delta)).Error; err != nil {
		return fmt.Errorf("update orders: %w", err)
	}
	return nil
}

// writeTimes sets the planned times of ids in a single statement. The
// values are computed in Go since interval arithmetic differs per dialect.
func writeTimes(tx *gorm.DB, ids []string, placements map[string]reorder.Placement) error {
	if len(ids) == 0 {
		return nil
	}
	starts := caseByID(tx, ids, "timestamptz", func(id string) any { return placements[id].Start.UTC() })
	ends := caseByID(tx, ids, "timestamptz", func(id string) any { return placements[id].End.UTC() })
	if err := tx.Model(&models.Segment{}).
		Where("id IN ?", ids).
		UpdateColumns(map[string]any{"start_time": starts, "end_time": ends}).Error; err != nil {
		return fmt.Errorf("update times: %w", err)
	}
	return nil
}

// caseByID builds CASE id WHEN ? THEN ? ... END over ids.
func caseByID(tx *gorm.DB, ids []string, sqlType string, value func(id string) any) clause.Expr {
	param := castParam(tx, sqlType)
	var sb strings.Builder
	args := make([]any, 0, 2*len(ids))
	sb.WriteString("CASE id")
	for _, id := range ids {
		sb.WriteString(" WHEN ? THEN ")
		sb.WriteString(param)
		args = append(args, id, value(id))
	}
	sb.WriteString(" END")
	return gorm.Expr(sb.String(), args...)
}

// castParam types a bind parameter for postgres, which cannot infer it
// inside CASE.
func castParam(tx *gorm.DB, sqlType string) string {
	if tx.Dialector.Name() == "postgres" {
		return "CAST(? AS " + sqlType + ")"
	}
	return "?"
}

func toSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

// resaveCheckpoint loads a checkpoint row, applies its placement, checks
// the row on its own and saves it in full.
func resaveCheckpoint(tx *gorm.DB, id string, p reorder.Placement) error {
	var seg models.Segment
	if err := tx.First(&seg, "id = ?", id).Error; err != nil {
		return fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	seg.Order = p.Order
	seg.StartTime = p.Start
	seg.EndTime = p.End

	if err := seg.Validate(); err != nil {
		return &scheduling.ValidationError{
			EventID: seg.EventID,
			Violations: []scheduling.ValidationViolation{{
				Invariant:  invariantFor(err),
				EntityType: "segment",
				EntityID:   id,
				Message:    err.Error(),
			}},
		}
	}
	if err := tx.Omit(clause.Associations).Save(&seg).Error; err != nil {
		return fmt.Errorf("save checkpoint %s: %w", id, err)
	}
	return nil
}

// invariantFor names the invariant a row check failure breaks.
func invariantFor(err error) scheduling.Invariant {
	switch {
	case errors.Is(err, models.ErrStrayTimes):
		return scheduling.InvariantUnscheduled
	case errors.Is(err, models.ErrOrderRange):
		return scheduling.InvariantContiguity
	case errors.Is(err, models.ErrAnchorMismatch):
		return scheduling.InvariantAnchor
	default:
		return scheduling.InvariantDuration
	}
}

// renumber closes gaps left in the order sequence and returns the ids it
// corrected. Walking ascending never collides: every earlier row already
// holds a smaller rank.
func renumber(tx *gorm.DB, eventID string) ([]string, error) {
	var rows []models.Segment
	if err := tx.Select("id", "run_order").
		Where("event_id = ? AND run_order IS NOT NULL", eventID).
		Order("run_order").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}

	var fixed []string
	for i, row := range rows {
		if *row.Order == i+1 {
			continue
		}
		if err := tx.Model(&models.Segment{}).Where("id = ?", row.ID).UpdateColumn("run_order", i+1).Error; err != nil {
			return nil, fmt.Errorf("renumber segment %s: %w", row.ID, err)
		}
		fixed = append(fixed, row.ID)
	}
	return fixed, nil
}

// propagateInterstitials copies the order of each anchor in anchorIDs onto
// its interstitials and returns the ids that changed. A nil anchorIDs
// covers the whole event.
func propagateInterstitials(tx *gorm.DB, eventID string, anchorIDs []string) ([]string, error) {
	if anchorIDs != nil && len(anchorIDs) == 0 {
		return nil, nil
	}

	q := tx.Where("event_id = ?", eventID)
	if anchorIDs != nil {
		q = q.Where("anchor_id IN ?", anchorIDs)
	}
	var interstitials []models.Interstitial
	if err := q.Find(&interstitials).Error; err != nil {
		return nil, fmt.Errorf("load interstitials: %w", err)
	}
	if len(interstitials) == 0 {
		return nil, nil
	}

	anchors := make([]string, 0, len(interstitials))
	for _, in := range interstitials {
		anchors = appendUnique(anchors, in.AnchorID)
	}
	var rows []models.Segment
	if err := tx.Select("id", "run_order").Where("id IN ?", anchors).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load anchor orders: %w", err)
	}
	orders := make(map[string]*int, len(rows))
	for _, row := range rows {
		orders[row.ID] = row.Order
	}

	var stale []models.Interstitial
	for _, in := range interstitials {
		if !sameOrder(in.Order, orders[in.AnchorID]) {
			stale = append(stale, in)
		}
	}
	if len(stale) == 0 {
		return nil, nil
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ID < stale[j].ID })

	ids := make([]string, len(stale))
	for i, in := range stale {
		ids[i] = in.ID
	}
	if err := tx.Model(&models.Interstitial{}).Where("id IN ?", ids).UpdateColumn("run_order", nil).Error; err != nil {
		return nil, fmt.Errorf("clear interstitial orders: %w", err)
	}
	for _, in := range stale {
		if err := tx.Model(&models.Interstitial{}).Where("id = ?", in.ID).UpdateColumn("run_order", orders[in.AnchorID]).Error; err != nil {
			return nil, fmt.Errorf("update interstitial %s: %w", in.ID, err)
		}
	}
	return ids, nil
}

// checkOverruns rejects checkpoints that end after the anchor following
// them.
func checkOverruns(st *scheduling.State, checkpoints []string) error {
	if len(checkpoints) == 0 {
		return nil
	}
	seq := make([]models.Segment, 0, len(st.Segments))
	for _, seg := range st.Segments {
		if seg.Order != nil {
			seq = append(seq, seg)
		}
	}
	sort.SliceStable(seq, func(i, j int) bool { return *seq[i].Order < *seq[j].Order })
	slots := cascade.SlotsFromSegments(seq)

	for _, id := range checkpoints {
		for i := range seq {
			if seq[i].ID != id || i+1 >= len(seq) || seq[i].EndTime == nil {
				continue
			}
			if cascade.Overruns(*seq[i].EndTime, slots[i+1]) {
				return fmt.Errorf("%w: %s ends at %s after %s is anchored at %s", ErrAnchorOverrun,
					id, seq[i].EndTime.UTC().Format("15:04:05"), seq[i+1].ID, seq[i+1].AnchorTime.UTC().Format("15:04:05"))
			}
		}
	}
	return nil
}
