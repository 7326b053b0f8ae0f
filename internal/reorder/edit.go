/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package reorder

import (
	"fmt"
	"time"

	"github.com/friendsincode/marathon_tracker/internal/cascade"
)

// ErrInvalidDuration is returned for negative durations.
var ErrInvalidDuration = fmt.Errorf("%w: duration must not be negative", ErrMalformedDestination)

// Duration plans a duration change of segmentID. The new times cascade
// through later segments up to the next anchor, the same bound a move
// uses.
func Duration(snap Snapshot, segmentID string, duration time.Duration) (*Plan, error) {
	if duration < 0 {
		return nil, ErrInvalidDuration
	}
	target, ok := snap.find(segmentID)
	if !ok {
		return nil, fmt.Errorf("%w: segment %s is not part of event %s", ErrMalformedDestination, segmentID, snap.EventID)
	}
	if target.Duration == duration {
		return nil, ErrNoOp
	}

	plan := &Plan{
		EventID:    snap.EventID,
		SegmentID:  segmentID,
		Case:       CaseDuration,
		OldOrder:   target.Order,
		NewOrder:   target.Order,
		Shift:      duration - target.Duration,
		Placements: make(map[string]Placement),
	}
	if target.Order == nil {
		plan.Placements[segmentID] = Placement{}
		return plan, nil
	}

	seq := snap.sequence()
	i := indexOf(seq, segmentID)
	seq[i].Duration = duration
	reflow(snap, seq, i, plan, false)
	return plan, nil
}

// Anchor plans setting or clearing the anchor time of segmentID. A nil
// anchor clears it and the segment falls back to following its
// predecessor.
func Anchor(snap Snapshot, segmentID string, anchor *time.Time) (*Plan, error) {
	target, ok := snap.find(segmentID)
	if !ok {
		return nil, fmt.Errorf("%w: segment %s is not part of event %s", ErrMalformedDestination, segmentID, snap.EventID)
	}
	if target.Order == nil {
		if anchor != nil {
			return nil, ErrAnchorUnscheduled
		}
		return nil, ErrNoOp
	}
	switch {
	case anchor == nil && target.Anchor == nil:
		return nil, ErrNoOp
	case anchor != nil && target.Anchor != nil && anchor.Equal(*target.Anchor):
		return nil, ErrNoOp
	}

	plan := &Plan{
		EventID:    snap.EventID,
		SegmentID:  segmentID,
		Case:       CaseAnchor,
		OldOrder:   target.Order,
		NewOrder:   target.Order,
		Placements: make(map[string]Placement),
	}

	seq := snap.sequence()
	i := indexOf(seq, segmentID)
	seq[i].Anchor = anchor
	reflow(snap, seq, i, plan, true)
	if p, ok := plan.Placements[segmentID]; ok && target.Start != nil {
		plan.Shift = p.Start.Sub(*target.Start)
	}
	return plan, nil
}

// reflow recomputes seq from index i up to the next anchor and records
// the result in plan. seq already carries the edited values. An anchor
// edit also makes the predecessor a checkpoint.
func reflow(snap Snapshot, seq []Entry, i int, plan *Plan, anchorEdit bool) {
	slots := make([]cascade.Slot, len(seq))
	for j, e := range seq {
		slots[j] = e.slot()
	}
	timings := currentTimings(snap, seq)
	before := append([]cascade.Timing(nil), timings...)

	prevEnd := snap.EventStart
	if i > 0 {
		prevEnd = timings[i-1].End
	}
	stop := cascade.Reflow(slots, timings, i, prevEnd)

	for j := i; j < stop; j++ {
		moved := timings[j].Start.Sub(before[j].Start)
		if j > i {
			switch {
			case moved > 0:
				plan.Forward = append(plan.Forward, seq[j].ID)
			case moved < 0:
				plan.Backward = append(plan.Backward, seq[j].ID)
			default:
				continue
			}
		}
		plan.place(seq[j].ID, j+1, timings[j].Start, timings[j].End)
	}

	// The predecessor gains or loses its place in front of an anchor, and
	// the segment in front of the stop anchor may now overrun it.
	var checkpoints []int
	if anchorEdit && i > 0 {
		checkpoints = append(checkpoints, i-1)
	}
	if stop < len(seq) {
		checkpoints = append(checkpoints, stop-1)
	}
	for _, j := range checkpoints {
		plan.Checkpoints = append(plan.Checkpoints, seq[j].ID)
		if _, ok := plan.Placements[seq[j].ID]; !ok {
			plan.place(seq[j].ID, j+1, timings[j].Start, timings[j].End)
		}
	}
}

// currentTimings returns the stored times of seq, falling back to a full
// recompute for rows that lack them.
func currentTimings(snap Snapshot, seq []Entry) []cascade.Timing {
	slots := make([]cascade.Slot, len(seq))
	for j, e := range seq {
		slots[j] = e.slot()
	}
	timings := cascade.Compute(snap.EventStart, slots)
	for j, e := range seq {
		if e.Start != nil && e.End != nil {
			timings[j] = cascade.Timing{Start: *e.Start, End: *e.End}
		}
	}
	return timings
}
