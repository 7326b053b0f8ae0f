/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package reorder computes the minimal set of schedule changes for a move,
// a duration edit or an anchor edit. Planning is pure: it reads a snapshot
// of one event and returns a Plan for the executor to apply.
package reorder

import (
	"fmt"
	"sort"
	"time"

	"github.com/friendsincode/marathon_tracker/internal/cascade"
	"github.com/friendsincode/marathon_tracker/internal/models"
)

// Case identifies the kind of change a plan performs.
type Case string

const (
	CaseSchedule     Case = "schedule"
	CaseUnschedule   Case = "unschedule"
	CaseMoveForward  Case = "move_forward"
	CaseMoveBackward Case = "move_backward"
	CaseDuration     Case = "duration"
	CaseAnchor       Case = "anchor"
)

// Entry is one segment as the planner sees it.
type Entry struct {
	ID       string
	EventID  string
	Order    *int
	Start    *time.Time
	End      *time.Time
	Duration time.Duration
	Anchor   *time.Time
}

func (e Entry) anchored() bool { return e.Anchor != nil }

func (e Entry) slot() cascade.Slot {
	return cascade.Slot{ID: e.ID, Duration: e.Duration, Anchor: e.Anchor}
}

// Snapshot is the state of one event's schedule read under its lock.
type Snapshot struct {
	EventID    string
	EventStart time.Time
	Entries    []Entry
}

// NewSnapshot builds a snapshot from stored rows.
func NewSnapshot(event models.Event, segments []models.Segment) Snapshot {
	snap := Snapshot{EventID: event.ID, EventStart: event.Datetime, Entries: make([]Entry, 0, len(segments))}
	for _, s := range segments {
		snap.Entries = append(snap.Entries, Entry{
			ID:       s.ID,
			EventID:  s.EventID,
			Order:    s.Order,
			Start:    s.StartTime,
			End:      s.EndTime,
			Duration: s.Duration(),
			Anchor:   s.AnchorTime,
		})
	}
	return snap
}

// sequence returns the scheduled entries in ascending order.
func (s Snapshot) sequence() []Entry {
	seq := make([]Entry, 0, len(s.Entries))
	for _, e := range s.Entries {
		if e.Order != nil {
			seq = append(seq, e)
		}
	}
	sort.SliceStable(seq, func(i, j int) bool { return *seq[i].Order < *seq[j].Order })
	return seq
}

func (s Snapshot) find(id string) (Entry, bool) {
	for _, e := range s.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Placement is the final order and times of a changed segment.
type Placement struct {
	Order *int
	Start *time.Time
	End   *time.Time
}

// Plan is the set of writes needed for one schedule change. The id sets
// are disjoint except that checkpoints may overlap with the others.
type Plan struct {
	EventID   string
	SegmentID string
	Case      Case
	OldOrder  *int
	NewOrder  *int

	Reordered   []string
	OrderDelta  int
	Forward     []string
	Backward    []string
	Shift       time.Duration
	Checkpoints []string

	Placements map[string]Placement
}

// Changed returns every segment id the plan touches, sorted by final
// order with unscheduled segments last.
func (p *Plan) Changed() []string {
	ids := make([]string, 0, len(p.Placements))
	for id := range p.Placements {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		oi, oj := p.Placements[ids[i]].Order, p.Placements[ids[j]].Order
		switch {
		case oi == nil && oj == nil:
			return ids[i] < ids[j]
		case oi == nil:
			return false
		case oj == nil:
			return true
		}
		return *oi < *oj
	})
	return ids
}

// IsCheckpoint reports whether id needs full re-validation.
func (p *Plan) IsCheckpoint(id string) bool {
	for _, c := range p.Checkpoints {
		if c == id {
			return true
		}
	}
	return false
}

// Move plans moving segmentID to dest.
func Move(snap Snapshot, segmentID string, dest Destination) (*Plan, error) {
	if err := dest.Validate(); err != nil {
		return nil, err
	}
	mover, ok := snap.find(segmentID)
	if !ok {
		return nil, fmt.Errorf("%w: segment %s is not part of event %s", ErrMalformedDestination, segmentID, snap.EventID)
	}
	if mover.anchored() {
		return nil, ErrAnchorImmovable
	}

	seq := snap.sequence()
	oldIdx := indexOf(seq, segmentID)

	newOrder, err := resolve(snap, seq, oldIdx, segmentID, dest)
	if err != nil {
		return nil, err
	}

	if newOrder == nil && oldIdx < 0 {
		return nil, ErrNoOp
	}
	if newOrder != nil && oldIdx >= 0 && *newOrder == oldIdx+1 {
		return nil, ErrNoOp
	}

	if err := guardAnchors(seq, dest); err != nil {
		return nil, err
	}

	return build(snap, seq, mover, oldIdx, newOrder), nil
}

// resolve turns a destination into a final 1-based position, or nil to
// unschedule.
func resolve(snap Snapshot, seq []Entry, oldIdx int, segmentID string, dest Destination) (*int, error) {
	n := len(seq)
	scheduled := oldIdx >= 0
	switch {
	case dest.Unschedule:
		return nil, nil
	case dest.Last:
		if scheduled {
			return intPtr(n), nil
		}
		return intPtr(n + 1), nil
	case dest.Order != nil:
		limit := n
		if !scheduled {
			limit = n + 1
		}
		if *dest.Order < 1 || *dest.Order > limit {
			return nil, fmt.Errorf("%w: %d not in 1..%d", ErrOutOfRange, *dest.Order, limit)
		}
		return intPtr(*dest.Order), nil
	}

	ref := dest.Reference()
	if ref == segmentID {
		return nil, ErrSelfReference
	}
	x, ok := snap.find(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrForeignSegment, ref)
	}
	if x.Order == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnscheduledReference, ref)
	}
	xIdx := indexOf(seq, ref)

	if dest.Before != "" {
		if scheduled && oldIdx < xIdx {
			return intPtr(xIdx), nil
		}
		return intPtr(xIdx + 1), nil
	}
	if scheduled && oldIdx < xIdx {
		return intPtr(xIdx + 1), nil
	}
	return intPtr(xIdx + 2), nil
}

func guardAnchors(seq []Entry, dest Destination) error {
	switch {
	case dest.Before != "":
		if x := seq[indexOf(seq, dest.Before)]; x.anchored() {
			return fmt.Errorf("%w: cannot place before anchored %s, use order or after", ErrAnchorAdjacent, x.ID)
		}
	case dest.After != "":
		i := indexOf(seq, dest.After)
		if i+1 < len(seq) && seq[i+1].anchored() {
			return fmt.Errorf("%w: the slot after %s is anchored by %s", ErrAnchorAdjacent, dest.After, seq[i+1].ID)
		}
	}
	return nil
}

func build(snap Snapshot, seq []Entry, mover Entry, oldIdx int, newOrder *int) *Plan {
	d := mover.Duration
	plan := &Plan{
		EventID:    snap.EventID,
		SegmentID:  mover.ID,
		OldOrder:   mover.Order,
		NewOrder:   newOrder,
		Shift:      d,
		Placements: make(map[string]Placement),
	}

	rest := make([]Entry, 0, len(seq))
	for _, e := range seq {
		if e.ID != mover.ID {
			rest = append(rest, e)
		}
	}
	next := rest
	if newOrder != nil {
		k := *newOrder - 1
		next = make([]Entry, 0, len(rest)+1)
		next = append(next, rest[:k]...)
		next = append(next, mover)
		next = append(next, rest[k:]...)
	}

	switch {
	case oldIdx < 0:
		plan.Case, plan.OrderDelta = CaseSchedule, 1
	case newOrder == nil:
		plan.Case, plan.OrderDelta = CaseUnschedule, -1
	case oldIdx+1 < *newOrder:
		plan.Case, plan.OrderDelta = CaseMoveForward, -1
	default:
		plan.Case, plan.OrderDelta = CaseMoveBackward, 1
	}

	// Walk the flex block the mover leaves, then the one it enters. Each
	// walk stops at the first anchor; the sum is the net time shift.
	delta := make(map[string]time.Duration)
	var stops []string
	if oldIdx >= 0 {
		for i := oldIdx + 1; i < len(seq); i++ {
			if seq[i].anchored() {
				stops = append(stops, seq[i].ID)
				break
			}
			delta[seq[i].ID] -= d
		}
	}
	if newOrder != nil {
		for i := *newOrder - 1; i < len(rest); i++ {
			if rest[i].anchored() {
				stops = append(stops, rest[i].ID)
				break
			}
			delta[rest[i].ID] += d
		}
	}

	oldPos := positions(seq)
	newPos := positions(next)

	timings := make([]cascade.Timing, len(next))
	prevEnd := snap.EventStart
	for i, e := range next {
		var start time.Time
		switch {
		case e.ID == mover.ID:
			start = prevEnd
		case e.anchored():
			start = *e.Anchor
		case e.Start != nil:
			start = e.Start.Add(delta[e.ID])
		default:
			start = prevEnd
		}
		end := start.Add(e.Duration)
		timings[i] = cascade.Timing{Start: start, End: end}
		prevEnd = end

		moved := e.ID != mover.ID && oldPos[e.ID] != i+1
		shifted := delta[e.ID] != 0
		if moved {
			plan.Reordered = append(plan.Reordered, e.ID)
		}
		switch {
		case delta[e.ID] > 0:
			plan.Forward = append(plan.Forward, e.ID)
		case delta[e.ID] < 0:
			plan.Backward = append(plan.Backward, e.ID)
		}
		if e.ID == mover.ID || moved || shifted {
			plan.place(e.ID, i+1, start, end)
		}
	}
	if newOrder == nil {
		plan.Placements[mover.ID] = Placement{}
	}

	// Checkpoints sit right before an anchor the walks stopped at, or
	// gained or lost their place in front of an anchor.
	checkpoints := make(map[string]bool)
	for _, stop := range stops {
		if p := newPos[stop]; p > 1 {
			checkpoints[next[p-2].ID] = true
		}
	}
	oldFront := frontOfAnchor(seq)
	newFront := frontOfAnchor(next)
	for id := range oldFront {
		if !newFront[id] && newPos[id] > 0 {
			checkpoints[id] = true
		}
	}
	for id := range newFront {
		if !oldFront[id] {
			checkpoints[id] = true
		}
	}
	for i, e := range next {
		if !checkpoints[e.ID] {
			continue
		}
		plan.Checkpoints = append(plan.Checkpoints, e.ID)
		if _, ok := plan.Placements[e.ID]; !ok {
			plan.place(e.ID, i+1, timings[i].Start, timings[i].End)
		}
	}
	return plan
}

func (p *Plan) place(id string, order int, start, end time.Time) {
	p.Placements[id] = Placement{Order: intPtr(order), Start: timePtr(start), End: timePtr(end)}
}

// positions maps ids to 1-based positions in seq.
func positions(seq []Entry) map[string]int {
	out := make(map[string]int, len(seq))
	for i, e := range seq {
		out[e.ID] = i + 1
	}
	return out
}

// frontOfAnchor returns the ids immediately followed by an anchor.
func frontOfAnchor(seq []Entry) map[string]bool {
	out := make(map[string]bool)
	for i := 0; i+1 < len(seq); i++ {
		if seq[i+1].anchored() {
			out[seq[i].ID] = true
		}
	}
	return out
}

func indexOf(seq []Entry, id string) int {
	for i, e := range seq {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }
