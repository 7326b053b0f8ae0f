/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package cascade derives segment start and end times from the ordered
// schedule. Every function here is pure.
package cascade

import (
	"time"

	"github.com/friendsincode/marathon_tracker/internal/models"
)

// Slot is one scheduled position as the calculator sees it.
type Slot struct {
	ID       string
	Duration time.Duration
	Anchor   *time.Time
}

// Anchored reports whether the slot start is fixed.
func (s Slot) Anchored() bool {
	return s.Anchor != nil
}

// Timing is a derived start and end.
type Timing struct {
	Start time.Time
	End   time.Time
}

// SlotsFromSegments converts ordered segments into slots.
func SlotsFromSegments(segments []models.Segment) []Slot {
	slots := make([]Slot, len(segments))
	for i := range segments {
		slots[i] = Slot{
			ID:       segments[i].ID,
			Duration: segments[i].Duration(),
			Anchor:   segments[i].AnchorTime,
		}
	}
	return slots
}

// Next returns the timing of s when it follows a slot ending at prevEnd.
// Anchored slots ignore prevEnd.
func Next(prevEnd time.Time, s Slot) Timing {
	start := prevEnd
	if s.Anchor != nil {
		start = *s.Anchor
	}
	return Timing{Start: start, End: start.Add(s.Duration)}
}

// Compute derives timings for every slot in order, starting at eventStart.
func Compute(eventStart time.Time, slots []Slot) []Timing {
	out := make([]Timing, len(slots))
	prev := eventStart
	for i, s := range slots {
		out[i] = Next(prev, s)
		prev = out[i].End
	}
	return out
}

// FlexBlock returns the inclusive index range of the flex block holding
// index i. A block opens at the event start or at an anchor and closes
// right before the next anchor or at the end of the schedule.
func FlexBlock(slots []Slot, i int) (lo, hi int) {
	if i < 0 || i >= len(slots) {
		return -1, -1
	}
	lo = i
	for lo > 0 && !slots[lo].Anchored() {
		lo--
	}
	hi = i
	for hi+1 < len(slots) && !slots[hi+1].Anchored() {
		hi++
	}
	return lo, hi
}

// Reflow recomputes timings from index from up to, but not including,
// the next anchor after it. It returns the index of that anchor, or
// len(slots) when the reflow ran to the end of the schedule. prevEnd is
// the end of the slot preceding from, or the event start.
func Reflow(slots []Slot, timings []Timing, from int, prevEnd time.Time) int {
	for i := from; i < len(slots); i++ {
		if i > from && slots[i].Anchored() {
			return i
		}
		timings[i] = Next(prevEnd, slots[i])
		prevEnd = timings[i].End
	}
	return len(slots)
}

// Overruns reports whether a slot ending at prevEnd runs past the anchor
// that follows it.
func Overruns(prevEnd time.Time, next Slot) bool {
	return next.Anchor != nil && prevEnd.After(*next.Anchor)
}
