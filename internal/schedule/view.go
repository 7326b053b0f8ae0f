/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package schedule renders read-only views of an event's schedule for the
// public pages, the bid tracker and the prize component.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/friendsincode/marathon_tracker/internal/models"
)

var (
	// ErrUnscheduledRun is returned when a view needs the times of a run
	// that holds no position.
	ErrUnscheduledRun = errors.New("run is not scheduled")
	// ErrInvalidWindow is returned when a prize window would end before it starts.
	ErrInvalidWindow = errors.New("prize window ends before it starts")
)

// Entry is one scheduled run followed by its interstitials.
type Entry struct {
	Segment       models.Segment        `json:"segment"`
	Interstitials []models.Interstitial `json:"interstitials,omitempty"`
}

// View is the ordered schedule of one event.
type View struct {
	Event       models.Event     `json:"event"`
	Entries     []Entry          `json:"entries"`
	Unscheduled []models.Segment `json:"unscheduled"`
	Start       time.Time        `json:"start"`
	End         time.Time        `json:"end"`
}

// Build assembles a view from raw rows. Scheduled runs are sorted by order,
// unscheduled runs by name.
func Build(ev models.Event, segments []models.Segment, interstitials []models.Interstitial) *View {
	v := &View{
		Event:       ev,
		Entries:     []Entry{},
		Unscheduled: []models.Segment{},
		Start:       ev.Datetime,
		End:         ev.Datetime,
	}

	byAnchor := make(map[string][]models.Interstitial)
	for _, in := range interstitials {
		byAnchor[in.AnchorID] = append(byAnchor[in.AnchorID], in)
	}

	for _, seg := range segments {
		if !seg.Scheduled() {
			v.Unscheduled = append(v.Unscheduled, seg)
			continue
		}
		attached := byAnchor[seg.ID]
		sort.SliceStable(attached, func(i, j int) bool { return attached[i].Suborder < attached[j].Suborder })
		v.Entries = append(v.Entries, Entry{Segment: seg, Interstitials: attached})
	}

	sort.SliceStable(v.Entries, func(i, j int) bool {
		return *v.Entries[i].Segment.Order < *v.Entries[j].Segment.Order
	})
	sort.SliceStable(v.Unscheduled, func(i, j int) bool {
		return v.Unscheduled[i].Name < v.Unscheduled[j].Name
	})

	if n := len(v.Entries); n > 0 {
		if last := v.Entries[n-1].Segment.EndTime; last != nil {
			v.End = *last
		}
	}
	return v
}

// Phase tells where a run sits relative to a point in time.
type Phase string

const (
	PhasePast        Phase = "past"
	PhaseCurrent     Phase = "current"
	PhaseFuture      Phase = "future"
	PhaseUnscheduled Phase = "unscheduled"
)

// Classify places a run relative to now. A run is current from its start
// until just before its end.
func Classify(seg models.Segment, now time.Time) Phase {
	if !seg.Scheduled() || seg.StartTime == nil || seg.EndTime == nil {
		return PhaseUnscheduled
	}
	switch {
	case now.Before(*seg.StartTime):
		return PhaseFuture
	case now.Before(*seg.EndTime):
		return PhaseCurrent
	default:
		return PhasePast
	}
}

// Now is the state of the broadcast at one instant.
type Now struct {
	At      time.Time       `json:"at"`
	Current *models.Segment `json:"current"`
	Next    *models.Segment `json:"next"`
}

// Locate finds the run on air at now and the one after it. Before the
// event starts Current is nil and Next is the first run; after the last
// run both are nil.
func (v *View) Locate(now time.Time) Now {
	out := Now{At: now.UTC()}
	for i := range v.Entries {
		seg := v.Entries[i].Segment
		switch Classify(seg, now) {
		case PhaseCurrent:
			out.Current = &seg
			if i+1 < len(v.Entries) {
				next := v.Entries[i+1].Segment
				out.Next = &next
			}
			return out
		case PhaseFuture:
			out.Next = &seg
			return out
		}
	}
	return out
}

// Window is the time span a prize is open for.
type Window struct {
	StartRun string    `json:"start_run"`
	EndRun   string    `json:"end_run"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

// PrizeWindow runs from the start of startRun to the end of endRun. Both
// runs must be scheduled.
func PrizeWindow(startRun, endRun models.Segment) (*Window, error) {
	if !startRun.Scheduled() || startRun.StartTime == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnscheduledRun, startRun.ID)
	}
	if !endRun.Scheduled() || endRun.EndTime == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnscheduledRun, endRun.ID)
	}
	w := &Window{
		StartRun: startRun.ID,
		EndRun:   endRun.ID,
		Start:    *startRun.StartTime,
		End:      *endRun.EndTime,
	}
	if w.End.Before(w.Start) {
		return nil, ErrInvalidWindow
	}
	return w, nil
}
