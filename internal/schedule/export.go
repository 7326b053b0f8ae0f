/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

// ExportICalResult contains the iCal export data.
type ExportICalResult struct {
	Data        []byte
	Filename    string
	ContentType string
}

// ExportToICal renders the scheduled runs of an event as a calendar. Each
// run is one VEVENT; interstitials are listed in its description.
func (s *Service) ExportToICal(ctx context.Context, eventID string) (*ExportICalResult, error) {
	view, err := s.Schedule(ctx, eventID)
	if err != nil {
		return nil, err
	}

	data := RenderICal(view, time.Now())
	s.logger.Debug().Str("event_id", eventID).Int("runs", len(view.Entries)).Msg("exported schedule to iCal")

	return &ExportICalResult{
		Data:        []byte(data),
		Filename:    fmt.Sprintf("%s-schedule.ics", slugify(view.Event.Short)),
		ContentType: "text/calendar; charset=utf-8",
	}, nil
}

// RenderICal serializes a view. stamp becomes every event's DTSTAMP.
func RenderICal(view *View, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//Marathon Tracker//Schedule Export//EN")
	cal.SetXWRCalName(view.Event.Name + " Schedule")
	cal.SetXWRTimezone(view.Event.Timezone)

	for _, entry := range view.Entries {
		seg := entry.Segment
		if seg.StartTime == nil || seg.EndTime == nil {
			continue
		}
		ve := cal.AddEvent(seg.ID + "@marathon-tracker")
		ve.SetDtStampTime(stamp.UTC())
		ve.SetStartAt(seg.StartTime.UTC())
		ve.SetEndAt(seg.EndTime.UTC())
		ve.SetSummary(seg.Name)
		if desc := describe(entry); desc != "" {
			ve.SetDescription(desc)
		}
	}
	return cal.Serialize()
}

func describe(entry Entry) string {
	var lines []string
	seg := entry.Segment
	lines = append(lines, fmt.Sprintf("Run %d, estimate %s, setup %s", seg.OrderValue(), seg.RunTime, seg.SetupTime))
	if seg.AnchorTime != nil {
		lines = append(lines, "Fixed start at "+seg.AnchorTime.UTC().Format(time.RFC3339))
	}
	for _, in := range entry.Interstitials {
		label := string(in.Kind)
		if in.Name != "" {
			label += ": " + in.Name
		}
		lines = append(lines, fmt.Sprintf("After the run: %s (%s)", label, in.Length))
	}
	return strings.Join(lines, "\n")
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	dash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "event"
	}
	return out
}
