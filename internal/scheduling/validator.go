/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduling

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/marathon_tracker/internal/models"
)

// ErrInvariant is wrapped by every ValidationError.
var ErrInvariant = errors.New("schedule invariant violated")

// Invariant names a structural rule of the schedule.
type Invariant string

const (
	InvariantContiguity   Invariant = "contiguity"
	InvariantAdjacency    Invariant = "adjacency"
	InvariantLeftBoundary Invariant = "left_boundary"
	InvariantDuration     Invariant = "duration"
	InvariantAnchor       Invariant = "anchor"
	InvariantUnscheduled  Invariant = "unscheduled"
	InvariantMirroring    Invariant = "interstitial_mirroring"
	InvariantOverrun      Invariant = "anchor_overrun"
)

// ValidationViolation is one broken rule on one entity.
type ValidationViolation struct {
	Invariant  Invariant `json:"invariant"`
	EntityType string    `json:"entity_type"` // "segment", "interstitial"
	EntityID   string    `json:"entity_id"`
	Message    string    `json:"message"`
}

// ValidationResult holds the outcome of a validation pass. Errors make the
// schedule invalid; warnings flag states the engine tolerates but an
// operator should fix, such as a run overrunning the next anchor.
type ValidationResult struct {
	Valid     bool                  `json:"valid"`
	Errors    []ValidationViolation `json:"errors"`
	Warnings  []ValidationViolation `json:"warnings"`
	CheckedAt time.Time             `json:"checked_at"`
}

// ValidationError aborts a schedule transaction.
type ValidationError struct {
	EventID    string
	Violations []ValidationViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s %s: %s", v.EntityType, v.EntityID, v.Invariant))
	}
	return fmt.Sprintf("event %s: %d invariant violation(s): %s", e.EventID, len(e.Violations), strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvariant
}

// State is everything the validator needs about one event.
type State struct {
	Event         models.Event
	Segments      []models.Segment
	Interstitials []models.Interstitial
}

// Validator checks schedule invariants.
type Validator struct {
	logger zerolog.Logger
}

// NewValidator creates a new schedule validator.
func NewValidator(logger zerolog.Logger) *Validator {
	return &Validator{
		logger: logger.With().Str("component", "schedule_validator").Logger(),
	}
}

// Validate checks contiguity over the whole event and every other rule over
// the segments in changed. A nil changed set checks everything.
// Interstitials are checked when they or their anchor are in changed.
func (v *Validator) Validate(state State, changed []string) *ValidationResult {
	result := &ValidationResult{
		Valid:     true,
		Errors:    []ValidationViolation{},
		Warnings:  []ValidationViolation{},
		CheckedAt: time.Now().UTC(),
	}

	inScope := func(id string) bool { return true }
	if changed != nil {
		set := make(map[string]bool, len(changed))
		for _, id := range changed {
			set[id] = true
		}
		inScope = func(id string) bool { return set[id] }
	}

	scheduled := make([]models.Segment, 0, len(state.Segments))
	byID := make(map[string]models.Segment, len(state.Segments))
	for _, s := range state.Segments {
		byID[s.ID] = s
		if s.Order != nil {
			scheduled = append(scheduled, s)
		}
	}
	sort.SliceStable(scheduled, func(i, j int) bool { return *scheduled[i].Order < *scheduled[j].Order })

	fail := func(inv Invariant, kind, id, format string, args ...any) {
		result.Errors = append(result.Errors, ValidationViolation{
			Invariant: inv, EntityType: kind, EntityID: id, Message: fmt.Sprintf(format, args...),
		})
	}
	warn := func(inv Invariant, kind, id, format string, args ...any) {
		result.Warnings = append(result.Warnings, ValidationViolation{
			Invariant: inv, EntityType: kind, EntityID: id, Message: fmt.Sprintf(format, args...),
		})
	}

	for i, s := range scheduled {
		if *s.Order != i+1 {
			fail(InvariantContiguity, "segment", s.ID, "order %d where %d was expected", *s.Order, i+1)
		}
	}

	for i, s := range scheduled {
		if !inScope(s.ID) {
			continue
		}
		if s.StartTime == nil || s.EndTime == nil {
			fail(InvariantDuration, "segment", s.ID, "scheduled segment has no times")
			continue
		}
		if !s.EndTime.Equal(s.StartTime.Add(s.Duration())) {
			fail(InvariantDuration, "segment", s.ID, "endtime %s is not starttime %s plus %s",
				s.EndTime.Format(time.RFC3339), s.StartTime.Format(time.RFC3339), s.Duration())
		}
		if s.AnchorTime != nil {
			if !s.StartTime.Equal(*s.AnchorTime) {
				fail(InvariantAnchor, "segment", s.ID, "starttime %s differs from anchor %s",
					s.StartTime.Format(time.RFC3339), s.AnchorTime.Format(time.RFC3339))
			}
			if i > 0 && scheduled[i-1].EndTime != nil && scheduled[i-1].EndTime.After(*s.AnchorTime) {
				warn(InvariantOverrun, "segment", scheduled[i-1].ID, "ends at %s, after the anchor of %s at %s",
					scheduled[i-1].EndTime.Format(time.RFC3339), s.ID, s.AnchorTime.Format(time.RFC3339))
			}
			continue
		}
		if i == 0 {
			if !s.StartTime.Equal(state.Event.Datetime) {
				fail(InvariantLeftBoundary, "segment", s.ID, "first segment starts at %s, event starts at %s",
					s.StartTime.Format(time.RFC3339), state.Event.Datetime.Format(time.RFC3339))
			}
			continue
		}
		prev := scheduled[i-1]
		if prev.EndTime == nil || !s.StartTime.Equal(*prev.EndTime) {
			fail(InvariantAdjacency, "segment", s.ID, "starttime %s does not follow %s", s.StartTime.Format(time.RFC3339), prev.ID)
		}
	}

	for _, s := range state.Segments {
		if s.Order == nil && inScope(s.ID) && (s.StartTime != nil || s.EndTime != nil) {
			fail(InvariantUnscheduled, "segment", s.ID, "unscheduled segment carries times")
		}
	}

	for _, it := range state.Interstitials {
		if !inScope(it.ID) && !inScope(it.AnchorID) {
			continue
		}
		anchor, ok := byID[it.AnchorID]
		switch {
		case !ok:
			fail(InvariantMirroring, "interstitial", it.ID, "anchor %s is not in this event", it.AnchorID)
		case anchor.Order == nil:
			fail(InvariantMirroring, "interstitial", it.ID, "anchor %s is not scheduled", it.AnchorID)
		case it.Order == nil || *it.Order != *anchor.Order:
			fail(InvariantMirroring, "interstitial", it.ID, "order does not mirror anchor %s", it.AnchorID)
		}
	}

	if len(result.Errors) > 0 {
		result.Valid = false
		v.logger.Debug().
			Str("event_id", state.Event.ID).
			Int("errors", len(result.Errors)).
			Int("warnings", len(result.Warnings)).
			Msg("schedule validation failed")
	}
	return result
}

// Check runs Validate and returns a *ValidationError when it fails.
func (v *Validator) Check(state State, changed []string) error {
	result := v.Validate(state, changed)
	if result.Valid {
		return nil
	}
	return &ValidationError{EventID: state.Event.ID, Violations: result.Errors}
}
