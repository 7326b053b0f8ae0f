/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduling

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendsincode/marathon_tracker/internal/models"
)

var noon = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func run(id string, order int, startMin, durMin int) models.Segment {
	start := noon.Add(time.Duration(startMin) * time.Minute)
	end := start.Add(time.Duration(durMin) * time.Minute)
	return models.Segment{
		ID: id, EventID: "ev", RunTime: time.Duration(durMin) * time.Minute,
		Order: models.IntPtr(order), StartTime: &start, EndTime: &end,
	}
}

func validState() State {
	r3 := run("r3", 3, 75, 30)
	r3.AnchorTime = models.TimePtr(*r3.StartTime)
	return State{
		Event: models.Event{ID: "ev", Datetime: noon},
		Segments: []models.Segment{
			run("r1", 1, 0, 30),
			run("r2", 2, 30, 30),
			r3,
			run("r4", 4, 105, 30),
			{ID: "u1", EventID: "ev", RunTime: time.Minute},
		},
		Interstitials: []models.Interstitial{
			{ID: "i1", EventID: "ev", AnchorID: "r2", Order: models.IntPtr(2), Suborder: 1},
		},
	}
}

func invariants(vs []ValidationViolation) []Invariant {
	out := make([]Invariant, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Invariant)
	}
	return out
}

func TestValidateConsistentSchedule(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	result := v.Validate(validState(), nil)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
	require.NoError(t, v.Check(validState(), nil))
}

func TestValidateViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*State)
		want   Invariant
	}{
		{"gap in order", func(s *State) { s.Segments[3].Order = models.IntPtr(5) }, InvariantContiguity},
		{"duplicate order", func(s *State) { s.Segments[1].Order = models.IntPtr(1) }, InvariantContiguity},
		{"start does not follow predecessor", func(s *State) {
			s.Segments[1].StartTime = models.TimePtr(noon.Add(31 * time.Minute))
			s.Segments[1].EndTime = models.TimePtr(noon.Add(61 * time.Minute))
		}, InvariantAdjacency},
		{"first start off event start", func(s *State) {
			s.Segments[0].StartTime = models.TimePtr(noon.Add(time.Minute))
			s.Segments[0].EndTime = models.TimePtr(noon.Add(31 * time.Minute))
		}, InvariantLeftBoundary},
		{"end off duration", func(s *State) { s.Segments[3].EndTime = models.TimePtr(noon) }, InvariantDuration},
		{"anchor moved", func(s *State) {
			s.Segments[2].AnchorTime = models.TimePtr(noon.Add(80 * time.Minute))
		}, InvariantAnchor},
		{"unscheduled with times", func(s *State) { s.Segments[4].StartTime = models.TimePtr(noon) }, InvariantUnscheduled},
		{"interstitial not mirrored", func(s *State) { s.Interstitials[0].Order = models.IntPtr(3) }, InvariantMirroring},
		{"interstitial on unscheduled anchor", func(s *State) { s.Interstitials[0].AnchorID = "u1" }, InvariantMirroring},
	}

	v := NewValidator(zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := validState()
			tt.mutate(&state)

			result := v.Validate(state, nil)
			assert.False(t, result.Valid)
			assert.Contains(t, invariants(result.Errors), tt.want)

			err := v.Check(state, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvariant))
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, "ev", verr.EventID)
		})
	}
}

func TestValidateScopesToChanged(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	state := validState()
	state.Segments[3].EndTime = models.TimePtr(noon)

	assert.True(t, v.Validate(state, []string{"r1", "r2"}).Valid)
	assert.False(t, v.Validate(state, []string{"r4"}).Valid)

	// Contiguity is always checked across the event.
	state = validState()
	state.Segments[3].Order = models.IntPtr(9)
	assert.False(t, v.Validate(state, []string{"r1"}).Valid)
}

func TestValidateOverrunIsWarning(t *testing.T) {
	v := NewValidator(zerolog.Nop())
	state := validState()
	state.Segments[1] = run("r2", 2, 30, 50)
	state.Segments[3] = run("r4", 4, 105, 30)

	result := v.Validate(state, nil)
	assert.True(t, result.Valid)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, InvariantOverrun, result.Warnings[0].Invariant)
	assert.Equal(t, "r2", result.Warnings[0].EntityID)
}
