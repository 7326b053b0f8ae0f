/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package cascade

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noon = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func anchorAt(t time.Time) *time.Time { return &t }

func TestCompute(t *testing.T) {
	slots := []Slot{
		{ID: "r1", Duration: 30 * time.Minute},
		{ID: "r2", Duration: 30 * time.Minute},
		{ID: "r3", Duration: 30 * time.Minute, Anchor: anchorAt(noon.Add(75 * time.Minute))},
		{ID: "r4", Duration: 30 * time.Minute},
	}

	got := Compute(noon, slots)
	require.Len(t, got, 4)

	want := []time.Time{noon, noon.Add(30 * time.Minute), noon.Add(75 * time.Minute), noon.Add(105 * time.Minute)}
	for i := range want {
		assert.True(t, got[i].Start.Equal(want[i]), "slot %d start = %s, want %s", i, got[i].Start, want[i])
		assert.True(t, got[i].End.Equal(want[i].Add(30*time.Minute)), "slot %d end", i)
	}
}

func TestComputeEmpty(t *testing.T) {
	assert.Empty(t, Compute(noon, nil))
}

func TestFlexBlock(t *testing.T) {
	a := anchorAt(noon.Add(2 * time.Hour))
	slots := []Slot{
		{ID: "a"}, {ID: "b"}, {ID: "c", Anchor: a}, {ID: "d"}, {ID: "e", Anchor: a},
	}

	tests := []struct {
		name   string
		index  int
		lo, hi int
	}{
		{"first block from event start", 0, 0, 1},
		{"second slot of first block", 1, 0, 1},
		{"anchor opens a block", 2, 2, 3},
		{"inside anchored block", 3, 2, 3},
		{"trailing anchor", 4, 4, 4},
		{"out of range", 7, -1, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lo, hi := FlexBlock(slots, tt.index)
			assert.Equal(t, tt.lo, lo)
			assert.Equal(t, tt.hi, hi)
		})
	}
}

func TestReflowStopsAtAnchor(t *testing.T) {
	slots := []Slot{
		{ID: "r1", Duration: 10 * time.Minute},
		{ID: "r2", Duration: 10 * time.Minute},
		{ID: "r3", Duration: 10 * time.Minute, Anchor: anchorAt(noon.Add(time.Hour))},
		{ID: "r4", Duration: 10 * time.Minute},
	}
	timings := Compute(noon, slots)
	before := timings[3]

	slots[0].Duration = 20 * time.Minute
	stop := Reflow(slots, timings, 0, noon)

	assert.Equal(t, 2, stop)
	assert.True(t, timings[1].Start.Equal(noon.Add(20*time.Minute)))
	assert.True(t, timings[2].Start.Equal(noon.Add(time.Hour)))
	assert.Equal(t, before, timings[3])
}

func TestReflowFromAnchor(t *testing.T) {
	slots := []Slot{
		{ID: "r1", Duration: 10 * time.Minute, Anchor: anchorAt(noon)},
		{ID: "r2", Duration: 10 * time.Minute},
	}
	timings := make([]Timing, 2)
	stop := Reflow(slots, timings, 0, noon.Add(-time.Hour))

	assert.Equal(t, 2, stop)
	assert.True(t, timings[0].Start.Equal(noon))
	assert.True(t, timings[1].Start.Equal(noon.Add(10*time.Minute)))
}

func TestOverruns(t *testing.T) {
	next := Slot{ID: "x", Anchor: anchorAt(noon)}
	assert.False(t, Overruns(noon, next))
	assert.False(t, Overruns(noon.Add(-time.Minute), next))
	assert.True(t, Overruns(noon.Add(time.Second), next))
	assert.False(t, Overruns(noon.Add(time.Hour), Slot{ID: "y"}))
}
