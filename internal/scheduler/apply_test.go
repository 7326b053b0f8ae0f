/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/friendsincode/marathon_tracker/internal/models"
	"github.com/friendsincode/marathon_tracker/internal/reorder"
	"github.com/friendsincode/marathon_tracker/internal/scheduling"
)

// countSegmentUpdates counts UPDATE statements against the segments table.
func countSegmentUpdates(t *testing.T, db *gorm.DB) *int {
	t.Helper()
	n := new(int)
	name := "test:count_segment_updates"
	require.NoError(t, db.Callback().Update().After("gorm:update").Register(name, func(tx *gorm.DB) {
		if tx.Statement.Table == "segments" {
			*n++
		}
	}))
	t.Cleanup(func() { _ = db.Callback().Update().Remove(name) })
	return n
}

func TestLongMoveWritesShiftedRowsTogether(t *testing.T) {
	env := newTestEnv(t)
	runs := make([]run, 12)
	for i := range runs {
		runs[i] = run{name: fmt.Sprintf("R%02d", i+1), dur: 20 * time.Minute}
	}
	eventID, ids := env.seed(t, runs...)
	updates := countSegmentUpdates(t, env.db)

	result, err := env.svc.Move(context.Background(), ids["R12"], reorder.Destination{Order: models.IntPtr(1)})
	require.NoError(t, err)
	assert.Equal(t, reorder.CaseMoveBackward, result.Case)
	assert.Len(t, result.Segments, 12)

	// Clear, one order batch, one time batch and the mover.
	assert.Equal(t, 4, *updates)

	segs := env.schedule(t, eventID)
	require.Len(t, segs, 12)
	assert.Equal(t, "R12", segs[0].Name)
	for i, seg := range segs {
		assert.Equal(t, i+1, *seg.Order, seg.Name)
		assertStarts(t, seg, noon.Add(time.Duration(i)*20*time.Minute))
	}
	env.assertConsistent(t, eventID)
}

func TestMoveForwardBatchStopsAtAnchor(t *testing.T) {
	env := newTestEnv(t)
	eventID, ids := env.seed(t,
		run{name: "A", dur: 30 * time.Minute},
		run{name: "B", dur: 30 * time.Minute},
		run{name: "C", dur: 30 * time.Minute},
		run{name: "D", dur: 30 * time.Minute},
		run{name: "E", dur: 30 * time.Minute, anchor: models.TimePtr(at(14, 30))},
		run{name: "F", dur: 30 * time.Minute},
	)

	_, err := env.svc.Move(context.Background(), ids["A"], reorder.Destination{After: ids["C"]})
	require.NoError(t, err)

	assert.Equal(t, []string{"B", "C", "A", "D", "E", "F"}, env.names(t, eventID))
	for name, want := range map[string]time.Time{
		"B": at(12, 0), "C": at(12, 30), "A": at(13, 0), "D": at(13, 30), "E": at(14, 30), "F": at(15, 0),
	} {
		seg := env.segment(t, ids[name])
		assertStarts(t, seg, want)
	}
	env.assertConsistent(t, eventID)
}

func TestExecuteCommitsAfterCallerCancels(t *testing.T) {
	env := newTestEnv(t)
	eventID, ids := env.seed(t, fourRuns(nil)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := env.svc.execute(ctx, operation{
		name:      "move",
		eventID:   eventID,
		subjectID: ids["R4"],
		apply: func(tx *gorm.DB, st *scheduling.State) (*change, error) {
			plan, err := reorder.Move(reorder.NewSnapshot(st.Event, st.Segments), ids["R4"], reorder.Destination{Order: models.IntPtr(1)})
			if err != nil {
				return nil, err
			}
			// The client disconnects after the lock was taken.
			cancel()
			if err := applyPlan(tx, plan); err != nil {
				return nil, err
			}
			return &change{plan: plan, segments: plan.Changed(), checkpoints: plan.Checkpoints}, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"R4", "R1", "R2", "R3"}, env.names(t, eventID))
	env.assertConsistent(t, eventID)
}

func TestResaveCheckpointReportsBrokenInvariant(t *testing.T) {
	env := newTestEnv(t)
	eventID, ids := env.seed(t, fourRuns(models.TimePtr(at(13, 15)))...)

	err := resaveCheckpoint(env.db, ids["R3"], reorder.Placement{
		Order: models.IntPtr(3),
		Start: models.TimePtr(at(13, 0)),
		End:   models.TimePtr(at(13, 30)),
	})
	var verr *scheduling.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, eventID, verr.EventID)
	require.Len(t, verr.Violations, 1)
	assert.Equal(t, scheduling.InvariantAnchor, verr.Violations[0].Invariant)
	assert.Equal(t, ids["R3"], verr.Violations[0].EntityID)

	assertStarts(t, env.segment(t, ids["R3"]), at(13, 15))
}

func TestInvariantFor(t *testing.T) {
	tests := []struct {
		err  error
		want scheduling.Invariant
	}{
		{models.ErrNegativeDuration, scheduling.InvariantDuration},
		{models.ErrStrayTimes, scheduling.InvariantUnscheduled},
		{models.ErrOrderRange, scheduling.InvariantContiguity},
		{models.ErrMissingTimes, scheduling.InvariantDuration},
		{models.ErrEndMismatch, scheduling.InvariantDuration},
		{models.ErrAnchorMismatch, scheduling.InvariantAnchor},
		{fmt.Errorf("wrapped: %w", models.ErrStrayTimes), scheduling.InvariantUnscheduled},
		{errors.New("other"), scheduling.InvariantDuration},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, invariantFor(tt.err), tt.err.Error())
	}
}
