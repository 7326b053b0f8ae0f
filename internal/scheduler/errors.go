/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

import (
	"errors"
	"fmt"

	"github.com/friendsincode/marathon_tracker/internal/reorder"
)

var (
	// ErrNotFound is returned when the addressed event, segment or
	// interstitial does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput rejects request fields outside of a destination,
	// such as an unknown timezone or a taken slug.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAnchorOverrun is returned when a checkpoint segment would end
	// after the anchor that follows it.
	ErrAnchorOverrun = fmt.Errorf("%w: segment would overrun the next anchor", reorder.ErrAnchorViolation)

	// ErrAnchorsInterstitials refuses to unschedule or delete a segment
	// that interstitials are still attached to.
	ErrAnchorsInterstitials = fmt.Errorf("%w: segment still anchors interstitials", reorder.ErrAnchorViolation)

	// ErrSuborderTaken is returned when an interstitial suborder is
	// already used under the same anchor.
	ErrSuborderTaken = fmt.Errorf("%w: suborder already used by this anchor", ErrInvalidInput)
)

// Classify extends reorder.Classify with the executor's own errors.
func Classify(err error) reorder.Class {
	switch {
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrInvalidInput):
		return reorder.ClassMalformed
	default:
		return reorder.Classify(err)
	}
}

// ClassNotFound marks requests addressing a missing entity.
const ClassNotFound reorder.Class = "not_found"
