/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package reorder

import (
	"errors"
	"fmt"

	"github.com/friendsincode/marathon_tracker/internal/lock"
	"github.com/friendsincode/marathon_tracker/internal/scheduling"
)

// Base errors, one per failure class.
var (
	ErrMalformedDestination = errors.New("malformed destination")
	ErrAnchorViolation      = errors.New("anchor violation")
	ErrNoOp                 = errors.New("segment is already at the requested position")
)

// Malformed destinations.
var (
	ErrForeignSegment       = fmt.Errorf("%w: reference belongs to another event", ErrMalformedDestination)
	ErrDanglingReference    = fmt.Errorf("%w: referenced segment does not exist", ErrMalformedDestination)
	ErrUnscheduledReference = fmt.Errorf("%w: referenced segment is not scheduled", ErrMalformedDestination)
	ErrSelfReference        = fmt.Errorf("%w: segment cannot be placed relative to itself", ErrMalformedDestination)
	ErrOutOfRange           = fmt.Errorf("%w: order is out of range", ErrMalformedDestination)
)

// Anchor violations.
var (
	ErrAnchorImmovable   = fmt.Errorf("%w: anchored segments are immovable", ErrAnchorViolation)
	ErrAnchorAdjacent    = fmt.Errorf("%w: destination borders an anchored segment", ErrAnchorViolation)
	ErrAnchorUnscheduled = fmt.Errorf("%w: only scheduled segments can be anchored", ErrAnchorViolation)
)

// Class groups errors by how a caller should react.
type Class string

const (
	ClassNone       Class = ""
	ClassMalformed  Class = "malformed"
	ClassAnchor     Class = "anchor"
	ClassNoOp       Class = "noop"
	ClassInvariant  Class = "invariant"
	ClassContention Class = "contention"
	ClassInternal   Class = "internal"
)

// Classify maps err to its failure class.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrMalformedDestination):
		return ClassMalformed
	case errors.Is(err, ErrAnchorViolation):
		return ClassAnchor
	case errors.Is(err, ErrNoOp):
		return ClassNoOp
	case errors.Is(err, scheduling.ErrInvariant):
		return ClassInvariant
	case errors.Is(err, lock.ErrTimeout):
		return ClassContention
	default:
		return ClassInternal
	}
}
