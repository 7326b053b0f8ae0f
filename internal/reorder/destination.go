/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package reorder

import (
	"fmt"
	"strconv"
)

// Destination says where a segment should go. Exactly one field is set.
type Destination struct {
	Order      *int   // final 1-based position
	Last       bool   // end of the schedule
	Unschedule bool   // remove from the schedule
	Before     string // segment id
	After      string // segment id
}

// Validate checks that exactly one destination field is supplied.
func (d Destination) Validate() error {
	n := 0
	if d.Order != nil {
		n++
	}
	if d.Last {
		n++
	}
	if d.Unschedule {
		n++
	}
	if d.Before != "" {
		n++
	}
	if d.After != "" {
		n++
	}
	if n != 1 {
		return fmt.Errorf("%w: expected exactly one of order, before, after (got %d)", ErrMalformedDestination, n)
	}
	return nil
}

// Reference returns the segment id the destination is relative to, if any.
func (d Destination) Reference() string {
	if d.Before != "" {
		return d.Before
	}
	return d.After
}

func (d Destination) String() string {
	switch {
	case d.Order != nil:
		return "order=" + strconv.Itoa(*d.Order)
	case d.Last:
		return "order=last"
	case d.Unschedule:
		return "order=null"
	case d.Before != "":
		return "before=" + d.Before
	case d.After != "":
		return "after=" + d.After
	}
	return "none"
}
