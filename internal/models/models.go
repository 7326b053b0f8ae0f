/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSegment is wrapped by every model-level validation failure of
// a segment.
var ErrInvalidSegment = errors.New("invalid segment")

var (
	ErrNegativeDuration = fmt.Errorf("%w: negative duration", ErrInvalidSegment)
	ErrStrayTimes       = fmt.Errorf("%w: unscheduled with times", ErrInvalidSegment)
	ErrOrderRange       = fmt.Errorf("%w: order out of range", ErrInvalidSegment)
	ErrMissingTimes     = fmt.Errorf("%w: scheduled without times", ErrInvalidSegment)
	ErrEndMismatch      = fmt.Errorf("%w: endtime mismatch", ErrInvalidSegment)
	ErrAnchorMismatch   = fmt.Errorf("%w: start differs from anchor", ErrInvalidSegment)
)

// Event is a marathon with its own ordered schedule.
type Event struct {
	ID       string    `gorm:"type:uuid;primaryKey" json:"id"`
	Short    string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"short"`
	Name     string    `gorm:"type:varchar(255);not null" json:"name"`
	Datetime time.Time `gorm:"not null" json:"datetime"` // left boundary of the schedule
	Timezone string    `gorm:"type:varchar(64);not null;default:'UTC'" json:"timezone"`

	Segments []Segment `gorm:"foreignKey:EventID" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Event) TableName() string {
	return "events"
}

// Segment is one run of the broadcast schedule.
type Segment struct {
	ID        string        `gorm:"type:uuid;primaryKey" json:"id"`
	EventID   string        `gorm:"type:uuid;not null;uniqueIndex:idx_segments_event_order,priority:1" json:"event_id"`
	Name      string        `gorm:"type:varchar(255);not null" json:"name"`
	RunTime   time.Duration `gorm:"not null;default:0" json:"run_time"`
	SetupTime time.Duration `gorm:"not null;default:0" json:"setup_time"`

	// Order is the 1-based position; nil means unscheduled.
	Order      *int       `gorm:"column:run_order;uniqueIndex:idx_segments_event_order,priority:2" json:"order"`
	StartTime  *time.Time `gorm:"index" json:"starttime"`
	EndTime    *time.Time `json:"endtime"`
	AnchorTime *time.Time `json:"anchor_time,omitempty"`

	Event *Event `gorm:"foreignKey:EventID" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Segment) TableName() string {
	return "segments"
}

// Duration is run time plus setup time.
func (s *Segment) Duration() time.Duration {
	return s.RunTime + s.SetupTime
}

// Scheduled reports whether the segment holds a position.
func (s *Segment) Scheduled() bool {
	return s.Order != nil
}

// Anchored reports whether the segment start is pinned to a wall-clock time.
func (s *Segment) Anchored() bool {
	return s.AnchorTime != nil
}

// OrderValue returns the order or 0 when unscheduled.
func (s *Segment) OrderValue() int {
	if s.Order == nil {
		return 0
	}
	return *s.Order
}

// Validate checks the invariants that can be decided from the row alone.
// It is not a save hook: the executor calls it for the rows whose
// boundary status changed.
func (s *Segment) Validate() error {
	if s.RunTime < 0 || s.SetupTime < 0 {
		return fmt.Errorf("%w: %s has a negative duration component", ErrNegativeDuration, s.ID)
	}
	if s.Order == nil {
		if s.StartTime != nil || s.EndTime != nil {
			return fmt.Errorf("%w: unscheduled %s carries times", ErrStrayTimes, s.ID)
		}
		return nil
	}
	if *s.Order < 1 {
		return fmt.Errorf("%w: %s has order %d", ErrOrderRange, s.ID, *s.Order)
	}
	if s.StartTime == nil || s.EndTime == nil {
		return fmt.Errorf("%w: scheduled %s is missing times", ErrMissingTimes, s.ID)
	}
	if !s.EndTime.Equal(s.StartTime.Add(s.Duration())) {
		return fmt.Errorf("%w: %s endtime does not match starttime plus duration", ErrEndMismatch, s.ID)
	}
	if s.AnchorTime != nil && !s.StartTime.Equal(*s.AnchorTime) {
		return fmt.Errorf("%w: anchored %s does not start at its anchor time", ErrAnchorMismatch, s.ID)
	}
	return nil
}

// InterstitialKind enumerates interstitial types.
type InterstitialKind string

const (
	InterstitialAd        InterstitialKind = "ad"
	InterstitialInterview InterstitialKind = "interview"
)

// Interstitial is an ad or interview placed after an anchor segment.
type Interstitial struct {
	ID       string           `gorm:"type:uuid;primaryKey" json:"id"`
	EventID  string           `gorm:"type:uuid;not null;uniqueIndex:idx_interstitials_event_order,priority:1" json:"event_id"`
	AnchorID string           `gorm:"type:uuid;not null;index" json:"anchor_id"`
	Kind     InterstitialKind `gorm:"type:varchar(32);not null;default:'ad'" json:"kind"`
	Name     string           `gorm:"type:varchar(255)" json:"name"`

	// Order mirrors Anchor.Order and is only written by the schedule engine.
	Order    *int          `gorm:"column:run_order;uniqueIndex:idx_interstitials_event_order,priority:2" json:"order"`
	Suborder int           `gorm:"not null;default:1;uniqueIndex:idx_interstitials_event_order,priority:3" json:"suborder"`
	Length   time.Duration `gorm:"not null;default:0" json:"length"`

	Anchor *Segment `gorm:"foreignKey:AnchorID" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (Interstitial) TableName() string {
	return "interstitials"
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
