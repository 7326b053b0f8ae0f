/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/marathon_tracker/internal/cache"
	"github.com/friendsincode/marathon_tracker/internal/models"
	"github.com/friendsincode/marathon_tracker/internal/telemetry"
)

// ErrNotFound is returned for unknown events and runs.
var ErrNotFound = errors.New("not found")

// Service serves read views. It never writes schedule rows.
type Service struct {
	db     *gorm.DB
	cache  *cache.Cache
	logger zerolog.Logger
}

// NewService creates a read view service. cache may be nil.
func NewService(db *gorm.DB, c *cache.Cache, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		cache:  c,
		logger: logger.With().Str("component", "schedule").Logger(),
	}
}

// Events lists all events, soonest first.
func (s *Service) Events(ctx context.Context) ([]models.Event, error) {
	var list []models.Event
	if err := s.db.WithContext(ctx).Order("datetime ASC").Order("short ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return list, nil
}

// Event loads one event.
func (s *Service) Event(ctx context.Context, eventID string) (*models.Event, error) {
	var ev models.Event
	if err := s.db.WithContext(ctx).First(&ev, "id = ?", eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
		}
		return nil, fmt.Errorf("load event: %w", err)
	}
	return &ev, nil
}

// Schedule returns the ordered view of an event, from cache when possible.
func (s *Service) Schedule(ctx context.Context, eventID string) (view *View, err error) {
	var cached View
	if s.cache.GetSchedule(ctx, eventID, &cached) {
		return &cached, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "schedule", "view", eventID)
	defer func() { telemetry.EndSpan(span, err, "") }()

	ev, err := s.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}

	tx := s.db.WithContext(ctx)
	var segments []models.Segment
	if err := tx.Where("event_id = ?", eventID).Order("run_order").Find(&segments).Error; err != nil {
		return nil, fmt.Errorf("load segments: %w", err)
	}
	var interstitials []models.Interstitial
	if err := tx.Where("event_id = ?", eventID).Order("run_order").Order("suborder").Find(&interstitials).Error; err != nil {
		return nil, fmt.Errorf("load interstitials: %w", err)
	}

	view = Build(*ev, segments, interstitials)
	if err := s.cache.SetSchedule(ctx, eventID, view); err != nil {
		s.logger.Debug().Err(err).Str("event_id", eventID).Msg("failed to cache schedule view")
	}
	return view, nil
}

// Current reports the run on air at now and the one after it.
func (s *Service) Current(ctx context.Context, eventID string, now time.Time) (*Now, error) {
	view, err := s.Schedule(ctx, eventID)
	if err != nil {
		return nil, err
	}
	out := view.Locate(now)
	return &out, nil
}

// PrizeWindow resolves the eligibility window spanned by two runs of an event.
func (s *Service) PrizeWindow(ctx context.Context, eventID, startRunID, endRunID string) (*Window, error) {
	startRun, err := s.run(ctx, eventID, startRunID)
	if err != nil {
		return nil, err
	}
	endRun, err := s.run(ctx, eventID, endRunID)
	if err != nil {
		return nil, err
	}
	return PrizeWindow(*startRun, *endRun)
}

func (s *Service) run(ctx context.Context, eventID, segmentID string) (*models.Segment, error) {
	var seg models.Segment
	err := s.db.WithContext(ctx).First(&seg, "id = ? AND event_id = ?", segmentID, eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %s: %w", segmentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	return &seg, nil
}
