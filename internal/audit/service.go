/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/marathon_tracker/internal/events"
	"github.com/friendsincode/marathon_tracker/internal/models"
)

// Service records schedule mutations. Engine operations write their entry
// inside the schedule transaction with LogTx; operations without one
// (event creation, background scans) arrive through the event bus.
type Service struct {
	db     *gorm.DB
	bus    events.Broker
	logger zerolog.Logger
}

// NewService creates a new audit service.
func NewService(db *gorm.DB, bus events.Broker, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		bus:    bus,
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Start subscribes to bus events that carry their own audit payload and
// stores them until ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.logger.Info().Msg("audit service starting")

	eventCreated := s.bus.Subscribe(events.EventEventCreated)
	integrityReport := s.bus.Subscribe(events.EventIntegrityReport)

	defer func() {
		s.bus.Unsubscribe(events.EventEventCreated, eventCreated)
		s.bus.Unsubscribe(events.EventIntegrityReport, integrityReport)
	}()

	s.logger.Info().Msg("audit service started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("audit service stopping")
			return

		case payload := <-eventCreated:
			s.logAuditEntry(ctx, models.AuditActionEventCreate, payload)

		case payload := <-integrityReport:
			// Clean scans are not worth an entry
			if n, ok := payload.Count("findings"); ok && n == 0 {
				continue
			}
			s.logAuditEntry(ctx, models.AuditActionIntegrityScan, payload)
		}
	}
}

// payloadColumns are payload keys stored in their own audit columns rather
// than in details.
var payloadColumns = map[string]bool{
	"actor": true, "event_id": true, "resource_type": true,
	"resource_id": true, "ip_address": true, "user_agent": true,
}

// logAuditEntry stores a bus notification as an audit entry.
func (s *Service) logAuditEntry(ctx context.Context, action models.AuditAction, payload events.Payload) {
	str := func(key string) string {
		v, _ := payload[key].(string)
		return v
	}

	entry := &models.AuditLog{
		Action:       action,
		Actor:        str("actor"),
		ResourceType: str("resource_type"),
		ResourceID:   str("resource_id"),
		IPAddress:    str("ip_address"),
		UserAgent:    str("user_agent"),
		Details:      make(map[string]any, len(payload)),
	}
	if eventID := payload.EventID(); eventID != "" {
		entry.EventID = &eventID
	}
	for k, v := range payload {
		if !payloadColumns[k] {
			entry.Details[k] = v
		}
	}

	if err := s.Log(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("action", string(action)).Msg("failed to store audit entry from bus")
	}
}

// Log records an audit entry directly.
func (s *Service) Log(ctx context.Context, entry *models.AuditLog) error {
	return s.LogTx(s.db.WithContext(ctx), entry)
}

// LogTx records an audit entry on tx so it commits or rolls back with the
// change it describes.
func (s *Service) LogTx(tx *gorm.DB, entry *models.AuditLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if entry.Details == nil {
		entry.Details = make(map[string]any)
	}
	if o, ok := OriginFrom(tx.Statement.Context); ok {
		if entry.Actor == "" {
			entry.Actor = o.Actor
		}
		if entry.IPAddress == "" {
			entry.IPAddress = o.IPAddress
		}
		if entry.UserAgent == "" {
			entry.UserAgent = o.UserAgent
		}
	}

	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("create audit entry: %w", err)
	}

	s.logger.Debug().
		Str("action", string(entry.Action)).
		Str("id", entry.ID).
		Msg("audit entry logged")

	return nil
}

// QueryFilters defines filters for querying audit logs.
type QueryFilters struct {
	EventID    *string
	ResourceID *string
	Action     *models.AuditAction
	StartTime  *time.Time
	EndTime    *time.Time
	Limit      int
	Offset     int
}

// Query retrieves audit logs with filters.
func (s *Service) Query(ctx context.Context, filters QueryFilters) ([]models.AuditLog, int64, error) {
	var logs []models.AuditLog
	var total int64

	query := s.db.WithContext(ctx).Model(&models.AuditLog{})

	if filters.EventID != nil {
		query = query.Where("event_id = ?", *filters.EventID)
	}
	if filters.ResourceID != nil {
		query = query.Where("resource_id = ?", *filters.ResourceID)
	}
	if filters.Action != nil {
		query = query.Where("action = ?", *filters.Action)
	}
	if filters.StartTime != nil {
		query = query.Where("timestamp >= ?", *filters.StartTime)
	}
	if filters.EndTime != nil {
		query = query.Where("timestamp <= ?", *filters.EndTime)
	}

	// Count total
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// Apply pagination
	switch {
	case filters.Limit > 500:
		query = query.Limit(500)
	case filters.Limit > 0:
		query = query.Limit(filters.Limit)
	default:
		query = query.Limit(100)
	}
	if filters.Offset > 0 {
		query = query.Offset(filters.Offset)
	}

	// Order by timestamp descending (most recent first)
	if err := query.Order("timestamp DESC").Order("id").Find(&logs).Error; err != nil {
		return nil, 0, err
	}

	return logs, total, nil
}
