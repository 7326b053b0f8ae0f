/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// AuditAction defines the type of audited action.
type AuditAction string

// Audit action constants for schedule mutations.
const (
	AuditActionScheduleMove       AuditAction = "schedule.move"
	AuditActionScheduleDuration   AuditAction = "schedule.duration"
	AuditActionScheduleAnchor     AuditAction = "schedule.anchor"
	AuditActionScheduleDelete     AuditAction = "schedule.delete"
	AuditActionScheduleRepair     AuditAction = "schedule.repair"
	AuditActionSegmentCreate      AuditAction = "segment.create"
	AuditActionInterstitialCreate AuditAction = "interstitial.create"
	AuditActionInterstitialUpdate AuditAction = "interstitial.update"
	AuditActionInterstitialDelete AuditAction = "interstitial.delete"
	AuditActionEventCreate        AuditAction = "event.create"
	AuditActionIntegrityScan      AuditAction = "integrity.scan"
)

// AuditLog records schedule mutations for operators.
type AuditLog struct {
	ID           string         `gorm:"type:uuid;primaryKey" json:"id"`
	Timestamp    time.Time      `gorm:"index:idx_audit_timestamp;not null" json:"timestamp"`
	Actor        string         `gorm:"type:varchar(255)" json:"actor,omitempty"` // operator name from the request, empty for system actions
	EventID      *string        `gorm:"type:uuid;index:idx_audit_event" json:"event_id,omitempty"`
	Action       AuditAction    `gorm:"type:varchar(64);index:idx_audit_action;not null" json:"action"`
	ResourceType string         `gorm:"type:varchar(64)" json:"resource_type"` // "segment", "interstitial", "event"
	ResourceID   string         `gorm:"type:uuid" json:"resource_id"`
	Details      map[string]any `gorm:"type:jsonb;serializer:json" json:"details,omitempty"`
	IPAddress    string         `gorm:"type:varchar(45)" json:"ip_address,omitempty"`
	UserAgent    string         `gorm:"type:varchar(512)" json:"user_agent,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// TableName returns the table name for GORM.
func (AuditLog) TableName() string {
	return "audit_logs"
}
