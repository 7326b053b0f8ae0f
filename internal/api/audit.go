/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/marathon_tracker/internal/audit"
	"github.com/friendsincode/marathon_tracker/internal/models"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

// historyEntry is one schedule change as shown to operators.
type historyEntry struct {
	ID        string         `json:"id"`
	At        time.Time      `json:"timestamp"`
	Actor     string         `json:"actor,omitempty"`
	Action    string         `json:"action"`
	Kind      string         `json:"resource_type,omitempty"`
	SubjectID string         `json:"resource_id,omitempty"`
	From      any            `json:"from,omitempty"`
	To        any            `json:"to,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
}

func newHistoryEntry(log models.AuditLog) historyEntry {
	entry := historyEntry{
		ID:        log.ID,
		At:        log.Timestamp,
		Actor:     log.Actor,
		Action:    string(log.Action),
		Kind:      log.ResourceType,
		SubjectID: log.ResourceID,
		Details:   log.Details,
		IPAddress: log.IPAddress,
		UserAgent: log.UserAgent,
	}
	if log.Details != nil {
		entry.From = log.Details["from"]
		entry.To = log.Details["to"]
	}
	return entry
}

// handleEventAuditList returns the schedule history of one event, newest first.
// Filters: segment (or resource_id), action, since/until (RFC3339), limit, offset.
func (a *API) handleEventAuditList(w http.ResponseWriter, r *http.Request) {
	if a.auditSvc == nil {
		writeError(w, http.StatusServiceUnavailable, "audit_service_unavailable")
		return
	}
	eventID := chi.URLParam(r, "eventID")

	filters, err := historyFilters(r.URL.Query())
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	filters.EventID = &eventID

	logs, total, err := a.auditSvc.Query(r.Context(), filters)
	if err != nil {
		a.logger.Error().Err(err).Str("event_id", eventID).Msg("schedule history query failed")
		writeError(w, http.StatusInternalServerError, "query_failed")
		return
	}

	entries := make([]historyEntry, 0, len(logs))
	for _, log := range logs {
		entries = append(entries, newHistoryEntry(log))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"event_id":   eventID,
		"audit_logs": entries,
		"total":      total,
		"limit":      filters.Limit,
		"offset":     filters.Offset,
	})
}

// historyFilters reads the history query. Unlike the listing defaults,
// a malformed filter is an error rather than silently ignored.
func historyFilters(q url.Values) (audit.QueryFilters, error) {
	filters := audit.QueryFilters{Limit: defaultHistoryLimit}

	subject := q.Get("segment")
	if subject == "" {
		subject = q.Get("resource_id")
	}
	if subject != "" {
		filters.ResourceID = &subject
	}
	if action := q.Get("action"); action != "" {
		act := models.AuditAction(action)
		filters.Action = &act
	}

	for _, bound := range []struct {
		names []string
		dst   **time.Time
	}{
		{[]string{"since", "start_time"}, &filters.StartTime},
		{[]string{"until", "end_time"}, &filters.EndTime},
	} {
		for _, name := range bound.names {
			raw := q.Get(name)
			if raw == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return filters, fmt.Errorf("%s must be an RFC3339 timestamp", name)
			}
			*bound.dst = &t
			break
		}
	}
	if filters.StartTime != nil && filters.EndTime != nil && filters.EndTime.Before(*filters.StartTime) {
		return filters, fmt.Errorf("until is before since")
	}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			return filters, fmt.Errorf("limit must be between 1 and %d", maxHistoryLimit)
		}
		filters.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filters, fmt.Errorf("offset must be a non-negative integer")
		}
		filters.Offset = n
	}
	return filters, nil
}
