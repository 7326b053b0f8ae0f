/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/marathon_tracker/internal/integrity"
)

type integrityRepairRequest struct {
	Type       string `json:"type" validate:"omitempty,oneof=schedule_invariant orphan_interstitial anchor_overrun"`
	ResourceID string `json:"resource_id,omitempty"`
}

func (a *API) handleIntegrityReport(w http.ResponseWriter, r *http.Request) {
	if a.integritySvc == nil {
		writeError(w, http.StatusServiceUnavailable, "integrity_service_unavailable")
		return
	}
	eventID := chi.URLParam(r, "eventID")

	if _, err := a.schedule.Event(r.Context(), eventID); err != nil {
		a.writeScheduleError(w, r, err)
		return
	}
	report, err := a.integritySvc.ScanEvent(r.Context(), eventID)
	if err != nil {
		a.logger.Error().Err(err).Str("event_id", eventID).Msg("failed to run integrity scan")
		writeError(w, http.StatusInternalServerError, "scan_failed")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// handleIntegrityRepair fixes one finding. An empty body repairs the
// whole schedule of the event.
func (a *API) handleIntegrityRepair(w http.ResponseWriter, r *http.Request) {
	if a.integritySvc == nil {
		writeError(w, http.StatusServiceUnavailable, "integrity_service_unavailable")
		return
	}
	eventID := chi.URLParam(r, "eventID")

	var req integrityRepairRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeErrorMessage(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := a.validate.Struct(&req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	if req.Type == string(integrity.FindingOrphanInterstitial) && req.ResourceID == "" {
		writeErrorMessage(w, http.StatusBadRequest, "validation_failed", "resource_id is required for orphan_interstitial")
		return
	}

	result, err := a.integritySvc.Repair(r.Context(), integrity.RepairInput{
		Type:       integrity.FindingType(req.Type),
		EventID:    eventID,
		ResourceID: req.ResourceID,
	})
	if err != nil {
		a.logger.Error().
			Err(err).
			Str("type", req.Type).
			Str("event_id", eventID).
			Str("resource_id", req.ResourceID).
			Msg("integrity repair failed")
		a.writeScheduleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
