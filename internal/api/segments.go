/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/marathon_tracker/internal/scheduler"
)

// maxBodyBytes bounds request bodies; schedule requests are tiny.
const maxBodyBytes = 64 << 10

type segmentCreateRequest struct {
	Name      string   `json:"name" validate:"required,max=255"`
	RunTime   Duration `json:"run_time" validate:"gte=0"`
	SetupTime Duration `json:"setup_time" validate:"gte=0"`
}

type durationRequest struct {
	RunTime   *Duration `json:"run_time" validate:"required"`
	SetupTime *Duration `json:"setup_time" validate:"required"`
}

type anchorRequest struct {
	AnchorTime *time.Time `json:"anchor_time"`
}

func (a *API) handleSegmentCreate(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")

	var req segmentCreateRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}

	res, err := a.scheduler.CreateSegment(r.Context(), eventID, scheduler.SegmentInput{
		Name:      req.Name,
		RunTime:   time.Duration(req.RunTime),
		SetupTime: time.Duration(req.SetupTime),
	})
	if err != nil {
		a.writeScheduleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// handleSegmentMove is the reorder endpoint. The body names exactly one
// destination: {"order": 3}, {"order": "last"}, {"order": null},
// {"before": "<id>"} or {"after": "<id>"}.
func (a *API) handleSegmentMove(w http.ResponseWriter, r *http.Request) {
	segmentID := chi.URLParam(r, "segmentID")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	dest, err := parseDestination(body)
	if err != nil {
		a.writeScheduleError(w, r, err)
		return
	}

	res, err := a.scheduler.Move(r.Context(), segmentID, dest)
	if err != nil {
		a.writeScheduleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleSegmentDuration(w http.ResponseWriter, r *http.Request) {
	segmentID := chi.URLParam(r, "segmentID")

	var req durationRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}

	res, err := a.scheduler.EditDuration(r.Context(), segmentID, time.Duration(*req.RunTime), time.Duration(*req.SetupTime))
	if err != nil {
		a.writeScheduleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSegmentAnchor sets the anchor; {"anchor_time": null} clears it.
func (a *API) handleSegmentAnchor(w http.ResponseWriter, r *http.Request) {
	segmentID := chi.URLParam(r, "segmentID")

	var fields map[string]json.RawMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&fields); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	raw, ok := fields["anchor_time"]
	if !ok || len(fields) != 1 {
		writeErrorMessage(w, http.StatusBadRequest, "validation_failed", "body must contain only anchor_time")
		return
	}
	var req anchorRequest
	if err := json.Unmarshal(raw, &req.AnchorTime); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid_anchor_time", "anchor_time must be RFC 3339 or null")
		return
	}

	res, err := a.scheduler.SetAnchor(r.Context(), segmentID, req.AnchorTime)
	if err != nil {
		a.writeScheduleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleSegmentDelete(w http.ResponseWriter, r *http.Request) {
	segmentID := chi.URLParam(r, "segmentID")

	res, err := a.scheduler.DeleteSegment(r.Context(), segmentID)
	if err != nil {
		a.writeScheduleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
