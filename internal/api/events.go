/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/marathon_tracker/internal/scheduler"
)

type eventCreateRequest struct {
	Short    string    `json:"short" validate:"required,max=64"`
	Name     string    `json:"name" validate:"required,max=255"`
	Datetime time.Time `json:"datetime" validate:"required"`
	Timezone string    `json:"timezone" validate:"omitempty,max=64"`
}

func (a *API) handleEventsList(w http.ResponseWriter, r *http.Request) {
	list, err := a.schedule.Events(r.Context())
	if err != nil {
		a.writeScheduleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list})
}

func (a *API) handleEventsCreate(w http.ResponseWriter, r *http.Request) {
	var req eventCreateRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}

	ev, err := a.scheduler.CreateEvent(r.Context(), scheduler.EventInput{
		Short:    req.Short,
		Name:     req.Name,
		Datetime: req.Datetime,
		Timezone: req.Timezone,
	})
	if err != nil {
		a.writeScheduleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (a *API) handleSchedule(w http.ResponseWriter, r *http.Request) {
	view, err := a.schedule.Schedule(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		a.writeScheduleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleScheduleICal(w http.ResponseWriter, r *http.Request) {
	out, err := a.schedule.ExportToICal(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		a.writeScheduleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", out.ContentType)
	w.Header().Set("Content-Disposition", "attachment; filename=\""+out.Filename+"\"")
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Data)
}

// handleScheduleCurrent reports the run on air. ?at=<RFC 3339> asks about
// another instant.
func (a *API) handleScheduleCurrent(w http.ResponseWriter, r *http.Request) {
	at := time.Now()
	if raw := r.URL.Query().Get("at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "invalid_at", "at must be RFC 3339")
			return
		}
		at = t
	}

	now, err := a.schedule.Current(r.Context(), chi.URLParam(r, "eventID"), at)
	if err != nil {
		a.writeScheduleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, now)
}

func (a *API) handlePrizeWindow(w http.ResponseWriter, r *http.Request) {
	startRun := r.URL.Query().Get("start_run")
	endRun := r.URL.Query().Get("end_run")
	if startRun == "" || endRun == "" {
		writeErrorMessage(w, http.StatusBadRequest, "validation_failed", "start_run and end_run are required")
		return
	}

	window, err := a.schedule.PrizeWindow(r.Context(), chi.URLParam(r, "eventID"), startRun, endRun)
	if err != nil {
		a.writeScheduleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, window)
}
