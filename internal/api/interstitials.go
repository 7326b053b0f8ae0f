/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/marathon_tracker/internal/models"
	"github.com/friendsincode/marathon_tracker/internal/scheduler"
)

// Interstitial requests never carry an order; it follows the anchor.
type interstitialCreateRequest struct {
	AnchorID string   `json:"anchor_id" validate:"required"`
	Kind     string   `json:"kind" validate:"omitempty,oneof=ad interview"`
	Name     string   `json:"name" validate:"max=255"`
	Suborder int      `json:"suborder" validate:"gte=0"`
	Length   Duration `json:"length" validate:"gte=0"`
}

type interstitialUpdateRequest struct {
	AnchorID *string   `json:"anchor_id" validate:"omitempty,min=1"`
	Kind     *string   `json:"kind" validate:"omitempty,oneof=ad interview"`
	Name     *string   `json:"name" validate:"omitempty,max=255"`
	Suborder *int      `json:"suborder" validate:"omitempty,gte=1"`
	Length   *Duration `json:"length"`
}

func (a *API) handleInterstitialCreate(w http.ResponseWriter, r *http.Request) {
	var req interstitialCreateRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}

	res, err := a.scheduler.CreateInterstitial(r.Context(), scheduler.InterstitialInput{
		AnchorID: req.AnchorID,
		Kind:     models.InterstitialKind(req.Kind),
		Name:     req.Name,
		Suborder: req.Suborder,
		Length:   time.Duration(req.Length),
	})
	if err != nil {
		a.writeScheduleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (a *API) handleInterstitialUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "interstitialID")

	var req interstitialUpdateRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}

	upd := scheduler.InterstitialUpdate{
		AnchorID: req.AnchorID,
		Name:     req.Name,
		Suborder: req.Suborder,
	}
	if req.Kind != nil {
		kind := models.InterstitialKind(*req.Kind)
		upd.Kind = &kind
	}
	if req.Length != nil {
		length := time.Duration(*req.Length)
		upd.Length = &length
	}

	res, err := a.scheduler.UpdateInterstitial(r.Context(), id, upd)
	if err != nil {
		a.writeScheduleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleInterstitialDelete(w http.ResponseWriter, r *http.Request) {
	res, err := a.scheduler.DeleteInterstitial(r.Context(), chi.URLParam(r, "interstitialID"))
	if err != nil {
		a.writeScheduleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
