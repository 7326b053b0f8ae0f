/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/friendsincode/marathon_tracker/internal/audit"
	"github.com/friendsincode/marathon_tracker/internal/integrity"
	"github.com/friendsincode/marathon_tracker/internal/lock"
	"github.com/friendsincode/marathon_tracker/internal/reorder"
	"github.com/friendsincode/marathon_tracker/internal/schedule"
	"github.com/friendsincode/marathon_tracker/internal/scheduler"
	"github.com/friendsincode/marathon_tracker/internal/scheduling"
)

// ActorHeader names the operator on whose behalf a request is made. The
// tracker trusts its upstream for authentication.
const ActorHeader = "X-Marathon-Actor"

// API exposes HTTP handlers.
type API struct {
	scheduler    *scheduler.Service
	schedule     *schedule.Service
	integritySvc *integrity.Service
	auditSvc     *audit.Service
	validate     *validator.Validate
	retryAfter   time.Duration
	logger       zerolog.Logger
}

// New creates the API router wrapper. integritySvc and auditSvc may be nil.
func New(sched *scheduler.Service, views *schedule.Service, integritySvc *integrity.Service, auditSvc *audit.Service, logger zerolog.Logger) *API {
	return &API{
		scheduler:    sched,
		schedule:     views,
		integritySvc: integritySvc,
		auditSvc:     auditSvc,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		retryAfter:   time.Second,
		logger:       logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts every endpoint under /api/v1.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(originMiddleware)

		r.Get("/health", a.handleHealth)

		r.Route("/events", func(r chi.Router) {
			r.Get("/", a.handleEventsList)
			r.Post("/", a.handleEventsCreate)
			r.Route("/{eventID}", func(r chi.Router) {
				r.Get("/schedule", a.handleSchedule)
				r.Get("/schedule.ics", a.handleScheduleICal)
				r.Get("/schedule/current", a.handleScheduleCurrent)
				r.Get("/prize-window", a.handlePrizeWindow)
				r.Get("/audit", a.handleEventAuditList)
				r.Get("/integrity", a.handleIntegrityReport)
				r.Post("/integrity", a.handleIntegrityRepair)
				r.Post("/segments", a.handleSegmentCreate)
			})
		})

		r.Route("/segments/{segmentID}", func(r chi.Router) {
			r.Patch("/", a.handleSegmentMove)
			r.Delete("/", a.handleSegmentDelete)
			r.Patch("/duration", a.handleSegmentDuration)
			r.Put("/anchor", a.handleSegmentAnchor)
		})

		r.Route("/interstitials", func(r chi.Router) {
			r.Post("/", a.handleInterstitialCreate)
			r.Patch("/{interstitialID}", a.handleInterstitialUpdate)
			r.Delete("/{interstitialID}", a.handleInterstitialDelete)
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// originMiddleware records who made the request so audit entries written
// inside schedule transactions can name them.
func originMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		ctx := audit.WithOrigin(r.Context(), audit.Origin{
			Actor:     strings.TrimSpace(r.Header.Get(ActorHeader)),
			IPAddress: ip,
			UserAgent: r.UserAgent(),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// decodeJSON reads a request body into dst and runs struct validation.
// It writes the error response itself and reports whether to continue.
func (a *API) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
			}
			writeErrorMessage(w, http.StatusBadRequest, "validation_failed", strings.Join(fields, "; "))
			return false
		}
		writeErrorMessage(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

// writeScheduleError maps an engine error to its HTTP status.
func (a *API) writeScheduleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, schedule.ErrUnscheduledRun):
		writeErrorMessage(w, http.StatusUnprocessableEntity, "unscheduled_run", err.Error())
		return
	case errors.Is(err, schedule.ErrInvalidWindow):
		writeErrorMessage(w, http.StatusUnprocessableEntity, "invalid_window", err.Error())
		return
	}

	class := scheduler.Classify(err)
	if errors.Is(err, schedule.ErrNotFound) {
		class = scheduler.ClassNotFound
	}

	switch class {
	case scheduler.ClassNotFound:
		writeErrorMessage(w, http.StatusNotFound, "not_found", err.Error())
	case reorder.ClassMalformed:
		writeErrorMessage(w, http.StatusBadRequest, errorCode(err, "malformed_destination"), err.Error())
	case reorder.ClassAnchor:
		writeErrorMessage(w, http.StatusUnprocessableEntity, errorCode(err, "anchor_violation"), err.Error())
	case reorder.ClassNoOp:
		writeErrorMessage(w, http.StatusConflict, "no_op", err.Error())
	case reorder.ClassContention:
		w.Header().Set("Retry-After", strconv.Itoa(int(a.retryAfter.Seconds())))
		writeErrorMessage(w, http.StatusServiceUnavailable, "lock_timeout", err.Error())
	case reorder.ClassInvariant:
		a.logger.Error().Err(err).Str("path", r.URL.Path).Msg("schedule invariant breach")
		var verr *scheduling.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":      "invariant_violation",
				"message":    err.Error(),
				"violations": verr.Violations,
			})
			return
		}
		writeErrorMessage(w, http.StatusInternalServerError, "invariant_violation", err.Error())
	default:
		a.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

// errorCode names the specific precondition that failed.
func errorCode(err error, fallback string) string {
	codes := []struct {
		target error
		code   string
	}{
		{reorder.ErrForeignSegment, "foreign_segment"},
		{reorder.ErrDanglingReference, "dangling_reference"},
		{reorder.ErrUnscheduledReference, "unscheduled_reference"},
		{reorder.ErrSelfReference, "self_reference"},
		{reorder.ErrOutOfRange, "order_out_of_range"},
		{reorder.ErrInvalidDuration, "invalid_duration"},
		{scheduler.ErrSuborderTaken, "suborder_taken"},
		{scheduler.ErrInvalidInput, "invalid_input"},
		{reorder.ErrAnchorImmovable, "anchor_immovable"},
		{reorder.ErrAnchorAdjacent, "anchor_adjacent"},
		{reorder.ErrAnchorUnscheduled, "anchor_unscheduled"},
		{scheduler.ErrAnchorOverrun, "anchor_overrun"},
		{scheduler.ErrAnchorsInterstitials, "anchors_interstitials"},
		{lock.ErrTimeout, "lock_timeout"},
	}
	for _, c := range codes {
		if errors.Is(err, c.target) {
			return c.code
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeErrorMessage(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
