// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/schmalle/secman-outdated/pkg/outdated/constants"
	"github.com/schmalle/secman-outdated/pkg/outdated/coordinator"
	"github.com/schmalle/secman-outdated/pkg/outdated/jobs"
	"github.com/schmalle/secman-outdated/pkg/outdated/models"
	"github.com/schmalle/secman-outdated/pkg/outdated/query"
	"github.com/schmalle/secman-outdated/pkg/outdated/scope"
	"github.com/schmalle/secman-outdated/pkg/outdated/threshold"
)

const (
	defaultJobsLimit = 20
	maxJobsLimit     = 100
)

var (
	errAdminRequired = fmt.Errorf("%w: administrative principal required", query.ErrAccessDenied)
	errBadParameter  = fmt.Errorf("%w: bad parameter", query.ErrValidation)
	errBadBody       = fmt.Errorf("%w: bad request body", query.ErrValidation)
)

// errorResponse is the body of error responses.
type errorResponse struct {
	Error           string `json:"error"`
	JobID           string `json:"jobId,omitempty"`
	ProgressPercent *int   `json:"progressPercent,omitempty"`
}

func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("cannot encode response", "reason", err)
	}
}

// writeError maps err to its status code and writes the error response.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *jobs.ConflictError
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &conflict):
		status = http.StatusConflict
		resp.JobID = conflict.Job.ID
		resp.ProgressPercent = &conflict.Job.ProgressPercent
	case errors.Is(err, scope.ErrNoPrincipal):
		status = http.StatusUnauthorized
	case errors.Is(err, query.ErrValidation),
		errors.Is(err, threshold.ErrInvalidThreshold),
		errors.Is(err, coordinator.ErrInvalidTriggerSource):
		status = http.StatusBadRequest
	case errors.Is(err, query.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, query.ErrAssetNotFound), errors.Is(err, jobs.ErrJobNotFound):
		status = http.StatusNotFound
	default:
		slog.Error(
			"request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"reason", err,
		)
		resp.Error = http.StatusText(status)
	}

	writeJSON(w, resp, status)
}

// intParam parses an optional integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return def, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", errBadParameter, name, value)
	}

	return n, nil
}

// boolParam parses an optional boolean query parameter.
func boolParam(r *http.Request, name string, def bool) (bool, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return def, nil
	}

	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%w: %s=%q", errBadParameter, name, value)
	}

	return b, nil
}

func (s *Server) listAssets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(r, "page", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	size, err := intParam(r, "size", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}

	params := query.ListParams{
		Page:        page,
		PageSize:    size,
		Sort:        q.Get("sort"),
		Order:       q.Get("order"),
		ScopeID:     q.Get("scope"),
		Search:      q.Get("search"),
		MinSeverity: q.Get("minSeverity"),
	}

	result, err := s.engine.List(r.Context(), scopeFrom(r.Context()), params)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, result, http.StatusOK)
}

func (s *Server) assetDetail(w http.ResponseWriter, r *http.Request) {
	assetID, err := strconv.ParseUint(chi.URLParam(r, "assetID"), 10, 64)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: asset id", errBadParameter))
		return
	}

	page, err := intParam(r, "page", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	size, err := intParam(r, "size", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	onlyOverdue, err := boolParam(r, "onlyOverdue", true)
	if err != nil {
		writeError(w, r, err)
		return
	}

	params := query.DetailParams{
		Page:        page,
		PageSize:    size,
		OnlyOverdue: onlyOverdue,
	}
	detail, err := s.engine.AssetDetail(r.Context(), scopeFrom(r.Context()), assetID, params)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, detail, http.StatusOK)
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Summary(r.Context(), scopeFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, result, http.StatusOK)
}

// triggerRequest is the optional body of a refresh trigger.
type triggerRequest struct {
	Source string `json:"source"`
}

func (s *Server) triggerRefresh(w http.ResponseWriter, r *http.Request) {
	req := triggerRequest{Source: constants.TriggerManual}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, fmt.Errorf("%w: %w", errBadBody, err))
		return
	}

	switch req.Source {
	case "":
		req.Source = constants.TriggerManual
	case constants.TriggerManual, constants.TriggerImport:
	default:
		writeError(w, r, fmt.Errorf("%w: %q", coordinator.ErrInvalidTriggerSource, req.Source))
		return
	}

	job, err := s.coordinator.TriggerRefresh(r.Context(), req.Source)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, job, http.StatusAccepted)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultJobsLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit = min(max(limit, 1), maxJobsLimit)

	items, err := s.coordinator.ListJobs(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, map[string][]*models.RefreshJob{"items": items}, http.StatusOK)
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.coordinator.GetJobStatus(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, job, http.StatusOK)
}

func (s *Server) resetStalled(w http.ResponseWriter, r *http.Request) {
	timeout := s.stallTimeout
	if value := r.URL.Query().Get("timeout"); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			writeError(w, r, fmt.Errorf("%w: timeout=%q", errBadParameter, value))
			return
		}
		timeout = d
	}

	reset, err := s.coordinator.ResetStalled(r.Context(), timeout)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, map[string][]*models.RefreshJob{"reset": reset}, http.StatusOK)
}

// thresholdBody is the request and response body of the threshold
// endpoints.
type thresholdBody struct {
	ThresholdDays int                `json:"thresholdDays"`
	Job           *models.RefreshJob `json:"job,omitempty"`
}

func (s *Server) getThreshold(w http.ResponseWriter, r *http.Request) {
	days, err := s.coordinator.ThresholdDays(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, thresholdBody{ThresholdDays: days}, http.StatusOK)
}

func (s *Server) setThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", errBadBody, err))
		return
	}

	job, err := s.coordinator.SetThreshold(r.Context(), req.ThresholdDays)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, thresholdBody{ThresholdDays: req.ThresholdDays, Job: job}, http.StatusOK)
}
