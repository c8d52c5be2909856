package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/planfinder/internal/model"
	"github.com/sells-group/planfinder/internal/report"
	"github.com/sells-group/planfinder/internal/search"
)

const maxBody = 1 << 20

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.GetPlan(r.Context(), chi.URLParam(r, "planID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var q search.Query
	if !decode(w, r, &q) {
		return
	}
	res, err := s.search.Search(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type compareRequest struct {
	PlanIDs []string `json:"plan_ids"`
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if !decode(w, r, &req) {
		return
	}
	cmp, err := s.search.Compare(r.Context(), req.PlanIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

type costRequest struct {
	Scenario string `json:"scenario"`
	Age      int    `json:"age"`
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	var req costRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	sc, err := search.ParseScenario(req.Scenario)
	if err != nil {
		writeError(w, r, err)
		return
	}
	est, err := s.search.EstimateAnnualCost(r.Context(), chi.URLParam(r, "planID"), sc, req.Age)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) handleChecks(w http.ResponseWriter, r *http.Request) {
	checks, err := s.store.ListQualityChecks(r.Context(), chi.URLParam(r, "planID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if checks == nil {
		checks = []model.QualityCheckResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"checks": checks})
}

// handleRefresh starts an operator refresh. With ?wait=true the response
// is the finished job; otherwise it is the job as accepted.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	handle, err := s.orch.TriggerManualRefresh(r.Context(), chi.URLParam(r, "planID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		job, err := handle.Wait(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
		return
	}
	job, err := s.orch.Jobs().Get(r.Context(), handle.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleFreshness(w http.ResponseWriter, r *http.Request) {
	rep, err := s.orch.GetFreshnessReport(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	format, err := report.ParseFormat(r.URL.Query().Get("format"))
	if err != nil || format == report.FormatTable {
		format = report.FormatJSON
	}
	switch format {
	case report.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
	case report.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
	case report.FormatXLSX:
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="freshness.xlsx"`)
	}
	if err := report.Write(w, rep, format); err != nil {
		zap.L().Error("api: write freshness report", zap.Error(err))
	}
}

type batchRequest struct {
	PlanIDs []string `json:"plan_ids"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}
	if !slices.ContainsFunc(req.PlanIDs, func(id string) bool { return id != "" }) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "plan_ids is required"})
		return
	}
	handle, err := s.batch.Submit(r.Context(), req.PlanIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	job, err := s.orch.Jobs().Get(r.Context(), handle.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.orch.Jobs().Get(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	list, err := s.orch.Jobs().List(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []model.RefreshJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

type errorBody struct {
	Error string `json:"error"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// writeError maps the error taxonomy to a status. Only unknown plans and
// malformed input are the caller's fault.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidFilter):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("path", r.URL.Path),
			zap.String("error", eris.ToString(err, true)),
		)
		writeJSON(w, status, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}
