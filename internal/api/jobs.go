package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

// listJobs handles GET /v1/jobs?status=&kind=&limit=&offset=. Jobs are ordered
// by creation time; expired jobs awaiting the next sweep are skipped.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := parseKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobs, err := s.deps.Jobs.List(r.Context())
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	now := s.now()
	matched := make([]statusResponse, 0, len(jobs))
	for _, job := range jobs {
		if status != "" && job.Status != status {
			continue
		}
		if kind != "" && job.Kind != kind {
			continue
		}
		if s.deps.Reaper != nil && s.deps.Reaper.Expired(job, now) {
			continue
		}
		matched = append(matched, toStatusResponse(job))
	}
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := min(offset+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  matched[offset:end],
		"total": total,
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (consulta.JobStatus, error) {
	status := consulta.JobStatus(strings.ToLower(strings.TrimSpace(input)))
	switch status {
	case "",
		consulta.JobStatusPending,
		consulta.JobStatusStageARunning,
		consulta.JobStatusStageADone,
		consulta.JobStatusStageBRunning,
		consulta.JobStatusSolvingCaptcha,
		consulta.JobStatusDeferredPending,
		consulta.JobStatusCompleted,
		consulta.JobStatusError,
		consulta.JobStatusNotFound,
		consulta.JobStatusCaptchaFailed:
		return status, nil
	default:
		return "", errors.New("invalid status")
	}
}

func parseKind(input string) (consulta.JobKind, error) {
	kind := consulta.JobKind(strings.ToLower(strings.TrimSpace(input)))
	switch kind {
	case "", consulta.JobKindPipeline, consulta.JobKindStageB:
		return kind, nil
	default:
		return "", errors.New("invalid kind")
	}
}
