package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
)

type healthResponse struct {
	Status            string  `json:"status"`
	ActiveJobs        int     `json:"active_jobs"`
	StoredJobs        int     `json:"stored_jobs"`
	PoolActive        int     `json:"pool_active"`
	PoolCapacity      int     `json:"pool_capacity"`
	PoolPending       int     `json:"pool_pending"`
	PoolSaturation    float64 `json:"pool_saturation"`
	RetentionSeconds  int64   `json:"retention_seconds"`
	Reaped            int     `json:"reaped"`
	ReapedTotal       int64   `json:"reaped_total"`
	CaptchaConfigured bool    `json:"captcha_configured"`
}

// healthz sweeps expired jobs, then reports load. The sweep is its only side effect.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy"}
	if s.deps.Reaper != nil {
		ctx, cancel := sweepContext(r.Context())
		removed, err := s.deps.Reaper.Sweep(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("health sweep failed", zap.Error(err))
			resp.Status = "degraded"
		}
		resp.Reaped = removed
		resp.ReapedTotal = s.deps.Reaper.TotalRemoved()
		resp.RetentionSeconds = int64(s.deps.Reaper.Retention().Seconds())
	}

	jobs, err := s.deps.Jobs.List(r.Context())
	if err != nil {
		s.logger.Error("list jobs for health failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	resp.StoredJobs = len(jobs)
	resp.ActiveJobs = countActive(jobs)

	if s.deps.Pool != nil {
		resp.PoolActive = s.deps.Pool.ActiveCount()
		resp.PoolCapacity = s.deps.Pool.Capacity()
		resp.PoolPending = s.deps.Pool.Pending()
		resp.PoolSaturation = s.deps.Pool.Saturation()
	}
	if s.deps.Captcha != nil {
		resp.CaptchaConfigured = s.deps.Captcha.Configured()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		writeError(w, http.StatusServiceUnavailable, "draining")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func countActive(jobs []consulta.Job) int {
	n := 0
	for _, job := range jobs {
		if !job.Status.IsTerminal() {
			n++
		}
	}
	return n
}
