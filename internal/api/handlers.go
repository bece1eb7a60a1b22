package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
	"github.com/JakeFAU/consulta-orchestrator/internal/stage"
)

const (
	msgAccepted    = "Consulta iniciada. Consulte el estado del job hasta obtener el resultado."
	msgJobNotFound = "Job no encontrado o expirado"
)

const maxLookupBody = 16 << 10

type lookupRequest struct {
	Cedula    cedulaField `json:"cedula"`
	SubjectID cedulaField `json:"subject_id"`
	Mode      string      `json:"mode"`
}

// cedulaField accepts a cédula sent either as a JSON string or as a bare
// number.
type cedulaField string

func (c *cedulaField) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = cedulaField(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("cedula must be a string or a number: %w", err)
	}
	*c = cedulaField(n.String())
	return nil
}

type lookupLinks struct {
	Status string `json:"status"`
	Result string `json:"result"`
}

type lookupResponse struct {
	Status  string        `json:"status"`
	JobID   string        `json:"job_id"`
	Cedula  string        `json:"cedula"`
	Mode    consulta.Mode `json:"mode"`
	Message string        `json:"mensaje"`
	Links   lookupLinks   `json:"links"`
}

type statusResponse struct {
	JobID       string             `json:"job_id"`
	Kind        consulta.JobKind   `json:"kind"`
	Status      consulta.JobStatus `json:"status"`
	Cedula      string             `json:"cedula"`
	Mode        consulta.Mode      `json:"mode"`
	Message     string             `json:"mensaje,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	ChildJobID  string             `json:"child_job_id,omitempty"`
	ParentJobID string             `json:"parent_job_id,omitempty"`
	QueueID     string             `json:"cola_id,omitempty"`
}

type resultResponse struct {
	*consulta.Result
	JobID      string             `json:"job_id"`
	JobStatus  consulta.JobStatus `json:"job_status"`
	ChildJobID string             `json:"child_job_id,omitempty"`
}

func (s *Server) submitLookup(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	body := http.MaxBytesReader(w, r.Body, maxLookupBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	subject := strings.TrimSpace(string(req.Cedula))
	if subject == "" {
		subject = strings.TrimSpace(string(req.SubjectID))
	}
	mode, err := consulta.ParseMode(strings.TrimSpace(req.Mode))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.deps.Scheduler.Submit(r.Context(), subject, mode)
	if err != nil {
		if errors.Is(err, consulta.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submit lookup failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "lookup could not be queued")
		return
	}
	base := "/v1/jobs/" + job.ID
	writeJSON(w, http.StatusAccepted, lookupResponse{
		Status:  "accepted",
		JobID:   job.ID,
		Cedula:  job.SubjectID,
		Mode:    job.Mode,
		Message: msgAccepted,
		Links:   lookupLinks{Status: base, Result: base + "/result"},
	})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(job))
}

// getJobResult returns the final result once terminal, the partial result
// while stage B is outstanding, and an in-progress marker before that.
func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Result == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":  string(job.Status),
			"mensaje": fmt.Sprintf("Job en proceso: %s", job.Status),
		})
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{
		Result:     job.Result,
		JobID:      job.ID,
		JobStatus:  job.Status,
		ChildJobID: job.ChildID,
	})
}

func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	st := consulta.Stage(chi.URLParam(r, "stage"))
	if st != consulta.StageA && st != consulta.StageB {
		writeError(w, http.StatusBadRequest, "stage must be sisben or registraduria")
		return
	}
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if s.deps.Snapshots == nil {
		writeError(w, http.StatusNotFound, "snapshots disabled")
		return
	}
	data, err := s.deps.Snapshots.GetObject(r.Context(), stage.SnapshotPath(job.ID, st))
	if err != nil {
		if errors.Is(err, consulta.ErrSnapshotNotFound) {
			writeError(w, http.StatusNotFound, "HTML no disponible para este job")
			return
		}
		s.logger.Error("read snapshot failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read snapshot")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("write snapshot failed", zap.Error(err))
	}
}

// loadJob resolves {job_id}. Expired jobs are reported missing even before
// the next sweep removes them.
func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (consulta.Job, bool) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.deps.Jobs.Get(r.Context(), jobID)
	if err != nil {
		if !errors.Is(err, consulta.ErrJobNotFound) {
			s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		}
		writeError(w, http.StatusNotFound, msgJobNotFound)
		return consulta.Job{}, false
	}
	if s.deps.Reaper != nil && s.deps.Reaper.Expired(job, s.now()) {
		writeError(w, http.StatusNotFound, msgJobNotFound)
		return consulta.Job{}, false
	}
	return job, true
}

func (s *Server) now() time.Time {
	if s.deps.Clock == nil {
		return time.Now().UTC()
	}
	return s.deps.Clock.Now()
}

func toStatusResponse(job consulta.Job) statusResponse {
	return statusResponse{
		JobID:       job.ID,
		Kind:        job.Kind,
		Status:      job.Status,
		Cedula:      job.SubjectID,
		Mode:        job.Mode,
		Message:     job.Message,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		ChildJobID:  job.ChildID,
		ParentJobID: job.ParentID,
		QueueID:     job.QueueID,
	}
}

// sweepContext bounds the health-triggered sweep independently of the request.
func sweepContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 5*time.Second)
}
