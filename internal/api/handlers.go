package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"docingest/internal/feeder"
	"docingest/internal/status"
)

// handleDocuments feeds an NDJSON body synchronously: documents are batched
// when the call returns, not necessarily sent.
func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	res, err := s.newFeeder().Run(r.Context(), bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// handleDocumentByID returns the last status reported for a document.
func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/documents/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "document id missing")
		return
	}
	if s.deps.Store == nil {
		writeError(w, http.StatusNotFound, "no status store configured")
		return
	}

	u, err := s.deps.Store.Get(r.Context(), id)
	if errors.Is(err, status.ErrNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, DocumentStatus{
		DocID:    u.DocID,
		Status:   u.Status.String(),
		Message:  u.Message,
		Scanner:  u.Scanner,
		ParentID: u.ParentID,
		Time:     u.Time,
	})
}

// handleJobs acts as a multiplexer: POST creates new job, other verbs not allowed.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createJob(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleJobByID routes GET and DELETE for specific job IDs.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	// Expected path: /jobs/{id}
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.getJob(w, id)
	case http.MethodDelete:
		s.cancelJob(w, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// createJob handles POST /jobs. The body is buffered and fed in the
// background.
func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	jobID := uuid.NewString()
	ctx, cancel := context.WithCancel(s.ctx)
	entry := &jobEntry{
		status: &JobStatus{JobID: jobID, Status: JobQueued, StartedAt: time.Now()},
		cancel: cancel,
	}

	s.mu.Lock()
	s.jobs[jobID] = entry
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runJob(ctx, entry, body)
	}()

	writeJSON(w, http.StatusAccepted, JobResponse{JobID: jobID})
}

func (s *Server) runJob(ctx context.Context, entry *jobEntry, body []byte) {
	s.mu.Lock()
	if entry.status.Status != JobQueued {
		// Cancelled before it started.
		s.mu.Unlock()
		return
	}
	entry.status.Status = JobRunning
	jobID := entry.status.JobID
	s.mu.Unlock()

	res, err := s.newFeeder().Run(ctx, bytes.NewReader(body))

	s.mu.Lock()
	defer s.mu.Unlock()
	entry.status.Result = res
	if entry.status.Status == JobCancelled {
		return
	}
	finished := time.Now()
	entry.status.FinishedAt = &finished
	if err != nil {
		logrus.Errorf("job %s failed: %v", jobID, err)
		entry.status.Status = JobError
		entry.status.Error = err.Error()
		return
	}
	entry.status.Status = JobFinished
}

// getJob handles GET /jobs/{id}
func (s *Server) getJob(w http.ResponseWriter, id string) {
	s.mu.RLock()
	entry, ok := s.jobs[id]
	var snapshot JobStatus
	if ok {
		snapshot = *entry.status
	}
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// cancelJob handles DELETE /jobs/{id}. Documents already submitted stay in
// the engine and are sent with their batch.
func (s *Server) cancelJob(w http.ResponseWriter, id string) {
	s.mu.Lock()
	entry, ok := s.jobs[id]
	if ok {
		switch entry.status.Status {
		case JobQueued, JobRunning:
			entry.status.Status = JobCancelled
			finished := time.Now()
			entry.status.FinishedAt = &finished
		}
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	entry.cancel()
	w.WriteHeader(http.StatusNoContent)
}

// handleFlush sends the current batch immediately.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.deps.Dispatcher.Flush()
	s.writeStats(w)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeStats(w)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) writeStats(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Sink:  s.deps.Dispatcher.SinkName(),
		Stats: s.deps.Dispatcher.Stats(),
	})
}

func (s *Server) newFeeder() *feeder.Feeder {
	return feeder.New(s.deps.Dispatcher, s.deps.Parser, s.deps.Reporter, s.deps.Workers)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		} else {
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}
