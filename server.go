package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/pranitl/image2model/batch"
	"github.com/pranitl/image2model/meshclient"
	"github.com/pranitl/image2model/metrics"
	"github.com/pranitl/image2model/stream"
	"github.com/pranitl/image2model/tracker"
)

// Server is the HTTP surface over the orchestrator, tracker, result store
// and the stream multiplexer. Authn/authz sits in front of it and is
// assumed to have passed.
type Server struct {
	addr         string
	orchestrator *batch.Orchestrator
	multiplexer  *stream.Multiplexer
	tracker      *tracker.Tracker
	results      *batch.ResultStore
}

func NewServer(
	addr string,
	orchestrator *batch.Orchestrator,
	multiplexer *stream.Multiplexer,
	trk *tracker.Tracker,
	results *batch.ResultStore,
) *Server {
	return &Server{
		addr:         addr,
		orchestrator: orchestrator,
		multiplexer:  multiplexer,
		tracker:      trk,
		results:      results,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /batches", s.handleCreateBatch)
	mux.HandleFunc("GET /tasks/{id}", s.handleTaskStatus)
	mux.HandleFunc("GET /tasks/{id}/stream", s.handleTaskStream)
	mux.HandleFunc("POST /tasks/{id}/cancel", s.handleTaskCancel)
	mux.HandleFunc("GET /batches/{jobID}/progress", s.handleJobProgress)
	mux.HandleFunc("GET /batches/{jobID}/result", s.handleJobResult)
	mux.HandleFunc("POST /batches/{jobID}/files/{fileKey}/retry", s.handleFileRetry)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func (s *Server) Start() error {
	log.Infof("Listening on %s", s.addr)
	return http.ListenAndServe(s.addr, s.routes())
}

type createBatchRequest struct {
	JobID  string            `json:"job_id,omitempty"`
	Inputs []string          `json:"inputs"`
	Params meshclient.Params `json:"params"`
}

func (s *Server) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Inputs) == 0 {
		writeError(w, http.StatusBadRequest, "inputs must not be empty")
		return
	}

	resp, err := s.orchestrator.Start(req.JobID, req.Inputs, req.Params)
	if err != nil {
		log.Errorf("failed to start batch: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to start batch")
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	payload, err := s.multiplexer.NormalizeOnce(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	timeoutSecs := 0
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeoutSecs = parsed
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	s.multiplexer.Stream(r.Context(), r.PathValue("id"), stream.ClampSessionTimeout(timeoutSecs), sink)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	if !s.orchestrator.Cancel(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "no running batch for task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancellation requested"})
}

func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	view, exists := s.tracker.GetJob(jobID)
	if !exists {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	overall, _ := s.tracker.OverallProgress(jobID)

	writeJSON(w, http.StatusOK, struct {
		tracker.JobView
		OverallProgress int `json:"overall_progress"`
	}{JobView: view, OverallProgress: overall})
}

func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	res, exists := s.results.Get(r.PathValue("jobID"))
	if !exists {
		writeError(w, http.StatusNotFound, "result not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFileRetry(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	trackingID, err := s.orchestrator.RetryFile(jobID, r.PathValue("fileKey"))
	if err != nil {
		if err == tracker.ErrNotFound {
			writeError(w, http.StatusNotFound, "job or file not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "tracking_id": trackingID})
}

// sseSink writes stream events as server-sent events.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(ev stream.Event) error {
	data, err := ev.Payload.Marshal()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
