package tally

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// writeJSON encodes v with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// handleListRuns returns all runs, newest first
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.service.ListRuns()
	if err != nil {
		slog.Error("Error listing runs", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun returns a single run
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleGetRunReport returns the text report of a run as it was sent
func (s *Server) handleGetRunReport(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(run.Report))
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*Run, bool) {
	id := r.PathValue("id")
	if id == "" {
		corsError(w, "Run ID required", http.StatusBadRequest)
		return nil, false
	}
	run, err := s.service.GetRun(id)
	if errors.Is(err, ErrRunNotFound) {
		corsError(w, "Run not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		slog.Error("Error getting run", "id", id, "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return nil, false
	}
	return run, true
}

// handleCreateRun runs a full scan and returns the stored run. The run is
// not tied to the request, so a client disconnect does not stop the device
// halfway through a target.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.service.Run(context.WithoutCancel(r.Context()))
	if errors.Is(err, ErrRunInProgress) {
		setCORSHeaders(w)
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": err.Error(),
		})
		return
	}
	if err != nil {
		slog.Error("Run did not complete cleanly", "error", err)
		if run == nil {
			corsError(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}

	writeJSON(w, http.StatusCreated, run)
}

// handleGetScreenshot returns an archived screenshot
func (s *Server) handleGetScreenshot(w http.ResponseWriter, r *http.Request) {
	day, name := r.PathValue("day"), r.PathValue("name")
	data, err := s.service.GetScreenshot(day, name)
	if err != nil {
		corsError(w, "Screenshot not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}
