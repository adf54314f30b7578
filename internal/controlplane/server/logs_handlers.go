package server

import (
	"fmt"
	"net/http"

	"github.com/betbot/botdeck/internal/domain"
)

func (s *Server) handleLogsList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.readCtx(r)
	defer cancel()

	logs, err := s.store.GetLogs(ctx, queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db logs: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, nonNil(logs))
}

func (s *Server) handleBotLogs(w http.ResponseWriter, r *http.Request) {
	botID := urlParam(r, "botID")
	ctx, cancel := s.readCtx(r)
	defer cancel()

	b, err := s.store.GetBot(ctx, botID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db get: %v", err))
		return
	}
	if b == nil {
		writeError(w, http.StatusNotFound, "bot not found")
		return
	}

	logs, err := s.store.GetLogsByBotID(ctx, botID, queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db logs: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, nonNil(logs))
}

func (s *Server) handleMetricsLatest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.readCtx(r)
	defer cancel()

	m, err := s.store.GetLatestMetrics(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db metrics: %v", err))
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "no metrics yet")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMetricsHistory(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.readCtx(r)
	defer cancel()

	hist, err := s.store.GetMetricsHistory(ctx, queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("db metrics: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, nonNil(hist))
}

// nonNil 让空结果编码成 [] 而不是 null
func nonNil[T domain.LogEntry | domain.MetricSample](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
