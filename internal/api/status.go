package api

import (
	"net/http"
	"strconv"
	"time"

	"knowhow/internal/event"
	"knowhow/internal/logging"
	"knowhow/internal/version"
	"knowhow/internal/watcher"
)

type StatusHandler struct {
	Registry *watcher.Registry
	Changes  *event.Bus[watcher.ChangeEvent]
	Logger   *logging.Logger
	Started  time.Time
}

type healthResponse struct {
	Status      string             `json:"status"`
	Connections int                `json:"connections"`
	Paths       int                `json:"watched_paths"`
	Changes     *changeBusResponse `json:"change_events,omitempty"`
	Uptime      string             `json:"uptime"`
	Version     string             `json:"version"`
}

type changeBusResponse struct {
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

func (h *StatusHandler) handleHealth(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	response := healthResponse{
		Status:  "ok",
		Version: version.GetVersionInfo().Version,
	}
	if h.Registry != nil {
		stats := h.Registry.Stats()
		response.Connections = stats.Connections
		response.Paths = stats.Paths
	}
	if h.Changes != nil {
		published, dropped := h.Changes.Stats()
		response.Changes = &changeBusResponse{
			Published:   published,
			Dropped:     dropped,
			Subscribers: h.Changes.SubscriberCount(),
		}
	}
	if !h.Started.IsZero() {
		response.Uptime = time.Since(h.Started).Truncate(time.Second).String()
	}
	writeJSON(w, http.StatusOK, response)
	return nil
}

func (h *StatusHandler) handleVersion(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	writeJSON(w, http.StatusOK, version.GetVersionInfo())
	return nil
}

// handleLogs returns recent log entries, optionally filtered by ?level= and
// capped by ?limit=.
func (h *StatusHandler) handleLogs(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	buffer := h.Logger.Buffer()
	if buffer == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "log buffer unavailable"}
	}

	query := r.URL.Query()
	var minLevel logging.Level
	if raw := query.Get("level"); raw != "" {
		level, ok := logging.ParseLevel(raw)
		if !ok {
			return &apiError{Status: http.StatusBadRequest, Message: "invalid level"}
		}
		minLevel = level
	}
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return &apiError{Status: http.StatusBadRequest, Message: "invalid limit"}
		}
		limit = parsed
	}

	entries := make([]logging.Entry, 0)
	for _, entry := range buffer.List() {
		if minLevel != "" && !logging.LevelAtLeast(entry.Level, minLevel) {
			continue
		}
		entries = append(entries, entry)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	writeJSON(w, http.StatusOK, entries)
	return nil
}
