package api

import (
	"encoding/json"
	"net/http"

	"github.com/busybox42/fedqueue/internal/logging"
)

// LogLevelResponse represents the response for log level operations
type LogLevelResponse struct {
	Level   string `json:"level"`
	Message string `json:"message,omitempty"`
}

// LogLevelRequest represents the request to change log level
type LogLevelRequest struct {
	Level string `json:"level"`
}

// HandleGetLogLevel returns the current log level
func (s *Server) HandleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LogLevelResponse{
		Level: logging.LevelToString(logging.Level.Level()),
	})
}

// HandleSetLogLevel changes the log level at runtime
func (s *Server) HandleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req LogLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	newLevel, err := logging.StringToLevel(req.Level)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	oldLevel := logging.Level.Level()
	logging.Level.Set(newLevel)

	s.logger.Info("log_level_changed",
		"old_level", logging.LevelToString(oldLevel),
		"new_level", logging.LevelToString(newLevel),
		"remote_addr", r.RemoteAddr,
	)

	writeJSON(w, http.StatusOK, LogLevelResponse{
		Level:   logging.LevelToString(newLevel),
		Message: "log level changed from " + logging.LevelToString(oldLevel) + " to " + logging.LevelToString(newLevel),
	})
}
