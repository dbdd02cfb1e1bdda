package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/busybox42/fedqueue/internal/delivery"
	"github.com/busybox42/fedqueue/internal/queue"
)

// EntryView is a queue entry as shown by the API.
type EntryView struct {
	ID            int64     `json:"id"`
	ContactID     int64     `json:"contact_id"`
	IsBatch       bool      `json:"is_batch"`
	CreatedAt     time.Time `json:"created_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	Due           bool      `json:"due"`
	Expired       bool      `json:"expired"`
	PayloadSize   int       `json:"payload_size"`
	Payload       string    `json:"payload,omitempty"`
}

// EnqueueRequest creates a queue entry.
type EnqueueRequest struct {
	ContactID int64  `json:"contact_id"`
	Payload   string `json:"payload"`
	IsBatch   bool   `json:"is_batch"`
}

func (s *Server) view(e queue.Entry, cut queue.Cutoffs, withPayload bool) EntryView {
	v := EntryView{
		ID:            e.ID,
		ContactID:     e.ContactID,
		IsBatch:       e.IsBatch,
		CreatedAt:     e.CreatedAt,
		LastAttemptAt: e.LastAttemptAt,
		NextAttemptAt: s.deps.Queue.NextAttempt(e),
		Expired:       cut.Expired(e),
		PayloadSize:   len(e.Payload),
	}
	v.Due = !v.Expired && cut.Due(e)
	if withPayload {
		v.Payload = string(e.Payload)
	}
	return v
}

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var (
		entries []queue.Entry
		err     error
	)
	if q.Get("due") == "true" {
		entries, err = s.deps.Queue.Due(ctx)
	} else {
		entries, err = s.deps.Queue.List(ctx)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var contactID int64
	if raw := q.Get("contact_id"); raw != "" {
		contactID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid contact_id")
			return
		}
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	cut := s.deps.Queue.Policy().Cutoffs(s.deps.Queue.Now())
	views := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		if contactID != 0 && e.ContactID != contactID {
			continue
		}
		views = append(views, s.view(e, cut, false))
		if limit > 0 && len(views) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ContactID <= 0 {
		writeError(w, http.StatusBadRequest, "contact_id is required")
		return
	}

	e, err := s.deps.Queue.Enqueue(r.Context(), req.ContactID, []byte(req.Payload), req.IsBatch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	cut := s.deps.Queue.Policy().Cutoffs(s.deps.Queue.Now())
	writeJSON(w, http.StatusCreated, s.view(e, cut, false))
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func entryID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid entry id")
		return
	}

	e, err := s.deps.Queue.Get(r.Context(), id)
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	cut := s.deps.Queue.Policy().Cutoffs(s.deps.Queue.Now())
	writeJSON(w, http.StatusOK, s.view(e, cut, true))
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := entryID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid entry id")
		return
	}
	if err := s.deps.Queue.Delete(r.Context(), id); err != nil {
		s.writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeliverEntry(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "delivery is not available")
		return
	}
	id, ok := entryID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid entry id")
		return
	}

	attempt, err := s.deps.Runner.Deliver(r.Context(), id)
	switch {
	case errors.Is(err, delivery.ErrAlreadyClaimed):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.writeQueueError(w, err)
	default:
		writeJSON(w, http.StatusOK, attempt)
	}
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "delivery is not available")
		return
	}

	report, err := s.deps.Runner.Sweep(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, delivery.ErrJobSystem) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, struct {
			Error  string               `json:"error"`
			Report delivery.SweepReport `json:"report"`
		}{err.Error(), report})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) writeQueueError(w http.ResponseWriter, err error) {
	if queue.IsNotFound(err) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Error("queue_request_failed", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}
