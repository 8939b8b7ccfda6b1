package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"stockflow/internal/domain"
	"stockflow/internal/publish"
	"stockflow/internal/storage"
)

const maxEventBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": s.now().UTC(),
		"uptime":    s.now().Sub(s.started).Seconds(),
	})
}

// ready fails when a broker role gave up connecting or an optional
// dependency check fails.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]any{}
	status := http.StatusOK

	if s.deps.Broker != nil {
		if s.deps.Broker.Failed() {
			checks["kafka"] = map[string]string{"status": "failed"}
			status = http.StatusServiceUnavailable
		} else {
			checks["kafka"] = map[string]string{"status": "ready"}
		}
	}
	if s.deps.Publisher != nil {
		st := s.deps.Publisher.BatchStatus()
		checks["batchPublisher"] = map[string]any{
			"status":        "ready",
			"pendingEvents": st.PendingEvents,
			"batchSize":     st.BatchSize,
		}
	}
	if s.deps.Dedup != nil {
		// an unreachable dedup store degrades to the fallback cache, not a failure
		checks["redis"] = map[string]any{"enabled": s.deps.Dedup.Enabled(), "connected": s.deps.Dedup.Connected()}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			checks[name] = map[string]string{"status": "unhealthy", "error": err.Error()}
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = map[string]string{"status": "ready"}
	}

	overall := "ready"
	if status != http.StatusOK {
		overall = "not ready"
	}
	writeJSON(w, status, map[string]any{
		"status":    overall,
		"timestamp": s.now().UTC(),
		"checks":    checks,
	})
}

func (s *Server) metricsJSON(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"uptime":    s.now().Sub(s.started).Seconds(),
		"timestamp": s.now().UTC(),
		"scaling": map[string]any{
			"lagThreshold":             s.scaling.LagThreshold,
			"highPriorityLagThreshold": s.scaling.HighPriorityLagThreshold,
			"highPriorityTopics":       s.scaling.HighPriorityTopics,
		},
	}
	if s.deps.Publisher != nil {
		out["batch"] = s.deps.Publisher.Metrics()
	}
	if s.deps.Broker != nil {
		roles := map[string]any{}
		for role, st := range s.deps.Broker.Status() {
			roles[role.String()] = st
		}
		out["broker"] = roles
	}
	if s.deps.Dedup != nil {
		out["dedup"] = map[string]any{
			"enabled":      s.deps.Dedup.Enabled(),
			"connected":    s.deps.Dedup.Connected(),
			"fallbackSize": s.deps.Dedup.FallbackSize(),
		}
	}
	if s.deps.Stream != nil {
		out["sse"] = s.deps.Stream.Stats()
	}
	if s.deps.DeadLetters != nil {
		if n, err := s.deps.DeadLetters.Count(r.Context()); err == nil {
			out["deadLetters"] = n
		} else {
			s.log.Warn().Err(err).Msg("count dead letters")
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) submitEvent(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	ev, err := decodeSubmission(raw, s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Publisher.Publish(ev).Wait(r.Context()); err != nil {
		status := http.StatusServiceUnavailable
		switch {
		case errors.Is(err, publish.ErrUnknownEventType), errors.Is(err, publish.ErrInvalidEvent):
			status = http.StatusBadRequest
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			status = http.StatusGatewayTimeout
		}
		s.log.Warn().Err(err).Str("event_id", ev.ID).Str("type", ev.Type.String()).Msg("event submission failed")
		writeError(w, status, "failed to publish event: "+err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     ev.ID,
		"type":   ev.Type.String(),
		"status": "published",
	})
}

// decodeSubmission fills in the id and occurrence time when the caller left
// them out, then applies the wire decoder.
func decodeSubmission(raw []byte, now time.Time) (domain.Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return domain.Event{}, &domain.ParseError{Reason: "malformed json", Err: err}
	}
	if fields == nil {
		return domain.Event{}, &domain.ParseError{Reason: "empty body"}
	}
	if _, ok := fields["id"]; !ok {
		fields["id"], _ = json.Marshal(uuid.NewString())
	}
	if _, ok := fields["occurredAt"]; !ok {
		fields["occurredAt"], _ = json.Marshal(now.UTC().Format(time.RFC3339Nano))
	}
	filled, err := json.Marshal(fields)
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Decode(filled)
}

func (s *Server) analytics(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Analytics.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) resetAnalytics(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Analytics.Reset(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.log.Info().Msg("analytics reset over http")
	writeJSON(w, http.StatusOK, st)
}

type deadLetterView struct {
	ID        int64     `json:"id"`
	Consumer  string    `json:"consumer"`
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       string    `json:"key,omitempty"`
	Value     string    `json:"value"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"lastError"`
	FailedAt  time.Time `json:"failedAt"`
}

func viewOf(dl storage.DeadLetter) deadLetterView {
	return deadLetterView{
		ID:        dl.ID,
		Consumer:  dl.Consumer,
		Topic:     dl.Topic,
		Partition: dl.Partition,
		Offset:    dl.Offset,
		Key:       string(dl.Key),
		Value:     string(dl.Value),
		Attempts:  dl.Attempts,
		LastError: dl.LastError,
		FailedAt:  dl.FailedAt,
	}
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	entries, err := s.deps.DeadLetters.List(r.Context(), r.URL.Query().Get("consumer"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dead letters: "+err.Error())
		return
	}
	views := make([]deadLetterView, 0, len(entries))
	for _, dl := range entries {
		views = append(views, viewOf(dl))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deadLetters": views,
		"count":       len(views),
	})
}

func (s *Server) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dead letter id")
		return
	}
	dl, err := s.deps.DeadLetters.Get(r.Context(), id)
	if errors.Is(err, storage.ErrDeadLetterNotFound) {
		writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(dl))
}
