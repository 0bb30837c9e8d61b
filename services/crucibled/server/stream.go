package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"crucible/core/events"
)

const (
	wsWriteTimeout    = 10 * time.Second
	streamBuffer      = 256
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

type eventQuery struct {
	after     uint64
	eventType string
	limit     int
}

func parseEventQuery(r *http.Request) (eventQuery, error) {
	values := r.URL.Query()
	q := eventQuery{
		eventType: strings.TrimSpace(values.Get("type")),
		limit:     defaultEventLimit,
	}
	if raw := strings.TrimSpace(values.Get("after")); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return q, fmt.Errorf("%w: invalid cursor %q", errBadRequest, raw)
		}
		q.after = after
	}
	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return q, fmt.Errorf("%w: invalid limit %q", errBadRequest, raw)
		}
		if limit > maxEventLimit {
			limit = maxEventLimit
		}
		q.limit = limit
	}
	return q, nil
}

func (q eventQuery) match(env events.Envelope) bool {
	return env.Sequence > q.after && (q.eventType == "" || env.Type == q.eventType)
}

// handleEvents serves event history from the indexer when one is configured
// and from the in-memory recorder otherwise.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseEventQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var out []events.Envelope
	if s.events != nil {
		ctx, cancel := s.context(r.Context())
		defer cancel()
		out, err = s.events.Query(ctx, q.after, q.eventType, q.limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	} else {
		for _, env := range s.recorder.Since(q.after) {
			if !q.match(env) {
				continue
			}
			out = append(out, env)
			if len(out) == q.limit {
				break
			}
		}
	}
	if out == nil {
		out = []events.Envelope{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

// handleEventStream upgrades to a websocket that replays retained events
// after the cursor and then follows new ones.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	q, err := parseEventQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, q); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Debug("event stream ended", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, q eventQuery) error {
	updates, cancel := s.recorder.Subscribe(streamBuffer)
	defer cancel()

	cursor := q.after
	for _, env := range s.recorder.Since(q.after) {
		if env.Sequence > cursor {
			cursor = env.Sequence
		}
		if !q.match(env) {
			continue
		}
		if err := writeEnvelope(ctx, conn, env); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-updates:
			if !ok {
				return nil
			}
			// skip what the backlog already delivered
			if env.Sequence <= cursor {
				continue
			}
			cursor = env.Sequence
			if !q.match(env) {
				continue
			}
			if err := writeEnvelope(ctx, conn, env); err != nil {
				return err
			}
		}
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
