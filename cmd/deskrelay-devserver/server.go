package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/deskrelay/internal/notify"
	"github.com/agentworkforce/deskrelay/internal/pubsub"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

type receivedAction struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	EnqueuedAt     string          `json:"enqueuedAt,omitempty"`
	ReceivedAt     time.Time       `json:"receivedAt"`
}

type devServer struct {
	cfg     Config
	log     zerolog.Logger
	streams *pubsub.Hub[[]byte]
	clients atomic.Int32

	mu       sync.Mutex
	actions  []receivedAction
	seen     map[string]bool
	attempts map[string]int
}

func newDevServer(cfg Config, logger zerolog.Logger) *devServer {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &devServer{
		cfg:      cfg,
		log:      logger.With().Str("cmp", "devserver").Logger(),
		streams:  pubsub.NewQueued[[]byte](32),
		seen:     map[string]bool{},
		attempts: map[string]int{},
	}
}

// Close ends every notification stream.
func (d *devServer) Close() error {
	d.streams.Close()
	return nil
}

func (d *devServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "streams": d.clients.Load()})
		return
	}
	parts := strings.Split(strings.Trim(r.URL.EscapedPath(), "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	switch {
	case len(parts) == 2 && parts[1] == "actions" && r.Method == http.MethodGet:
		d.mu.Lock()
		list := slices.Clone(d.actions)
		d.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"actions": list})
	case len(parts) == 3 && parts[1] == "actions" && r.Method == http.MethodPost:
		kind, err := url.PathUnescape(parts[2])
		if err != nil || strings.TrimSpace(kind) == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid action kind")
			return
		}
		d.handleAction(w, r, kind)
	case len(parts) == 2 && parts[1] == "notifications" && r.Method == http.MethodGet:
		d.handleStream(w, r)
	case len(parts) == 2 && parts[1] == "notifications" && r.Method == http.MethodPost:
		d.handlePublish(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (d *devServer) handleAction(w http.ResponseWriter, r *http.Request, kind string) {
	body, ok := d.readBody(w, r)
	if !ok {
		return
	}
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "Idempotency-Key header is required")
		return
	}
	if slices.Contains(d.cfg.FailKinds, kind) {
		d.log.Info().Str("kind", kind).Str("key", key).Msg("rejecting action")
		writeError(w, http.StatusUnprocessableEntity, "rejected", "action kind "+kind+" is rejected by the devserver")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate", "idempotencyKey": key})
		return
	}
	if slices.Contains(d.cfg.FlakyKinds, kind) && d.attempts[key] < d.cfg.FlakyCount {
		d.attempts[key]++
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "try again")
		return
	}
	payload := json.RawMessage(body)
	if len(body) == 0 || !json.Valid(body) {
		payload = json.RawMessage("null")
	}
	d.seen[key] = true
	d.actions = append(d.actions, receivedAction{
		IdempotencyKey: key,
		Kind:           kind,
		Payload:        payload,
		EnqueuedAt:     r.Header.Get("X-Action-Enqueued-At"),
		ReceivedAt:     time.Now().UTC(),
	})
	d.log.Info().Str("kind", kind).Str("key", key).Int("total", len(d.actions)).Msg("action received")
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "idempotencyKey": key})
}

// handlePublish validates a notification with the same schema the agent
// applies and fans it out to every connected stream.
func (d *devServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, ok := d.readBody(w, r)
	if !ok {
		return
	}
	if _, err := notify.ParseMessage(body, time.Now()); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	dropped := d.broadcast(body)
	writeJSON(w, http.StatusAccepted, map[string]any{"streams": d.clients.Load(), "dropped": dropped})
}

func (d *devServer) broadcast(frame []byte) int {
	dropped := d.streams.Publish(frame)
	if dropped > 0 {
		d.log.Warn().Int("dropped", dropped).Msg("slow notification streams missed a frame")
	}
	return dropped
}

func (d *devServer) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		d.log.Warn().Err(err).Msg("notification stream handshake failed")
		return
	}
	defer conn.CloseNow()

	frames, unsubscribe := d.streams.Subscribe(nil)
	defer unsubscribe()
	d.clients.Add(1)
	defer d.clients.Add(-1)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "devserver shutting down")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (d *devServer) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, d.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError uses the same {code, message} body the agent's submitter parses.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
