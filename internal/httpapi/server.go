// Package httpapi exposes the sync client to the local helpdesk UI over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/deskrelay/internal/actionqueue"
	"github.com/agentworkforce/deskrelay/internal/notify"
	"github.com/agentworkforce/deskrelay/internal/syncclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// SyncClient is the part of syncclient.Client the API serves.
type SyncClient interface {
	EnqueueOfflineAction(ctx context.Context, kind string, payload json.RawMessage) (string, error)
	Pending(ctx context.Context) ([]syncclient.PendingAction, error)
	DiscardAction(ctx context.Context, id string) error
	VisibleNotifications() []notify.Notification
	Notifications() (<-chan []notify.Notification, func())
	MarkRead(id string) bool
	Dismiss(id string) bool
	Online() bool
	ConnectionState() notify.ConnectionState
}

// ConnectivitySetter is implemented by connectivity.ManualSignal.
type ConnectivitySetter interface {
	Set(online bool)
}

type ServerConfig struct {
	Token           string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// Connectivity, when set, lets the UI report browser online/offline
	// events through POST /v1/connectivity.
	Connectivity ConnectivitySetter
	// Gatherer backs GET /metrics; nil disables the route.
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

type Server struct {
	client      SyncClient
	cfg         ServerConfig
	rateLimiter *rateLimiter
	metrics     http.Handler
	log         zerolog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(client SyncClient) *Server {
	return NewServerWithConfig(client, ServerConfig{})
}

func NewServerWithConfig(client SyncClient, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	var metrics http.Handler
	if cfg.Gatherer != nil {
		metrics = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	}
	return &Server{
		client:      client,
		cfg:         cfg,
		rateLimiter: limiter,
		metrics:     metrics,
		log:         cfg.Logger.With().Str("cmp", "httpapi").Logger(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var route string
	mutating := false
	switch {
	case len(parts) == 2 && parts[1] == "actions" && r.Method == http.MethodPost:
		route, mutating = "enqueue_action", true
	case len(parts) == 2 && parts[1] == "actions" && r.Method == http.MethodGet:
		route = "list_actions"
	case len(parts) == 3 && parts[1] == "actions" && r.Method == http.MethodDelete:
		route, mutating = "discard_action", true
	case len(parts) == 2 && parts[1] == "notifications" && r.Method == http.MethodGet:
		route = "list_notifications"
	case len(parts) == 3 && parts[1] == "notifications" && parts[2] == "stream" && r.Method == http.MethodGet:
		route = "notification_stream"
	case len(parts) == 4 && parts[1] == "notifications" && parts[3] == "read" && r.Method == http.MethodPost:
		route, mutating = "mark_read", true
	case len(parts) == 3 && parts[1] == "notifications" && r.Method == http.MethodDelete:
		route, mutating = "dismiss", true
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		route = "status"
	case len(parts) == 2 && parts[1] == "connectivity" && r.Method == http.MethodPost:
		route, mutating = "connectivity", true
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if mutating && s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "enqueue_action":
		s.handleEnqueueAction(w, r, correlationID)
	case "list_actions":
		s.handleListActions(w, r, correlationID)
	case "discard_action":
		s.handleDiscardAction(w, r, parts[2], correlationID)
	case "list_notifications":
		writeJSON(w, http.StatusOK, map[string]any{"notifications": s.client.VisibleNotifications()})
	case "notification_stream":
		s.handleNotificationStream(w, r)
	case "mark_read":
		s.handleMarkRead(w, parts[2], correlationID)
	case "dismiss":
		s.handleDismiss(w, parts[2], correlationID)
	case "status":
		s.handleStatus(w, r, correlationID)
	case "connectivity":
		s.handleConnectivity(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleEnqueueAction(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	id, err := s.client.EnqueueOfflineAction(r.Context(), req.Kind, req.Payload)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":            id,
		"status":        "queued",
		"correlationId": correlationID,
	})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request, correlationID string) {
	actions, err := s.client.Pending(r.Context())
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	terminal := 0
	for _, action := range actions {
		if action.Terminal {
			terminal++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"actions":  actions,
		"count":    len(actions),
		"terminal": terminal,
	})
}

func (s *Server) handleDiscardAction(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	if err := s.client.DiscardAction(r.Context(), id); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "discarded"})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, id, correlationID string) {
	if !s.client.MarkRead(id) {
		writeError(w, http.StatusNotFound, "not_found", "notification not visible", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "read": true})
}

func (s *Server) handleDismiss(w http.ResponseWriter, id, correlationID string) {
	if !s.client.Dismiss(id) {
		writeError(w, http.StatusNotFound, "not_found", "notification not visible", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "dismissed"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	actions, err := s.client.Pending(r.Context())
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"online":     s.client.Online(),
		"connection": s.client.ConnectionState(),
		"pending":    len(actions),
	})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.cfg.Connectivity == nil {
		writeError(w, http.StatusConflict, "connectivity_managed", "connectivity is probed by the agent", correlationID)
		return
	}
	var req struct {
		Online *bool `json:"online"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "online is required", correlationID)
		return
	}
	s.cfg.Connectivity.Set(*req.Online)
	writeJSON(w, http.StatusOK, map[string]any{"online": *req.Online})
}

// handleNotificationStream pushes the visible list over a websocket on every
// change until the client goes away.
func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("notification stream handshake failed")
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	lists, unsubscribe := s.client.Notifications()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case list, ok := <-lists:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "agent shutting down")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, map[string]any{"notifications": list})
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.log.Debug().Err(err).Msg("notification stream write failed")
				}
				return
			}
		}
	}
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, actionqueue.ErrStorageQuotaExceeded):
		writeError(w, http.StatusInsufficientStorage, "storage_quota_exceeded", err.Error(), correlationID)
	case errors.Is(err, actionqueue.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, actionqueue.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, actionqueue.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return fmt.Sprintf("local_%d", time.Now().UnixNano())
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
