package agent

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/ashureev/dsl-copilot/internal/codegen"
	"github.com/ashureev/dsl-copilot/internal/config"
	"github.com/ashureev/dsl-copilot/internal/domain"
	"github.com/ashureev/dsl-copilot/internal/identity"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// SSEConnection represents a single SSE client connection.
type SSEConnection struct {
	ID          int64
	UserID      string
	SessionID   string
	EventID     int64
	ConnectedAt time.Time
	LastEventID int64
	Writer      http.ResponseWriter
	Flusher     http.Flusher
	Done        chan struct{}
	mu          sync.Mutex
}

// SSEMessageQueue buffers messages for disconnected clients, sharded per session.
// Each session gets its own bounded list so one user's burst cannot evict
// messages belonging to another user.
type SSEMessageQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List // sessionKey (userID:sessionID) -> messages
	maxSize int
}

// QueuedMessage represents a message in the queue.
type QueuedMessage struct {
	EventID   int64
	UserID    string
	SessionID string
	Event     *StreamEvent
	Timestamp time.Time
}

// NewSSEMessageQueue creates a new per-session message queue.
func NewSSEMessageQueue(maxSize int) *SSEMessageQueue {
	if maxSize <= 0 {
		maxSize = 100 // Default: keep last 100 messages per session
	}
	return &SSEMessageQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

// Enqueue adds a message to the per-session queue.
func (q *SSEMessageQueue) Enqueue(userID, sessionID string, eventID int64, ev *StreamEvent) {
	key := sseSessionKey(userID, sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queues[key]; !ok {
		q.queues[key] = list.New()
	}
	l := q.queues[key]
	l.PushBack(&QueuedMessage{
		EventID:   eventID,
		UserID:    userID,
		SessionID: sessionID,
		Event:     ev,
		Timestamp: time.Now(),
	})
	// Evict oldest messages only within this session's queue.
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

// GetMissedMessages retrieves messages after a specific event ID for a session.
func (q *SSEMessageQueue) GetMissedMessages(userID, sessionID string, afterEventID int64) []*QueuedMessage {
	key := sseSessionKey(userID, sessionID)
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[key]
	if !ok {
		return nil
	}
	var missed []*QueuedMessage
	for e := l.Front(); e != nil; e = e.Next() {
		msg := e.Value.(*QueuedMessage)
		if msg.EventID > afterEventID {
			missed = append(missed, msg)
		}
	}
	return missed
}

// Prune removes the queue for a session when the SSE connection closes.
// Call this from the HandleStream defer to free memory promptly.
func (q *SSEMessageQueue) Prune(userID, sessionID string) {
	key := sseSessionKey(userID, sessionID)
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, key)
}

// Handler serves copilot chat requests and the session event stream.
type Handler struct {
	service        *Service
	rateLimiter    *RateLimiter
	broadcastChan  chan *StreamEvent
	sseConnections map[string]map[int64]*SSEConnection // sessionKey -> ConnectionID -> Connection
	messageQueue   *SSEMessageQueue
	connectionsMu  sync.RWMutex
	eventCounter   int64
	connectionID   int64 // Counter for unique connection IDs
	counterMu      sync.Mutex
	done           chan struct{} // Closed to signal goroutine shutdown
	closeOnce      sync.Once
	cfg            *config.Config
}

func sseSessionKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// RateLimiter implements a per-user rate limiter.
// The key is userID only — not userID:sessionID — so clients cannot bypass
// throttling by rotating session IDs.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	stop     chan struct{}
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		stop:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// startEviction runs a background goroutine that periodically removes expired
// keys from the requests map, preventing unbounded memory growth.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
			}
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// Stop ends the eviction goroutine.
func (r *RateLimiter) Stop() {
	close(r.stop)
}

// NewHandler creates a copilot handler. cfg may be nil for defaults.
func NewHandler(service *Service, cfg *config.Config) *Handler {
	rateLimitRequests := 10
	rateLimitWindow := time.Minute
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
	}

	broadcastChan := make(chan *StreamEvent, 256)
	handler := &Handler{
		service:        service,
		rateLimiter:    NewRateLimiter(rateLimitRequests, rateLimitWindow),
		broadcastChan:  broadcastChan,
		sseConnections: make(map[string]map[int64]*SSEConnection),
		messageQueue:   NewSSEMessageQueue(100),
		done:           make(chan struct{}),
		cfg:            cfg,
	}

	go handler.broadcastLoop(broadcastChan)

	return handler
}

// HandleChat handles POST /api/copilot/chat. Loop events are streamed as
// SSE and the run ends with a "result" or "error" event. Clients sending
// Accept: application/json get a single JSON response instead.
//
//nolint:gocyclo // Validation and streaming branches are kept inline to preserve request flow.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	// Rate-limit by userID only (not userID:sessionID) so clients cannot bypass
	// throttling by rotating session IDs.
	if !h.rateLimiter.Allow(userID) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, `{"error": "request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	req.UserID = userID
	req.SessionID = sessionID
	if err := h.service.validate.Struct(req); err != nil {
		writeJSONError(w, http.StatusBadRequest, validationMessage(err), nil)
		return
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	slog.Info("Copilot chat request",
		"user_id", userID,
		"session_id", sessionID,
		"request_id", reqID,
		"language", req.Language,
		"message_length", len(req.Message),
	)

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		h.respondJSON(w, r, req)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	streamBroken := false
	publish := h.Observer(userID, sessionID)
	observer := func(e codegen.Event) {
		publish(e)
		if streamBroken {
			return
		}
		data, err := json.Marshal(e)
		if err != nil {
			slog.Warn("failed to marshal loop event", "error", err)
			return
		}
		if err := writeSSE(w, string(e.Kind), string(data)); err != nil {
			slog.Warn("failed to write SSE loop event", "error", err, "user_id", userID)
			streamBroken = true
			return
		}
		flusher.Flush()
	}

	result, err := h.service.Generate(r.Context(), req, observer)
	if streamBroken {
		return
	}
	if err != nil {
		status, body := errorBody(err, result)
		slog.Warn("Copilot chat failed", "user_id", userID, "session_id", sessionID, "status", status, "error", err)
		if writeErr := writeSSE(w, "error", body); writeErr != nil {
			slog.Warn("failed to write SSE error event", "error", writeErr)
			return
		}
		flusher.Flush()
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		slog.Warn("failed to marshal chat result", "error", err)
		if writeErr := writeSSE(w, "error", `{"error":"failed to serialize response"}`); writeErr != nil {
			slog.Warn("failed to write SSE serialization error", "error", writeErr)
		}
		flusher.Flush()
		return
	}
	if err := writeSSE(w, "result", string(data)); err != nil {
		slog.Warn("failed to write SSE result event", "error", err)
		return
	}
	flusher.Flush()
}

func (h *Handler) respondJSON(w http.ResponseWriter, r *http.Request, req ChatRequest) {
	result, err := h.service.Generate(r.Context(), req, h.Observer(req.UserID, req.SessionID))
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		status, body := errorBody(err, result)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
		return
	}
	if err := json.NewEncoder(w).Encode(result); err != nil {
		slog.Warn("failed to encode chat result", "error", err)
	}
}

// errorBody maps a Generate error to a status code and JSON body.
func errorBody(err error, result *ChatResult) (int, string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, codegen.ErrRetryExhausted):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrSessionBusy):
		status = http.StatusConflict
	case errors.Is(err, codegen.ErrEmptyInput):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		status = 499
	}
	payload := map[string]any{"error": err.Error()}
	if result != nil {
		payload["attempts"] = result.Attempts
		payload["errors"] = result.Errors
		payload["language"] = result.Language
	}
	data, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return status, `{"error":"internal error"}`
	}
	return status, string(data)
}

func writeJSONError(w http.ResponseWriter, status int, msg string, details []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"error": msg}
	if len(details) > 0 {
		body["details"] = details
	}
	_ = json.NewEncoder(w).Encode(body)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	}
	return fmt.Sprintf("%s is invalid", field)
}

// HandleHistory handles GET /api/copilot/history.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	messages, err := h.service.History(r.Context(), userID, sessionID)
	if err != nil {
		slog.Error("failed to load history", "user_id", userID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to load history", nil)
		return
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"session_id": sessionID, "messages": messages})
}

// RegisterRoutes registers copilot routes (requires identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/copilot", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
		r.Get("/stream", h.HandleStream)
		r.Get("/history", h.HandleHistory)
	})
}

// Observer returns an observer that fans loop events out to the session's
// stream subscribers. Events are dropped when the broadcast buffer is full.
func (h *Handler) Observer(userID, sessionID string) codegen.Observer {
	return func(e codegen.Event) {
		select {
		case <-h.done:
			return
		default:
		}
		select {
		case h.broadcastChan <- &StreamEvent{UserID: userID, SessionID: sessionID, Event: e}:
		default:
			slog.Warn("[BROADCAST] buffer full, dropping event", "user_id", userID, "kind", e.Kind)
		}
	}
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.rateLimiter.Stop()
	})
}

// Service returns the underlying copilot service.
func (h *Handler) Service() *Service {
	return h.service
}

// broadcastLoop distributes loop events to connected stream clients.
func (h *Handler) broadcastLoop(broadcastChan chan *StreamEvent) {
	slog.Info("[BROADCAST] Broadcast loop started")
	for {
		select {
		case <-h.done:
			slog.Info("[BROADCAST] Broadcast loop shutting down")
			return
		case ev, ok := <-broadcastChan:
			if !ok {
				slog.Info("[BROADCAST] Broadcast channel closed, shutting down")
				return
			}
			if ev == nil {
				slog.Warn("[BROADCAST] Nil event received, skipping")
				continue
			}

			h.counterMu.Lock()
			h.eventCounter++
			eventID := h.eventCounter
			h.counterMu.Unlock()

			// Queue event for potential replay
			h.messageQueue.Enqueue(ev.UserID, ev.SessionID, eventID, ev)

			sessionKey := sseSessionKey(ev.UserID, ev.SessionID)
			h.connectionsMu.RLock()
			userConns, exists := h.sseConnections[sessionKey]
			if !exists {
				h.connectionsMu.RUnlock()
				continue
			}

			// Snapshot connections to avoid holding RLock during writes
			conns := make([]*SSEConnection, 0, len(userConns))
			for _, c := range userConns {
				conns = append(conns, c)
			}
			h.connectionsMu.RUnlock()

			for _, conn := range conns {
				h.sendToConnection(conn, eventID, ev)
			}
		}
	}
}

// sendToConnection sends an event to a specific connection.
func (h *Handler) sendToConnection(conn *SSEConnection, eventID int64, ev *StreamEvent) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.Done:
		return // Connection closed
	default:
	}

	data, err := json.Marshal(ev.Event)
	if err != nil {
		slog.Error("[SEND] Failed to marshal SSE message", "error", err, "conn_id", conn.ID)
		return
	}

	// Write with event ID for replay capability
	if err := writeSSEWithID(conn.Writer, eventID, string(ev.Event.Kind), string(data)); err != nil {
		slog.Error("[SEND] Failed to write to SSE connection",
			"error", err,
			"conn_id", conn.ID,
			"user_id", conn.UserID,
		)
		return
	}

	conn.Flusher.Flush()
	conn.EventID = eventID
}

// HandleStream handles GET /api/copilot/stream: a session-wide SSE feed of
// loop events from every run in the session, with Last-Event-ID replay.
//
//nolint:gocognit,gocyclo // SSE lifecycle handling intentionally keeps branches together.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	streamKey := sseSessionKey(userID, sessionID)
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	slog.Info("Copilot stream connected", "user_id", userID, "session_id", sessionID)

	// Parse Last-Event-ID header or query param for replay
	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
			slog.Info("SSE client reconnecting with Last-Event-ID",
				"user_id", userID,
				"last_event_id", lastEventID,
			)
		}
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	// Configure client retry behavior
	retryDelayMs := int64(5000) // default 5 seconds
	if h.cfg != nil {
		retryDelayMs = h.cfg.SSE.RetryDelay.Milliseconds()
	}
	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", retryDelayMs)); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	// Create connection
	h.counterMu.Lock()
	h.connectionID++
	connID := h.connectionID
	h.counterMu.Unlock()

	conn := &SSEConnection{
		ID:          connID,
		UserID:      userID,
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		LastEventID: lastEventID,
		Writer:      w,
		Flusher:     flusher,
		Done:        make(chan struct{}),
	}

	// Register connection
	h.connectionsMu.Lock()
	if _, exists := h.sseConnections[streamKey]; !exists {
		h.sseConnections[streamKey] = make(map[int64]*SSEConnection)
	}
	h.sseConnections[streamKey][connID] = conn
	h.connectionsMu.Unlock()

	defer func() {
		conn.mu.Lock()
		close(conn.Done)
		conn.mu.Unlock()
		last := false
		h.connectionsMu.Lock()
		if userConns, exists := h.sseConnections[streamKey]; exists {
			delete(userConns, connID)
			if len(userConns) == 0 {
				delete(h.sseConnections, streamKey)
				last = true
			}
		}
		h.connectionsMu.Unlock()
		// Prune the per-session message queue when the last connection for this
		// session closes, freeing memory promptly.
		if last {
			h.messageQueue.Prune(userID, sessionID)
		}
		slog.Info("SSE connection closed", "user_id", userID, "session_id", sessionID, "conn_id", connID)
	}()

	// Send missed messages if reconnecting
	if lastEventID > 0 {
		missed := h.messageQueue.GetMissedMessages(userID, sessionID, lastEventID)
		if len(missed) > 0 {
			slog.Info("Sending missed messages",
				"user_id", userID,
				"session_id", sessionID,
				"count", len(missed),
			)
			for _, msg := range missed {
				h.sendToConnection(conn, msg.EventID, msg.Event)
			}
		}
	}

	// Send initial connection event
	h.counterMu.Lock()
	h.eventCounter++
	eventID := h.eventCounter
	h.counterMu.Unlock()

	connectedData := fmt.Sprintf(`{"status":"connected","user_id":"%s","event_id":%d}`,
		userID, eventID)
	conn.mu.Lock()
	conn.EventID = eventID
	err := writeSSEWithID(w, eventID, "connected", connectedData)
	if err == nil {
		flusher.Flush()
	}
	conn.mu.Unlock()
	if err != nil {
		slog.Warn("failed to write SSE connected event", "error", err, "user_id", userID)
		return
	}

	slog.Info("SSE connection established",
		"user_id", userID,
		"session_id", sessionID,
		"event_id", eventID,
		"reconnect", lastEventID > 0,
	)

	// Keepalive ticker
	keepaliveInterval := 10 * time.Second // default
	if h.cfg != nil && h.cfg.SSE.KeepaliveInterval > 0 {
		keepaliveInterval = h.cfg.SSE.KeepaliveInterval
	}
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("Copilot stream disconnected", "user_id", userID, "session_id", sessionID)
			return
		case <-h.done:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				conn.mu.Unlock()
				slog.Warn("failed to write SSE keepalive ping", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
			conn.mu.Unlock()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
