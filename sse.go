package mcpwire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSETransport is the HTTP+event-stream client transport. Connect
// negotiates a session ID via an HTTP POST handshake and then opens a
// long-lived streaming GET for inbound events; Send performs one HTTP
// POST per outbound message.
type SSETransport struct {
	config     ConnectionConfig
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	connected bool
	baseURL   string
	sessionID string
	cancel    context.CancelFunc

	messages chan Message
	done     chan struct{}
	readDone chan struct{}
}

// NewSSETransport creates an SSE transport. A nil httpClient falls back
// to a client bounded by the configured connect timeout; streaming
// requests are issued without a client-level deadline so the event stream
// can stay open indefinitely.
func NewSSETransport(config ConnectionConfig, httpClient *http.Client) *SSETransport {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &SSETransport{
		config:     config.withDefaults(),
		httpClient: httpClient,
		logger:     slog.Default(),
	}
}

// Connect POSTs to <base>/session to obtain a session ID and then opens
// the long-lived GET event stream at <base>/session/{id}/events.
func (t *SSETransport) Connect(ctx context.Context, address string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}
	t.baseURL = address

	hCtx, hCancel := context.WithTimeout(ctx, t.config.ConnectTimeout)
	defer hCancel()

	sessionID, err := t.negotiateSession(hCtx)
	if err != nil {
		return &ConnectionError{Address: address, Err: err}
	}
	t.sessionID = sessionID

	// The stream lives as long as the transport, not as long as the
	// Connect call, so it gets its own cancellable context.
	streamCtx, cancel := context.WithCancel(context.Background())

	streamURL := fmt.Sprintf("%s/session/%s/events", t.baseURL, t.sessionID)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return &ConnectionError{Address: address, Err: err}
	}
	t.applyHeaders(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return &ConnectionError{Address: address, Err: fmt.Errorf("failed to open event stream: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return &ConnectionError{Address: address, Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	t.cancel = cancel
	t.messages = make(chan Message, 8)
	t.done = make(chan struct{})
	t.readDone = make(chan struct{})
	t.connected = true

	go t.readEvents(resp.Body)

	t.logger.Debug("connected to SSE server", "session", t.sessionID)
	return nil
}

// Send POSTs one JSON-encoded message to <base>/session/{id}/messages.
func (t *SSETransport) Send(ctx context.Context, msg Message) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return &ConnectionError{Err: errors.New("not connected")}
	}
	url := fmt.Sprintf("%s/session/%s/messages", t.baseURL, t.sessionID)
	t.mu.Unlock()

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msgBs))
	if err != nil {
		return &ConnectionError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	t.applyHeaders(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &ConnectionError{Err: fmt.Errorf("send failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return &ConnectionError{Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}
	return nil
}

// Receive consumes one event from the stream. Stream closure surfaces as
// *ConnectionError; exceeding the configured timeout surfaces as
// *TimeoutError.
func (t *SSETransport) Receive(ctx context.Context) (Message, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return Message{}, &ConnectionError{Err: errors.New("not connected")}
	}
	messages := t.messages
	t.mu.Unlock()

	timer := time.NewTimer(t.config.Timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-timer.C:
		return Message{}, &TimeoutError{Op: "receive", Timeout: t.config.Timeout.String()}
	case msg, ok := <-messages:
		if !ok {
			return Message{}, &ConnectionError{Err: errors.New("event stream closed")}
		}
		return msg, nil
	}
}

// Ping GETs <base>/session/{id}/ping and expects a 2xx status.
func (t *SSETransport) Ping(ctx context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return &ConnectionError{Err: errors.New("not connected")}
	}
	url := fmt.Sprintf("%s/session/%s/ping", t.baseURL, t.sessionID)
	t.mu.Unlock()

	pCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pCtx, http.MethodGet, url, nil)
	if err != nil {
		return &ConnectionError{Err: err}
	}
	t.applyHeaders(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &ConnectionError{Err: fmt.Errorf("ping failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return &ConnectionError{Err: fmt.Errorf("ping failed with status: %d", resp.StatusCode)}
	}
	return nil
}

// Disconnect deletes the session on the server and tears the event
// stream down. Safe to call more than once.
func (t *SSETransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}
	t.connected = false

	url := fmt.Sprintf("%s/session/%s", t.baseURL, t.sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err == nil {
		t.applyHeaders(req)
		if resp, dErr := t.httpClient.Do(req); dErr != nil {
			t.logger.Debug("failed to close session", "err", dErr)
		} else {
			resp.Body.Close()
		}
	}

	close(t.done)
	t.cancel()
	return nil
}

func (t *SSETransport) negotiateSession(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]any{
		"clientInfo": Info{Name: "mcpwire", Version: "0.1.0"},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/session", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	t.applyHeaders(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("session handshake failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("session handshake failed with status: %d", resp.StatusCode)
	}

	var session struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("failed to decode session response: %w", err)
	}
	if session.SessionID == "" {
		return "", errors.New("server did not return a session ID")
	}
	return session.SessionID, nil
}

func (t *SSETransport) applyHeaders(req *http.Request) {
	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}
}

func (t *SSETransport) readEvents(body io.ReadCloser) {
	defer func() {
		body.Close()
		close(t.messages)
		close(t.readDone)
	}()

	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				t.logger.Error("failed to read SSE event", "err", err)
			}
			return
		}

		// Only "message" events carry protocol traffic; the ready event
		// and stream sentinels are skipped.
		if ev.Type != "message" || ev.Data == "" || ev.Data == "[DONE]" {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			t.logger.Error("failed to unmarshal event", "err", err)
			continue
		}

		// Delivery must not outlive the transport: with no receiver and a
		// full buffer, a bare send would pin this goroutine and the
		// response body past Disconnect.
		select {
		case t.messages <- msg:
		case <-t.done:
			return
		}
	}
}

// SSEServer exposes a protocol Server over the same HTTP+event-stream
// wire the SSETransport speaks: POST /session negotiates a session ID,
// GET /session/{id}/events streams server-to-client messages, and POST
// /session/{id}/messages carries client-to-server messages.
type SSEServer struct {
	server *Server
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sseSession
}

type sseSession struct {
	id       string
	outbound chan Message
	done     chan struct{}
	closed   sync.Once
}

func (s *sseSession) stop() {
	s.closed.Do(func() { close(s.done) })
}

// NewSSEServer wraps a protocol Server for HTTP serving.
func NewSSEServer(server *Server) *SSEServer {
	return &SSEServer{
		server:   server,
		logger:   slog.Default(),
		sessions: make(map[string]*sseSession),
	}
}

// Router returns the HTTP routes of the server, mountable into any chi
// tree.
func (s *SSEServer) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/session", s.handleCreateSession)
	r.Delete("/session/{sessionID}", s.handleDeleteSession)
	r.Get("/session/{sessionID}/events", s.handleEvents)
	r.Post("/session/{sessionID}/messages", s.handleMessage)
	r.Get("/session/{sessionID}/ping", s.handlePing)
	return r
}

func (s *SSEServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	sess := &sseSession{
		id:       uuid.New().String(),
		outbound: make(chan Message, 8),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"session_id": sess.id}); err != nil {
		s.logger.Error("failed to encode session response", "err", err)
	}
}

func (s *SSEServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	sess.stop()
	w.WriteHeader(http.StatusNoContent)
}

func (s *SSEServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}

	upgraded, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.Error("failed to upgrade session", "err", err)
		http.Error(w, "failed to upgrade session", http.StatusInternalServerError)
		return
	}

	// Flush an opening event so the client's GET unblocks before any
	// protocol traffic exists.
	ready := &sse.Message{Type: sse.Type("ready")}
	ready.AppendData(sess.id)
	if err := upgraded.Send(ready); err != nil {
		s.logger.Error("failed to send ready event", "err", err)
		return
	}
	if err := upgraded.Flush(); err != nil {
		s.logger.Error("failed to flush ready event", "err", err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.done:
			return
		case msg := <-sess.outbound:
			msgBs, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal outbound message", "err", err)
				continue
			}

			ev := &sse.Message{Type: sse.Type("message")}
			ev.AppendData(string(msgBs))
			if err := upgraded.Send(ev); err != nil {
				s.logger.Warn("failed to send event", "err", err)
				return
			}
			if err := upgraded.Flush(); err != nil {
				s.logger.Warn("failed to flush event", "err", err)
				return
			}
		}
	}
}

func (s *SSEServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	sess := s.lookupSession(w, r)
	if sess == nil {
		return
	}

	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, fmt.Sprintf("failed to decode message: %v", err), http.StatusBadRequest)
		return
	}

	resp := s.server.HandleMessage(r.Context(), msg)
	if resp != nil {
		select {
		case sess.outbound <- *resp:
		case <-sess.done:
			http.Error(w, "session closed", http.StatusGone)
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *SSEServer) handlePing(w http.ResponseWriter, r *http.Request) {
	if sess := s.lookupSession(w, r); sess == nil {
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *SSEServer) lookupSession(w http.ResponseWriter, r *http.Request) *sseSession {
	id := chi.URLParam(r, "sessionID")

	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()

	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return nil
	}
	return sess
}

// Shutdown stops all active sessions.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.sessions {
		sess.stop()
		delete(s.sessions, id)
	}
	return nil
}
