package mcpwire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// ToolHandler executes one tool invocation. A returned error becomes a
// tool-level failure in the result, not a protocol error.
type ToolHandler func(ctx context.Context, arguments map[string]any) ([]Content, error)

// ResourceHandler resolves one resource URI.
type ResourceHandler func(ctx context.Context, uri string) ([]ResourceContents, error)

// PromptHandler renders one prompt with the given arguments.
type PromptHandler func(ctx context.Context, arguments map[string]any) (*PromptResult, error)

// ServerNotificationHandler consumes one client-initiated notification.
type ServerNotificationHandler func(ctx context.Context, params json.RawMessage)

type registeredTool struct {
	info    ToolInfo
	handler ToolHandler
}

type registeredResource struct {
	info    ResourceInfo
	handler ResourceHandler
}

type registeredPrompt struct {
	info    PromptInfo
	handler PromptHandler
}

// Server dispatches inbound protocol messages to registered handlers.
// It is transport-agnostic: Serve runs it over newline-framed streams,
// and SSEServer runs it over HTTP.
//
// Requests for unknown methods answer with method-not-found; handler
// panics and marshaling failures answer with internal-error. Tool
// execution failures are reported in-band as a result with isError set.
type Server struct {
	info   Info
	logger *slog.Logger

	mu            sync.RWMutex
	tools         map[string]registeredTool
	resources     map[string]registeredResource
	prompts       map[string]registeredPrompt
	notifications map[string]ServerNotificationHandler

	listTools     func(ctx context.Context) ([]ToolInfo, error)
	listResources func(ctx context.Context) ([]ResourceInfo, error)
	listPrompts   func(ctx context.Context) ([]PromptInfo, error)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger overrides the server's logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a server that identifies itself with the given name
// and version during the initialize handshake.
func NewServer(name, version string, options ...ServerOption) *Server {
	s := &Server{
		info:          Info{Name: name, Version: version},
		logger:        slog.Default(),
		tools:         make(map[string]registeredTool),
		resources:     make(map[string]registeredResource),
		prompts:       make(map[string]registeredPrompt),
		notifications: make(map[string]ServerNotificationHandler),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// RegisterToolHandler exposes a tool. Arguments of incoming calls are
// validated against info.InputSchema when one is declared.
func (s *Server) RegisterToolHandler(info ToolInfo, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[info.Name] = registeredTool{info: info, handler: handler}
}

// RegisterResourceHandler exposes a resource under its URI.
func (s *Server) RegisterResourceHandler(info ResourceInfo, handler ResourceHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[info.URI] = registeredResource{info: info, handler: handler}
}

// RegisterPromptHandler exposes a named prompt.
func (s *Server) RegisterPromptHandler(info PromptInfo, handler PromptHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[info.Name] = registeredPrompt{info: info, handler: handler}
}

// RegisterNotificationHandler consumes a client notification method,
// replacing any previous handler. Unhandled notifications are logged
// and dropped.
func (s *Server) RegisterNotificationHandler(method string, handler ServerNotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[method] = handler
}

// SetListToolsHandler replaces the default tool listing, which
// enumerates registered tools, with a dynamic one.
func (s *Server) SetListToolsHandler(h func(ctx context.Context) ([]ToolInfo, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listTools = h
}

// SetListResourcesHandler replaces the default resource listing.
func (s *Server) SetListResourcesHandler(h func(ctx context.Context) ([]ResourceInfo, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listResources = h
}

// SetListPromptsHandler replaces the default prompt listing.
func (s *Server) SetListPromptsHandler(h func(ctx context.Context) ([]PromptInfo, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listPrompts = h
}

// HandleMessage processes one inbound message and returns the response
// to send back, or nil when none is due (notifications, invalid
// envelopes). It never returns an error; failures are encoded into the
// response per the wire protocol.
func (s *Server) HandleMessage(ctx context.Context, msg Message) *Message {
	switch msg.Kind() {
	case KindRequest:
		return s.handleRequest(ctx, msg)
	case KindNotification:
		s.handleNotification(ctx, msg)
		return nil
	default:
		s.logger.Debug("dropping invalid message", "method", msg.Method, "id", msg.ID)
		return nil
	}
}

// Serve runs the server over newline-framed JSON streams until the
// reader is exhausted or the context is cancelled. Malformed lines are
// logged and skipped; each response is flushed as one line.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	reader := bufio.NewReader(r)
	writer := bufio.NewWriter(w)

	var writeMu sync.Mutex
	writeResponse := func(resp *Message) error {
		bs, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("failed to marshal response: %w", err)
		}

		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := writer.Write(append(bs, '\n')); err != nil {
			return err
		}
		return writer.Flush()
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.logger.Warn("skipping malformed message", "err", err)
			continue
		}

		if resp := s.HandleMessage(ctx, msg); resp != nil {
			if err := writeResponse(resp); err != nil {
				return fmt.Errorf("write failed: %w", err)
			}
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, msg Message) (resp *Message) {
	// A panicking handler must not take the whole server down.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "method", msg.Method, "panic", r)
			resp = errorResponse(msg.ID, codeInternalError, fmt.Sprintf("internal error: %v", r))
		}
	}()

	switch msg.Method {
	case MethodInitialize:
		return s.handleInitialize(msg)
	case MethodPing:
		return resultResponse(msg.ID, pingResult{Type: "pong"})
	case MethodToolsList:
		return s.handleListTools(ctx, msg)
	case MethodToolsCall:
		return s.handleCallTool(ctx, msg)
	case MethodResourcesList:
		return s.handleListResources(ctx, msg)
	case MethodResourcesRead:
		return s.handleReadResource(ctx, msg)
	case MethodPromptsList:
		return s.handleListPrompts(ctx, msg)
	case MethodPromptsGet:
		return s.handleGetPrompt(ctx, msg)
	default:
		return errorResponse(msg.ID, codeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method))
	}
}

func (s *Server) handleNotification(ctx context.Context, msg Message) {
	s.mu.RLock()
	handler, ok := s.notifications[msg.Method]
	s.mu.RUnlock()

	if !ok {
		s.logger.Debug("unhandled notification", "method", msg.Method)
		return
	}
	handler(ctx, msg.Params)
}

func (s *Server) handleInitialize(msg Message) *Message {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return errorResponse(msg.ID, codeInvalidParams, fmt.Sprintf("invalid initialize params: %v", err))
		}
	}

	s.logger.Debug("client connected", "client", params.ClientInfo.Name, "version", params.ClientInfo.Version)

	return resultResponse(msg.ID, initializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      s.info,
		Capabilities: map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
	})
}

func (s *Server) handleListTools(ctx context.Context, msg Message) *Message {
	s.mu.RLock()
	custom := s.listTools
	tools := make([]ToolInfo, 0, len(s.tools))
	for _, t := range s.tools {
		tools = append(tools, t.info)
	}
	s.mu.RUnlock()

	if custom != nil {
		var err error
		tools, err = custom(ctx)
		if err != nil {
			return errorResponse(msg.ID, codeInternalError, err.Error())
		}
		if tools == nil {
			tools = []ToolInfo{}
		}
	}
	return resultResponse(msg.ID, listToolsResult{Tools: tools})
}

func (s *Server) handleCallTool(ctx context.Context, msg Message) *Message {
	var params callToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return errorResponse(msg.ID, codeInvalidParams, fmt.Sprintf("invalid tool call params: %v", err))
	}

	s.mu.RLock()
	tool, ok := s.tools[params.Name]
	s.mu.RUnlock()

	if !ok {
		return errorResponse(msg.ID, codeMethodNotFound, fmt.Sprintf("tool not found: %s", params.Name))
	}

	if len(tool.info.InputSchema) > 0 {
		if err := ValidateToolArguments(tool.info.InputSchema, params.Arguments); err != nil {
			return errorResponse(msg.ID, codeInvalidParams, err.Error())
		}
	}

	content, err := tool.handler(ctx, params.Arguments)
	if err != nil {
		// Tool failures are data for the caller, carried in the result.
		return resultResponse(msg.ID, callToolResult{
			Content: []Content{{Type: "text", Text: err.Error()}},
			IsError: true,
		})
	}
	if content == nil {
		content = []Content{}
	}
	return resultResponse(msg.ID, callToolResult{Content: content})
}

func (s *Server) handleListResources(ctx context.Context, msg Message) *Message {
	s.mu.RLock()
	custom := s.listResources
	resources := make([]ResourceInfo, 0, len(s.resources))
	for _, r := range s.resources {
		resources = append(resources, r.info)
	}
	s.mu.RUnlock()

	if custom != nil {
		var err error
		resources, err = custom(ctx)
		if err != nil {
			return errorResponse(msg.ID, codeInternalError, err.Error())
		}
		if resources == nil {
			resources = []ResourceInfo{}
		}
	}
	return resultResponse(msg.ID, listResourcesResult{Resources: resources})
}

func (s *Server) handleReadResource(ctx context.Context, msg Message) *Message {
	var params readResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return errorResponse(msg.ID, codeInvalidParams, fmt.Sprintf("invalid resource read params: %v", err))
	}

	s.mu.RLock()
	resource, ok := s.resources[params.URI]
	s.mu.RUnlock()

	if !ok {
		return errorResponse(msg.ID, codeServerError, fmt.Sprintf("resource not found: %s", params.URI))
	}

	contents, err := resource.handler(ctx, params.URI)
	if err != nil {
		return errorResponse(msg.ID, codeInternalError, err.Error())
	}
	return resultResponse(msg.ID, readResourceResult{Contents: contents})
}

func (s *Server) handleListPrompts(ctx context.Context, msg Message) *Message {
	s.mu.RLock()
	custom := s.listPrompts
	prompts := make([]PromptInfo, 0, len(s.prompts))
	for _, p := range s.prompts {
		prompts = append(prompts, p.info)
	}
	s.mu.RUnlock()

	if custom != nil {
		var err error
		prompts, err = custom(ctx)
		if err != nil {
			return errorResponse(msg.ID, codeInternalError, err.Error())
		}
		if prompts == nil {
			prompts = []PromptInfo{}
		}
	}
	return resultResponse(msg.ID, listPromptsResult{Prompts: prompts})
}

func (s *Server) handleGetPrompt(ctx context.Context, msg Message) *Message {
	var params getPromptParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return errorResponse(msg.ID, codeInvalidParams, fmt.Sprintf("invalid prompt params: %v", err))
	}

	s.mu.RLock()
	prompt, ok := s.prompts[params.Name]
	s.mu.RUnlock()

	if !ok {
		return errorResponse(msg.ID, codeServerError, fmt.Sprintf("prompt not found: %s", params.Name))
	}

	result, err := prompt.handler(ctx, params.Arguments)
	if err != nil {
		return errorResponse(msg.ID, codeInternalError, err.Error())
	}
	return resultResponse(msg.ID, getPromptResult{Description: result.Description, Messages: result.Messages})
}

func resultResponse(id MustString, result any) *Message {
	bs, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, codeInternalError, fmt.Sprintf("failed to marshal result: %v", err))
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Result: bs}
}

func errorResponse(id MustString, code int, message string) *Message {
	return &Message{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}
