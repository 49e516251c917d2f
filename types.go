package mcpwire

import (
	"encoding/json"
	"fmt"
)

// MustString enforces a string representation for fields the wire protocol
// allows to be either a string or an integer, such as request IDs. Numeric
// values are converted during unmarshaling so the pending-request table can
// be keyed uniformly.
type MustString string

// Message is the JSON-RPC 2.0 envelope used for every exchange on a
// transport. Exactly one of three shapes is valid:
//   - Request: JSONRPC, ID, Method (and usually Params) are set
//   - Response: JSONRPC, ID, and exactly one of Result or Error are set
//   - Notification: JSONRPC and Method are set, ID is absent
type Message struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// ID correlates request-response pairs and must be a string or number.
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params carries the method arguments as raw JSON.
	Params json.RawMessage `json:"params,omitempty"`
	// Result carries the successful response payload as raw JSON.
	Result json.RawMessage `json:"result,omitempty"`
	// Error carries error details when the request failed.
	Error *JSONRPCError `json:"error,omitempty"`
}

// MessageKind classifies a Message into one of the three wire shapes.
type MessageKind int

// Message kinds. Anything that does not match a valid shape is
// KindInvalid and gets dropped by both peers.
const (
	KindInvalid MessageKind = iota
	KindRequest
	KindResponse
	KindNotification
)

// JSONRPCError is the standard JSON-RPC 2.0 error object.
type JSONRPCError struct {
	// Code indicates the error type that occurred. Uses the JSON-RPC
	// reserved ranges for protocol errors and -32000 for server errors.
	Code int `json:"code"`

	// Message is a short, single-sentence description of the error.
	Message string `json:"message"`

	// Data contains optional unstructured information about the error.
	Data map[string]any `json:"data,omitempty"`
}

// Info identifies a client or server instance during the initialize
// handshake.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo describes the remote server. It is populated exactly once
// from the initialize response and is immutable afterward.
type ServerInfo struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Description  string         `json:"description,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

// ToolInfo is the declarative descriptor of a remotely invocable tool,
// including a JSON-schema-like shape for its input and output.
type ToolInfo struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

// ResourceInfo describes a URI-addressed data item exposed by a server.
type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PromptInfo describes a named, parameterized prompt template.
type PromptInfo struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument declares a single argument accepted by a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Content is one item of tool-call output.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ResourceContents is one item of a resources/read result.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}

// PromptMessage is one message of a prompts/get result.
type PromptMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ToolResult is the outcome of a tool invocation at the client facade.
// A failed tool call is data the caller must branch on, not an error:
// IsError is set and ErrorMessage describes the failure.
type ToolResult struct {
	Content      []Content `json:"content"`
	IsError      bool      `json:"isError,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// ResourceResult is the outcome of a resource read at the client facade.
type ResourceResult struct {
	URI      string             `json:"uri"`
	Contents []ResourceContents `json:"contents"`
}

// PromptResult is the outcome of a prompt request at the client facade.
type PromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      Info           `json:"clientInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      Info           `json:"serverInfo"`
	Description     string         `json:"description,omitempty"`
	Capabilities    map[string]any `json:"capabilities"`
}

type listToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type callToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

type listResourcesResult struct {
	Resources []ResourceInfo `json:"resources"`
}

type readResourceParams struct {
	URI string `json:"uri"`
}

type readResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

type listPromptsResult struct {
	Prompts []PromptInfo `json:"prompts"`
}

type getPromptParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type getPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

type pingResult struct {
	Type string `json:"type"`
}

type cancelledParams struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

const (
	// JSONRPCVersion is the protocol version tag carried by every message.
	JSONRPCVersion = "2.0"

	// ProtocolVersion is the MCP revision spoken during initialize.
	ProtocolVersion = "2024-11-05"

	// MethodToolsList is the method name for enumerating tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a tool.
	MethodToolsCall = "tools/call"
	// MethodResourcesList is the method name for enumerating resources.
	MethodResourcesList = "resources/list"
	// MethodResourcesRead is the method name for reading one resource.
	MethodResourcesRead = "resources/read"
	// MethodPromptsList is the method name for enumerating prompts.
	MethodPromptsList = "prompts/list"
	// MethodPromptsGet is the method name for rendering one prompt.
	MethodPromptsGet = "prompts/get"
	// MethodPing is the liveness probe method.
	MethodPing = "ping"
	// MethodInitialize is the handshake method.
	MethodInitialize = "initialize"

	methodNotificationsInitialized = "notifications/initialized"
	methodNotificationsCancelled   = "notifications/cancelled"

	// JSON-RPC reserved error codes.
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
	codeServerError    = -32000
)

// Kind classifies the message per the envelope rules. A message carrying
// both an ID and a method is a request; an ID with a result or error is a
// response; a method without an ID is a notification.
func (m Message) Kind() MessageKind {
	switch {
	case m.Method != "" && m.ID != "":
		return KindRequest
	case m.ID != "" && (m.Result != nil || m.Error != nil):
		return KindResponse
	case m.Method != "" && m.ID == "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// UnmarshalJSON implements json.Unmarshaler, accepting both string and
// numeric input and normalizing to a string.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	case int:
		*m = MustString(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler, always encoding as a string.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
}
