package mcpwire

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

const defaultPayloadLimit = 1000

// LoggingMiddleware records every invocation with structured fields.
// Payloads are truncated so a large tool result cannot flood the log.
type LoggingMiddleware struct {
	PassthroughMiddleware

	logger       *zap.Logger
	payloadLimit int
	logTiming    bool
}

// LoggingOption configures a LoggingMiddleware.
type LoggingOption func(*LoggingMiddleware)

// WithPayloadLimit overrides the default 1000-byte payload truncation.
func WithPayloadLimit(n int) LoggingOption {
	return func(m *LoggingMiddleware) {
		if n > 0 {
			m.payloadLimit = n
		}
	}
}

// WithTiming adds per-request duration to the log output.
func WithTiming() LoggingOption {
	return func(m *LoggingMiddleware) { m.logTiming = true }
}

// NewLoggingMiddleware creates a logging middleware. A nil logger falls
// back to a production zap config; the no-op case is zap.NewNop().
func NewLoggingMiddleware(logger *zap.Logger, options ...LoggingOption) *LoggingMiddleware {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}
	m := &LoggingMiddleware{
		logger:       logger,
		payloadLimit: defaultPayloadLimit,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// ProcessRequest logs the outgoing request, runs the rest of the chain,
// and logs the outcome.
func (m *LoggingMiddleware) ProcessRequest(ctx context.Context, rc *RequestContext, msg Message, next Next) (Message, error) {
	m.logger.Info("request",
		zap.String("request_id", rc.RequestID),
		zap.String("operation", rc.Operation),
		zap.String("params", m.truncate(msg.Params)),
	)

	start := time.Now()
	resp, err := next(ctx, rc, msg)
	elapsed := time.Since(start)

	if err != nil {
		fields := []zap.Field{
			zap.String("request_id", rc.RequestID),
			zap.String("operation", rc.Operation),
			zap.Error(err),
		}
		if m.logTiming {
			fields = append(fields, zap.Duration("duration", elapsed))
		}
		m.logger.Warn("request failed", fields...)
		return Message{}, err
	}

	fields := []zap.Field{
		zap.String("request_id", rc.RequestID),
		zap.String("operation", rc.Operation),
		zap.String("result", m.truncate(resp.Result)),
	}
	if m.logTiming {
		fields = append(fields, zap.Duration("duration", elapsed))
	}
	m.logger.Info("response", fields...)
	return resp, nil
}

func (m *LoggingMiddleware) truncate(raw json.RawMessage) string {
	if len(raw) <= m.payloadLimit {
		return string(raw)
	}
	return string(raw[:m.payloadLimit]) + "...(truncated)"
}
