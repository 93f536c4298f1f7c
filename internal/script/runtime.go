package script

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vantiq-ext/execsource/internal/connector"
)

// Names injected into every script's global scope. They are excluded from
// automatic result collection.
const (
	bindingFile       = "__file__"
	bindingName       = "__name__"
	bindingConnection = "connector_connection"
	bindingContext    = "connector_context"
)

// surface is the API a running script may call back into, bound into the
// evaluation scope as connector_connection. Responses and notifications go
// through the owning connection's readiness-gated send path; setResult
// collects named values for the automatic response.
type surface struct {
	ctx  context.Context
	conn *connector.SourceConnection
	qctx connector.Context

	mu      sync.Mutex
	results map[string]any
}

func newSurface(ctx context.Context, conn *connector.SourceConnection, qctx connector.Context) *surface {
	return &surface{
		ctx:     ctx,
		conn:    conn,
		qctx:    qctx,
		results: map[string]any{},
	}
}

// bindings returns the callable members exposed to the script.
func (s *surface) bindings() map[string]any {
	return map[string]any{
		"sendQueryResponse": s.sendQueryResponse,
		"sendQueryError":    s.sendQueryError,
		"sendNotification":  s.sendNotification,
		"setResult":         s.setResult,
		"declareUnhealthy":  s.declareUnhealthy,
	}
}

// contextBindings returns the value exposed as connector_context: a
// shallow copy of the query context.
func (s *surface) contextBindings() map[string]any {
	return map[string]any{
		"source_name":      s.qctx.SourceName,
		"response_address": s.qctx.ResponseAddress,
	}
}

func (s *surface) sendQueryResponse(code int, body map[string]any) {
	var payload any
	if body != nil {
		payload = body
	}
	if err := s.conn.SendQueryResponse(s.ctx, s.qctx, code, payload); err != nil {
		slog.Error("script sendQueryResponse failed", "source", s.qctx.SourceName, "err", err)
	}
}

func (s *surface) sendQueryError(code, template string, params []any) {
	if err := s.conn.SendQueryError(s.ctx, s.qctx, connector.NewError(code, template, params...)); err != nil {
		slog.Error("script sendQueryError failed", "source", s.qctx.SourceName, "err", err)
	}
}

func (s *surface) sendNotification(body map[string]any) {
	if err := s.conn.SendNotification(s.ctx, body); err != nil {
		slog.Error("script sendNotification failed", "source", s.qctx.SourceName, "err", err)
	}
}

func (s *surface) setResult(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[name] = value
}

func (s *surface) declareUnhealthy() {
	if err := s.conn.DeclareUnhealthy(); err != nil {
		slog.Error("script declareUnhealthy failed", "source", s.qctx.SourceName, "err", err)
	}
}

// takeResults returns the values collected through setResult.
func (s *surface) takeResults() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}
