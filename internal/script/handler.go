// Package script implements the execution side of the connector: it
// receives query messages, validates them, resolves and compiles the
// requested script, runs it in an isolated evaluation context, and sends
// the results (or a taxonomy error) back on the source connection.
package script

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vantiq-ext/execsource/internal/codecache"
	"github.com/vantiq-ext/execsource/internal/config"
	"github.com/vantiq-ext/execsource/internal/connector"
	"github.com/vantiq-ext/execsource/internal/vantiq"
)

// Source configuration keys delivered by the configureExtension message.
const (
	configSection        = "pythonExecConfig"
	configGeneralSection = "general"
	configCacheSize      = "codeCacheSize"
	configRuntimeInfo    = "returnRuntimeInformation"
)

// Handler serves one source connection. It owns the compiled-artifact
// cache, the lazily-built document-store client, and the set of in-flight
// execution tasks.
type Handler struct {
	conn *connector.SourceConnection

	// newDocClient builds the document-store client on first use;
	// replaced by tests.
	newDocClient func() vantiq.DocumentClient

	mu          sync.Mutex
	open        bool
	sourceName  string
	cache       *codecache.Cache
	runtimeInfo bool

	docsMu sync.Mutex
	docs   vantiq.DocumentClient

	// Live-task registry: each scheduled execution is retained here until
	// its completion hook removes it, so concurrent queries run truly in
	// parallel and shutdown can wait for them.
	tasksMu  sync.Mutex
	tasks    map[uint64]struct{}
	nextTask uint64
	wg       sync.WaitGroup
}

// NewHandler builds the execution handler for a source connection.
func NewHandler(conn *connector.SourceConnection) *Handler {
	h := &Handler{
		conn:  conn,
		tasks: make(map[uint64]struct{}),
	}
	h.newDocClient = func() vantiq.DocumentClient {
		cfg := conn.ServerConfig()
		return vantiq.NewClient(cfg.TargetServer, cfg.AuthToken)
	}
	return h
}

// Register installs this handler's callbacks on the connection.
func (h *Handler) Register() {
	h.conn.ConfigureHandlers(connector.Handlers{
		Close:   h.handleClose,
		Connect: h.handleConnect,
		Publish: h.handlePublish,
		Query:   h.handleQuery,
	})
}

// Wait blocks until all in-flight execution tasks complete.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// TaskCount returns the number of in-flight execution tasks.
func (h *Handler) TaskCount() int {
	h.tasksMu.Lock()
	defer h.tasksMu.Unlock()
	return len(h.tasks)
}

func (h *Handler) handleClose(ctx connector.Context) {
	h.mu.Lock()
	h.open = false
	h.mu.Unlock()

	h.docsMu.Lock()
	h.docs = nil
	h.docsMu.Unlock()
}

// handleConnect applies the negotiated source configuration: cache size
// and whether to attach runtime telemetry to responses.
func (h *Handler) handleConnect(ctx connector.Context, sourceConfig map[string]any) {
	// Some server versions nest the payload one level deeper.
	if inner, ok := sourceConfig["config"].(map[string]any); ok {
		sourceConfig = inner
	}

	cacheSize := codecache.DefaultCapacity
	runtimeInfo := false
	if section, ok := sourceConfig[configSection].(map[string]any); ok {
		if general, ok := section[configGeneralSection].(map[string]any); ok {
			if v, ok := general[configCacheSize]; ok {
				if n, ok := toInt(v); ok && n > 0 {
					cacheSize = n
				}
			}
			if v, ok := general[configRuntimeInfo]; ok {
				runtimeInfo = config.BoolValue(v)
			}
		}
	}

	h.mu.Lock()
	h.sourceName = ctx.SourceName
	h.cache = codecache.New(cacheSize)
	h.runtimeInfo = runtimeInfo
	h.open = true
	h.mu.Unlock()

	slog.Info("source connected", "source", ctx.SourceName,
		"cacheCapacity", cacheSize, "runtimeInfo", runtimeInfo)
}

func (h *Handler) handlePublish(ctx connector.Context, msg map[string]any) {
	slog.Warn("unexpected publish", "source", ctx.SourceName, "msg", msg)
}

// handleQuery validates the request and schedules the execution task. The
// task runs concurrently; the read loop is not blocked, and responses for
// different queries interleave freely, correlated by reply address.
func (h *Handler) handleQuery(qctx connector.Context, msg map[string]any) {
	h.mu.Lock()
	open := h.open
	cache := h.cache
	runtimeInfo := h.runtimeInfo
	h.mu.Unlock()

	sendCtx := context.Background()

	if !open || cache == nil {
		slog.Error("query received while not open", "source", qctx.SourceName)
		h.sendError(sendCtx, qctx, connector.NewError(codeNotOpen,
			"Connection to source {0} is currently closed.", qctx.SourceName))
		return
	}

	opts, verr := parseOptions(msg)
	if verr != nil {
		h.sendError(sendCtx, qctx, verr)
		return
	}

	// Replacement means eviction up front; a name absent from the cache is
	// a no-op.
	if opts.replace && opts.name != "" {
		cache.Remove(opts.name)
	}

	h.tasksMu.Lock()
	h.nextTask++
	id := h.nextTask
	h.tasks[id] = struct{}{}
	h.tasksMu.Unlock()
	h.wg.Add(1)

	go func() {
		defer func() {
			h.tasksMu.Lock()
			delete(h.tasks, id)
			h.tasksMu.Unlock()
			h.wg.Done()
		}()
		h.runScript(sendCtx, qctx, opts, cache, runtimeInfo)
	}()
}

func (h *Handler) sendError(ctx context.Context, qctx connector.Context, e *connector.Error) {
	if err := h.conn.SendQueryError(ctx, qctx, e); err != nil {
		slog.Error("send query error failed", "source", qctx.SourceName, "code", e.Code, "err", err)
	}
}

func (h *Handler) source() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sourceName
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}
