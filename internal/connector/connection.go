package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/vantiq-ext/execsource/internal/config"
)

const (
	dialTimeout    = 30 * time.Second
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 22 // 4 MB; query bodies carry whole scripts

	pingInterval = 20 * time.Second
	pingTimeout  = 20 * time.Second
)

// Cycle exit reasons.
const (
	reasonReconnect = "reconnectRequired"
	reasonTestClose = "testClose"
)

// errConnectionFailed reports an HTTP-style status >= 300 while waiting for
// the negotiated configuration. Retryable.
var errConnectionFailed = errors.New("connection_failed")

// errTerminated reports a send attempted after the connection's reconnect
// loop has exited for good.
var errTerminated = errors.New("connection terminated")

// Handler callbacks. Any may be nil. Connect, Publish and Query receive the
// message object sent by the server; Query contexts additionally carry the
// reply address for response correlation.
type (
	CloseHandler   func(ctx Context)
	ConnectHandler func(ctx Context, sourceConfig map[string]any)
	PublishHandler func(ctx Context, msg map[string]any)
	QueryHandler   func(ctx Context, msg map[string]any)
)

// Handlers bundles the per-connection callbacks.
type Handlers struct {
	Close   CloseHandler
	Connect ConnectHandler
	Publish PublishHandler
	Query   QueryHandler
}

// SourceConnection manages the channel to the server on behalf of a single
// source: it dials, authenticates, negotiates the source configuration, and
// then dispatches inbound publish/query messages to the registered handlers
// until the server requires a reconnect or the socket fails.
type SourceConnection struct {
	sourceName      string
	cfg             *config.Config
	reconnectSecret string
	handlers        Handlers
	set             *Set // back reference; nil for standalone connections

	mu         sync.Mutex
	ws         *websocket.Conn
	ready      *readySignal
	connected  bool
	terminated bool

	// writeMu serializes socket writes from concurrent emitters.
	writeMu sync.Mutex
}

// NewSourceConnection builds a connection for one named source. The
// reconnect secret is derived once here, namespaced by source name with
// either the configured fixed suffix or a generated unique id, and reused
// verbatim across every reconnect so the server recognizes the session.
func NewSourceConnection(sourceName string, cfg *config.Config) *SourceConnection {
	suffix := cfg.ReconnectSecret
	if suffix == "" {
		suffix = uuid.NewString()
	}
	return &SourceConnection{
		sourceName:      sourceName,
		cfg:             cfg,
		reconnectSecret: sourceName + "_" + suffix,
	}
}

// ConfigureHandlers registers the callbacks for this connection. Call
// before Run.
func (c *SourceConnection) ConfigureHandlers(h Handlers) {
	c.handlers = h
}

// Source returns the source name this connection serves.
func (c *SourceConnection) Source() string { return c.sourceName }

// ServerConfig returns the configuration snapshot this connection was
// built from.
func (c *SourceConnection) ServerConfig() *config.Config { return c.cfg }

// IsConnected reports whether the connection is currently READY.
func (c *SourceConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// DeclareHealthy marks the owning connector set healthy.
func (c *SourceConnection) DeclareHealthy() error {
	if c.set == nil {
		return nil
	}
	return c.set.DeclareHealthy()
}

// DeclareUnhealthy marks the owning connector set unhealthy.
func (c *SourceConnection) DeclareUnhealthy() error {
	if c.set == nil {
		return nil
	}
	return c.set.DeclareUnhealthy()
}

// Run drives the reconnect loop: connect, serve until the cycle ends, back
// off, repeat. It returns only on a terminal condition: context
// cancellation, a fatal configuration error (including rejected auth), a
// cycle failure under failOnConnectionError, or a server-driven test
// close. Auth rejections are never retried.
func (c *SourceConnection) Run(ctx context.Context) error {
	c.mu.Lock()
	c.ready = newReadySignal()
	c.mu.Unlock()
	defer c.terminate()

	failCount := 0
	for {
		slog.Info("connecting to Vantiq", "source", c.sourceName, "server", c.cfg.TargetServer)

		reason, reachedReady, err := c.runCycle(ctx)
		c.endCycle(err)

		if reachedReady && c.handlers.Close != nil {
			c.invokeHandler("close", func() {
				c.handlers.Close(Context{SourceName: c.sourceName})
			})
		}
		if reachedReady {
			failCount = 0
		}

		if err != nil && errors.Is(err, config.ErrInvalid) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch reason {
		case reasonTestClose:
			slog.Info("connector completing", "source", c.sourceName)
			return nil
		case reasonReconnect:
			slog.Info("server requested reconnect", "source", c.sourceName)
			continue
		}

		if err != nil {
			failCount++
			if c.cfg.FailOnConnectionError {
				return fmt.Errorf("failOnConnectionError set and could not connect: %w", err)
			}
			// After a failure, wait a bit to let things settle down.
			wait := time.Duration(failCount) * 500 * time.Millisecond
			slog.Warn("waiting to reconnect", "source", c.sourceName, "wait", wait, "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

// runCycle performs one full connect cycle: dial, authenticate, negotiate,
// then serve inbound messages until the cycle ends. reachedReady reports
// whether the cycle got as far as READY (and therefore owes the close
// handler a call).
func (c *SourceConnection) runCycle(ctx context.Context) (reason string, reachedReady bool, err error) {
	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ws, err := c.dial(cycleCtx)
	if err != nil {
		return "", false, err
	}
	defer ws.Close(websocket.StatusNormalClosure, "")
	ws.SetReadLimit(maxMessageSize)

	if err := c.authenticate(cycleCtx, ws); err != nil {
		return "", false, err
	}

	sourceConfig, err := c.connectExtension(cycleCtx, ws)
	if err != nil {
		return "", false, err
	}
	if c.handlers.Connect != nil {
		c.invokeHandler("connect", func() {
			c.handlers.Connect(Context{SourceName: c.sourceName}, sourceConfig)
		})
	}

	// READY: publish the socket and resolve the readiness signal so gated
	// senders may proceed.
	c.mu.Lock()
	c.ws = ws
	c.connected = true
	ready := c.ready
	c.mu.Unlock()
	ready.complete()

	if c.cfg.SendPings {
		go c.pingLoop(cycleCtx, ws)
	}

	reason, err = c.serve(cycleCtx, ws)
	return reason, true, err
}

// endCycle clears the socket and installs a fresh readiness signal,
// cancelling the previous one so pending senders observe the change and
// re-wait on the successor.
func (c *SourceConnection) endCycle(cause error) {
	c.mu.Lock()
	old := c.ready
	c.ready = newReadySignal()
	c.ws = nil
	c.connected = false
	c.mu.Unlock()

	if old != nil {
		old.cancel(cause)
	}
}

// terminate marks the connection permanently closed and releases any
// senders still blocked on the readiness signal.
func (c *SourceConnection) terminate() {
	c.mu.Lock()
	c.terminated = true
	ready := c.ready
	c.mu.Unlock()
	if ready != nil {
		ready.cancel(errTerminated)
	}
}

// Close drops the current socket, if any. The reconnect loop observes the
// read failure and proceeds per its usual rules.
func (c *SourceConnection) Close() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "")
	}
}

func (c *SourceConnection) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	opts := &websocket.DialOptions{}
	if c.cfg.DisableSSLCheck {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}
	for k, v := range c.cfg.ConnectArgs {
		switch k {
		case "subprotocols":
			if list, ok := v.([]any); ok {
				for _, p := range list {
					opts.Subprotocols = append(opts.Subprotocols, fmt.Sprint(p))
				}
			}
		default:
			slog.Debug("ignoring unsupported connect option", "source", c.sourceName, "option", k)
		}
	}

	ws, _, err := websocket.Dial(dialCtx, c.cfg.TargetServer, opts)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.TargetServer, err)
	}
	return ws, nil
}

// authenticate sends the access token and checks the reply. A non-200
// status is a configuration error and must not be retried.
func (c *SourceConnection) authenticate(ctx context.Context, ws *websocket.Conn) error {
	auth := opFrame{
		Op:           opValidate,
		ResourceName: credentialsResource,
		Object:       c.cfg.AuthToken,
	}
	if err := writeFrame(ctx, ws, auth); err != nil {
		return err
	}

	resp, err := readFrame(ctx, ws)
	if err != nil {
		return err
	}
	if resp.Status != nil && *resp.Status != 200 {
		code, message := firstBodyError(resp.Body)
		msg := fmt.Sprintf("Connect call failed: %d :: %s:%s", *resp.Status, code, message)
		slog.Error("authentication rejected", "source", c.sourceName, "status", *resp.Status, "code", code)
		return fmt.Errorf("%w: %s", config.ErrInvalid, msg)
	}
	return nil
}

// connectExtension announces this source (with its stable reconnect
// secret) and waits for the negotiated configuration. Up to 10 status-only
// frames are tolerated before the configureExtension message; a status of
// 300 or more fails the cycle.
func (c *SourceConnection) connectExtension(ctx context.Context, ws *websocket.Conn) (map[string]any, error) {
	connect := opFrame{
		Op:           opConnectExtension,
		ResourceName: sourcesResource,
		ResourceID:   c.sourceName,
		Parameters:   map[string]any{reconnectSecretKey: c.reconnectSecret},
	}
	if err := writeFrame(ctx, ws, connect); err != nil {
		return nil, err
	}

	for tries := 0; tries <= 10; tries++ {
		resp, err := readFrame(ctx, ws)
		if err != nil {
			return nil, err
		}

		if resp.Op == "" {
			if resp.Status != nil {
				if *resp.Status >= 300 {
					slog.Error("negotiation rejected", "source", c.sourceName, "status", *resp.Status)
					return nil, errConnectionFailed
				}
				slog.Debug("connect returned status", "source", c.sourceName, "status", *resp.Status)
			}
			continue
		}

		if resp.Op != opConfigureExtension {
			return nil, &ProtocolError{
				Msg: fmt.Sprintf("unexpected operation while negotiating: %s", resp.Op),
			}
		}
		obj := decodeObject(resp.Object)
		sourceConfig, ok := obj["config"].(map[string]any)
		if !ok {
			return nil, &ProtocolError{Msg: "malformed configuration message: no config object"}
		}
		slog.Debug("configuration received", "source", c.sourceName)
		return sourceConfig, nil
	}
	return nil, &ProtocolError{
		Msg: "unable to make connection: no configureExtension message received after 10 tries",
	}
}

// serve is the READY-state read loop. It classifies each inbound frame and
// dispatches publish/query messages to the handlers. Handler panics are
// contained: they are logged with a stack trace and the loop continues.
func (c *SourceConnection) serve(ctx context.Context, ws *websocket.Conn) (string, error) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return "", fmt.Errorf("read for source %s: %w", c.sourceName, err)
		}

		f, err := decodeFrame(data)
		if err != nil {
			slog.Error("undecodable message from server", "source", c.sourceName, "err", err)
			continue
		}

		switch {
		case f.Op == opReconnectRequired:
			return reasonReconnect, nil
		case f.Op == opTestClose:
			return reasonTestClose, nil
		case f.Op == opPublish:
			if c.handlers.Publish == nil {
				slog.Error("no handler for publish", "source", c.sourceName)
				continue
			}
			msg := decodeObject(f.Object)
			c.invokeHandler(opPublish, func() {
				c.handlers.Publish(contextFromFrame(c.sourceName, f), msg)
			})
		case f.Op == opQuery:
			if c.handlers.Query == nil {
				slog.Error("no handler for query", "source", c.sourceName)
				continue
			}
			msg := decodeObject(f.Object)
			c.invokeHandler(opQuery, func() {
				c.handlers.Query(contextFromFrame(c.sourceName, f), msg)
			})
		case f.Op != "":
			slog.Error("unexpected operation, ignored", "source", c.sourceName, "op", f.Op)
		case f.Status != nil:
			// HTTP-style reply; only failures are worth noting.
			if *f.Status >= 300 {
				slog.Error("status message indicating a problem", "source", c.sourceName, "status", *f.Status)
			}
		default:
			slog.Error("malformed message from server", "source", c.sourceName)
		}
	}
}

// invokeHandler runs a handler callback, containing panics so a failing
// handler cannot tear down the connection.
func (c *SourceConnection) invokeHandler(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic", "source", c.sourceName, "op", op,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (c *SourceConnection) pingLoop(ctx context.Context, ws *websocket.Conn) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := ws.Ping(pctx)
		cancel()
		if err != nil {
			slog.Debug("ping failed", "source", c.sourceName, "err", err)
			return
		}
	}
}
