package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/coder/websocket"
)

// SendQueryResponse emits one response frame for the query identified by
// ctx. code must be QueryPartial, QueryComplete, or QueryEmpty; a non-empty
// code requires a body. The reply address from ctx is echoed so the server
// can correlate the response.
func (c *SourceConnection) SendQueryResponse(ctx context.Context, qctx Context, code int, body any) error {
	if code != QueryPartial && code != QueryComplete && code != QueryEmpty {
		return fmt.Errorf("sendQueryResponse: invalid code: %d", code)
	}
	if code != QueryEmpty && body == nil {
		return fmt.Errorf("sendQueryResponse: non-empty responses require a body")
	}
	return c.sendCorrelated(ctx, qctx, code, body)
}

// SendQueryError responds to a query with a status-400 error frame. The
// error must carry a code, a template, and a (possibly empty) parameter
// list.
func (c *SourceConnection) SendQueryError(ctx context.Context, qctx Context, e *Error) error {
	if e == nil || e.Code == "" || e.Template == "" || e.Params == nil {
		return fmt.Errorf("sendQueryError: missing or incomplete error information: %+v", e)
	}
	return c.sendCorrelated(ctx, qctx, QueryError, e)
}

// SendNotification sends an event to the server, appearing as an event
// from this source. Notifications are gated by readiness like responses
// but carry no correlation address.
func (c *SourceConnection) SendNotification(ctx context.Context, body any) error {
	frame := opFrame{
		Op:           opNotification,
		ResourceName: sourcesResource,
		ResourceID:   c.sourceName,
		Object:       body,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return c.sendGated(ctx, data)
}

func (c *SourceConnection) sendCorrelated(ctx context.Context, qctx Context, code int, body any) error {
	if qctx.SourceName != c.sourceName || qctx.ResponseAddress == "" {
		return fmt.Errorf("query response has missing or incomplete context: %+v", qctx)
	}

	frame := responseFrame{
		Status:  code,
		Headers: map[string]string{responseAddressHeader: qctx.ResponseAddress},
	}
	if code != QueryEmpty {
		frame.Body = body
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return c.sendGated(ctx, data)
}

// sendGated waits for the connection's readiness signal before writing.
// When a signal resolves with failure, meaning the cycle it belonged to
// ended, the sender re-reads the current signal and waits again, so a frame is
// only ever written on a live READY socket. The loop is bounded only by
// ctx or connection termination.
func (c *SourceConnection) sendGated(ctx context.Context, data []byte) error {
	for {
		c.mu.Lock()
		if c.terminated {
			c.mu.Unlock()
			return errTerminated
		}
		ready := c.ready
		c.mu.Unlock()

		if ready == nil {
			return fmt.Errorf("connection for source %s has no readiness signal", c.sourceName)
		}
		if err := ready.wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		c.mu.Lock()
		ws := c.ws
		c.mu.Unlock()
		if ws == nil {
			// The cycle ended between the signal resolving and this read;
			// the successor signal is unresolved, so the next wait blocks.
			continue
		}

		c.writeMu.Lock()
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := ws.Write(wctx, websocket.MessageText, data)
		cancel()
		c.writeMu.Unlock()
		if err != nil {
			slog.Error("send failed", "source", c.sourceName, "err", err)
			return fmt.Errorf("send for source %s: %w", c.sourceName, err)
		}
		return nil
	}
}

// writeFrame marshals and writes a frame during connection setup, before
// the readiness gate is in effect.
func writeFrame(ctx context.Context, ws *websocket.Conn, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}

// readFrame reads and decodes one inbound frame.
func readFrame(ctx context.Context, ws *websocket.Conn) (*serverFrame, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	return decodeFrame(data)
}

func decodeFrame(data []byte) (*serverFrame, error) {
	var f serverFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return &f, nil
}

// firstBodyError extracts the first error entry from a failed status
// reply's body array.
func firstBodyError(body json.RawMessage) (code, message string) {
	var errs []statusBodyError
	if err := json.Unmarshal(body, &errs); err != nil || len(errs) == 0 {
		return "", ""
	}
	return errs[0].Code, errs[0].Message
}
