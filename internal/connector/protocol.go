package connector

import "encoding/json"

// Operations on the server channel.
const (
	opValidate           = "validate"
	opConnectExtension   = "connectExtension"
	opConfigureExtension = "configureExtension"
	opReconnectRequired  = "reconnectRequired"
	opPublish            = "publish"
	opQuery              = "query"
	opNotification       = "notification"

	// opTestClose is a pseudo-op the test server sends to make the client
	// exit its reconnect loop terminally.
	opTestClose = "testRequestsClientClose"
)

// Query response status codes.
const (
	QueryPartial  = 100
	QueryComplete = 200
	QueryEmpty    = 204
	QueryError    = 400
)

const (
	credentialsResource = "system.credentials"
	sourcesResource     = "sources"
	reconnectSecretKey  = "reconnectSecret"

	// responseAddressHeader carries the reply address on outbound response
	// frames; originAddressKey is where the server puts it on inbound
	// query frames.
	responseAddressHeader = "X-Reply-Address"
	originAddressKey      = "REPLY_ADDR_HEADER"
)

// serverFrame is one inbound JSON message. Frames carry either an op, a
// bare HTTP-style status, or (malformed) neither.
type serverFrame struct {
	Op             string            `json:"op"`
	Status         *int              `json:"status"`
	Object         json.RawMessage   `json:"object"`
	Body           json.RawMessage   `json:"body"`
	MessageHeaders map[string]string `json:"messageHeaders"`
}

// statusBodyError is one entry of the body array on a failed status reply.
type statusBodyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// opFrame is an outbound operation message (validate, connectExtension,
// notification).
type opFrame struct {
	Op           string         `json:"op"`
	ResourceName string         `json:"resourceName,omitempty"`
	ResourceID   string         `json:"resourceId,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Object       any            `json:"object,omitempty"`
}

// responseFrame is an outbound query response. Body is omitted for empty
// (204) responses.
type responseFrame struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    any               `json:"body,omitempty"`
}

// Context identifies the source an operation belongs to and, for queries,
// the server-generated reply address that must be echoed on every response
// frame.
type Context struct {
	SourceName      string
	ResponseAddress string
}

// contextFromFrame derives the handler context for an inbound frame,
// picking up the reply address when the server supplied one.
func contextFromFrame(sourceName string, f *serverFrame) Context {
	ctx := Context{SourceName: sourceName}
	if f != nil {
		ctx.ResponseAddress = f.MessageHeaders[originAddressKey]
	}
	return ctx
}

// decodeObject unmarshals a frame's object payload into a generic map.
// Returns nil for absent or non-object payloads.
func decodeObject(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
