package connector

import (
	"fmt"
	"strings"
)

// Error is a structured error in the form the server expects on a
// query-error frame: a machine code, a human template with {index}
// placeholders, and the parameters to substitute.
type Error struct {
	Code     string `json:"messageCode"`
	Template string `json:"messageTemplate"`
	Params   []any  `json:"parameters"`
}

// NewError builds an Error. Params may be empty but is never nil, so the
// emitted frame always carries a parameters array.
func NewError(code, template string, params ...any) *Error {
	if params == nil {
		params = []any{}
	}
	return &Error{Code: code, Template: template, Params: params}
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Render()
}

// Render substitutes {0}, {1}, ... placeholders in the template.
func (e *Error) Render() string {
	msg := e.Template
	for i, p := range e.Params {
		msg = strings.ReplaceAll(msg, fmt.Sprintf("{%d}", i), fmt.Sprint(p))
	}
	return msg
}

// ProtocolError reports an unexpected or malformed server frame during
// connection negotiation. It is retryable: the reconnect loop backs off
// and dials again.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return e.Msg }
