// Package uds is the control channel between the delegator CLI and its
// daemon: one request and one response per connection on a unix socket.
package uds

import (
	"encoding/json"
	"fmt"
)

const (
	ProtocolVersion = 1

	// DefaultSocketName is the socket filename inside .delegator/.
	DefaultSocketName = "daemon.sock"
)

type Request struct {
	ProtocolVersion int             `json:"protocol_version"`
	Command         string          `json:"command"`
	Params          json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
}

// ErrorDetail is a failed response. SessionID is set when the failure
// concerns a session that was created anyway, as with LAUNCH_FAILED.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

func (e *ErrorDetail) Error() string {
	return e.Code + ": " + e.Message
}

// Error codes. BACKPRESSURE means the caller may retry later; the daemon
// itself never retries on the caller's behalf.
const (
	ErrCodeProtocolMismatch = "PROTOCOL_MISMATCH"
	ErrCodeUnknownCommand   = "UNKNOWN_COMMAND"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeBackpressure     = "BACKPRESSURE"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeLaunchFailed     = "LAUNCH_FAILED"
	ErrCodeStorage          = "STORAGE_ERROR"
	ErrCodeShuttingDown     = "SHUTTING_DOWN"
)

func NewRequest(command string, params any) (*Request, error) {
	req := &Request{ProtocolVersion: ProtocolVersion, Command: command}
	if params == nil {
		return req, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", command, err)
	}
	req.Params = data
	return req, nil
}

// SuccessResponse wraps data. Data that cannot be encoded turns the response
// into an INTERNAL_ERROR rather than an empty success.
func SuccessResponse(data any) *Response {
	if data == nil {
		return &Response{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return ErrorResponse(ErrCodeInternal, fmt.Sprintf("encode response: %v", err))
	}
	return &Response{Success: true, Data: raw}
}

func ErrorResponse(code, message string) *Response {
	return &Response{Error: &ErrorDetail{Code: code, Message: message}}
}

// SessionErrorResponse is ErrorResponse for a failure tied to sessionID.
func SessionErrorResponse(code, sessionID, message string) *Response {
	resp := ErrorResponse(code, message)
	resp.Error.SessionID = sessionID
	return resp
}

// DecodeParams unmarshals the request parameters into v. Missing params leave v untouched.
func DecodeParams(req *Request, v any) error {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
