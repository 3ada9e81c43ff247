package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Coordinator error codes. Connection-level codes (1001-1003) are
// retried internally and surfaced through the notification bridge;
// SendFailed is attached to the pending message; InvalidContext is
// returned synchronously to the caller.
const (
	CodeNotConnected   = 1001
	CodeAuthTimeout    = 1002
	CodeAuthFailed     = 1003
	CodeSendFailed     = 1004
	CodeInvalidContext = 1005
)

var (
	ErrNotConnected   = NewCodeError(CodeNotConnected, "channel not open")
	ErrAuthTimeout    = NewCodeError(CodeAuthTimeout, "auth handshake timed out")
	ErrAuthFailed     = NewCodeError(CodeAuthFailed, "server rejected identity")
	ErrSendFailed     = NewCodeError(CodeSendFailed, "message send failed")
	ErrInvalidContext = NewCodeError(CodeInvalidContext, "unknown or closed context")
)

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code int, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

// WithDetail returns a copy carrying extra detail, keeping the
// original value usable as an errors.Is target.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// Is matches any CodeError with the same code, so wrapped and
// detailed copies compare equal to the sentinel values above.
func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == e.Code
}

// Code extracts the coordinator error code from err, or 0.
func Code(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
