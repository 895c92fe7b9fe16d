// Package apperr 定义客户端核心的错误分类，REST 状态码与传输层错误都映射到这里。
package apperr

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"syscall"
)

type Kind int

const (
	Unknown Kind = iota
	AuthenticationExpired
	AuthenticationInvalid
	ValidationFailed
	NotFound
	RateLimited
	ServerFault
	Decoding
	NetworkUnreachable
)

// StatusAuthTimeout 是服务端表示 access token 过期的非标准状态码。
const StatusAuthTimeout = 419

// StatusRefreshRejected 是服务端拒绝 refresh token 时可能返回的非标准状态码。
const StatusRefreshRejected = 444

func (k Kind) String() string {
	switch k {
	case AuthenticationExpired:
		return "authentication_expired"
	case AuthenticationInvalid:
		return "authentication_invalid"
	case ValidationFailed:
		return "validation_failed"
	case NotFound:
		return "not_found"
	case RateLimited:
		return "rate_limited"
	case ServerFault:
		return "server_fault"
	case Decoding:
		return "decoding"
	case NetworkUnreachable:
		return "network_unreachable"
	}
	return "unknown"
}

// Error 携带分类、HTTP 状态码以及服务端返回的提示文本。
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	if e.Status != 0 {
		return e.Kind.String() + ": " + http.StatusText(e.Status)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// FromStatus 把普通 REST 响应的状态码映射为错误分类。
func FromStatus(status int, message string) *Error {
	var kind Kind
	switch {
	case status == http.StatusUnauthorized || status == StatusAuthTimeout:
		kind = AuthenticationExpired
	case status == http.StatusNotFound:
		kind = NotFound
	case status == http.StatusTooManyRequests:
		kind = RateLimited
	case status >= 500:
		kind = ServerFault
	case status == http.StatusForbidden:
		kind = Unknown
	case status >= 400:
		kind = ValidationFailed
	default:
		kind = Unknown
	}
	return &Error{Kind: kind, Status: status, Message: message}
}

// FromRefreshStatus 映射刷新接口的失败响应：任何非 2xx 都视为 refresh token 失效。
func FromRefreshStatus(status int, message string) *Error {
	return &Error{Kind: AuthenticationInvalid, Status: status, Message: message}
}

func Network(err error) *Error {
	return &Error{Kind: NetworkUnreachable, Err: err}
}

func DecodingError(err error) *Error {
	return &Error{Kind: Decoding, Err: err}
}

// KindOf 对任意错误分类；未包装的传输层错误归为 NetworkUnreachable。
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if IsTransport(err) {
		return NetworkUnreachable
	}
	return Unknown
}

// Is 判断 err 是否属于 kind。
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransport 判断是否为网络层失败（连接被拒、DNS、超时等），context 取消除外。
func IsTransport(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		if errors.Is(ue.Err, context.Canceled) {
			return false
		}
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
