package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrNoPrice 表示所有价格来源都没有返回有效成交价。
	ErrNoPrice = errors.New("exchange: no price available")
	// ErrNoOrders 表示订单历史为空。
	ErrNoOrders = errors.New("exchange: order history empty")
	// ErrMissingCredentials 表示未配置会话凭证。
	ErrMissingCredentials = errors.New("exchange: missing session credentials")
)

// APIError 表示交易所以业务错误码拒绝了请求。
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: api error code=%s message=%s", e.Code, e.Message)
}

// HTTPError 表示非 200 的 HTTP 响应。
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("exchange: http status %d", e.StatusCode)
}

// DecodeError 表示响应体无法解析。
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("exchange: malformed response: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsRetryable 判断错误是否为瞬时错误。业务拒绝不重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsRejected 判断错误是否为交易所业务拒绝。
func IsRejected(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
