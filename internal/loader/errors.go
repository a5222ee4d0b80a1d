package loader

import (
	"context"
	"errors"

	"github.com/pixhub/pixhub/internal/cache"
)

// 调用方只需依赖 loader 包即可判断错误类型。
var (
	ErrNotFound         = cache.ErrNotFound
	ErrDecodeFailed     = cache.ErrDecodeFailed
	ErrTransientFailure = cache.ErrTransientFailure
	ErrIOFailure        = cache.ErrIOFailure

	// ErrInvalidRequest 表示 url 为空、尺寸为负或策略未知。
	ErrInvalidRequest = errors.New("invalid image request")
)

// ErrorKind 将错误归类为稳定的短字符串，供日志、统计与 HTTP 错误码使用。
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDecodeFailed):
		return "decode_failed"
	case errors.Is(err, ErrTransientFailure):
		return "transient_failure"
	case errors.Is(err, ErrIOFailure):
		return "io_failure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unknown"
	}
}
