package cache

import "errors"

// 错误分类在存储层定义，协调器与 HTTP 层通过 errors.Is 判断。
var (
	// ErrNotFound 表示缓存或上游源不存在。
	ErrNotFound = errors.New("image not found")
	// ErrDecodeFailed 表示拿到了字节但无法解码为图片。
	ErrDecodeFailed = errors.New("image decode failed")
	// ErrTransientFailure 表示网络等可重试的失败。
	ErrTransientFailure = errors.New("transient failure")
	// ErrIOFailure 表示磁盘读写失败。
	ErrIOFailure = errors.New("cache io failure")
	// ErrEntryTooLarge 表示单个条目超过了该层的总容量。
	ErrEntryTooLarge = errors.New("cache entry larger than capacity")
)
