package config

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig 是所有字段级校验错误的共同分类。
var ErrInvalidConfig = errors.New("invalid config")

// FieldError 提供字段路径与错误原因，便于 CLI 向用户反馈。
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap 使 errors.Is(err, ErrInvalidConfig) 成立。
func (e FieldError) Unwrap() error {
	return ErrInvalidConfig
}

func newFieldError(field, reason string) error {
	return FieldError{Field: field, Reason: reason}
}
