package config

import (
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if _, err := logrus.ParseLevel(strings.TrimSpace(g.LogLevel)); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxDiskCacheSize < 0 {
		return newFieldError("Global.MaxDiskCacheSize", "不能为负数")
	}
	if g.MaxMemoryCache <= 0 && g.MaxMemoryCacheEntries <= 0 {
		return newFieldError("Global.MaxMemoryCacheSize", "MaxMemoryCacheSize 与 MaxMemoryCacheEntries 至少设置一项")
	}
	if g.MaxMemoryCache < 0 {
		return newFieldError("Global.MaxMemoryCacheSize", "不能为负数")
	}
	if g.MaxMemoryCacheEntries < 0 {
		return newFieldError("Global.MaxMemoryCacheEntries", "不能为负数")
	}
	if g.MaxImageSize < 0 {
		return newFieldError("Global.MaxImageSize", "不能为负数")
	}
	if g.MaxDiskCacheSize > 0 && g.MaxImageSize > g.MaxDiskCacheSize {
		return newFieldError("Global.MaxImageSize", "不能大于 MaxDiskCacheSize")
	}
	if g.MaxImagePixels < 0 {
		return newFieldError("Global.MaxImagePixels", "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if c.Loader.AlwaysUseOriginalSize && c.Loader.AllowUpsampling {
		return newFieldError("Loader.AllowUpsampling", "与 AlwaysUseOriginalSize 互斥")
	}
	return nil
}
