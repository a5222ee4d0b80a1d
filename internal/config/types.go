package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pixhub/pixhub/internal/cache"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述服务运行时行为。
type GlobalConfig struct {
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	StoragePath           string `mapstructure:"StoragePath"`
	MaxDiskCacheSize      int64  `mapstructure:"MaxDiskCacheSize"`
	MaxMemoryCache        int64  `mapstructure:"MaxMemoryCacheSize"`
	MaxMemoryCacheEntries int    `mapstructure:"MaxMemoryCacheEntries"`
	MaxImageSize          int64  `mapstructure:"MaxImageSize"`
	MaxImagePixels        int64  `mapstructure:"MaxImagePixels"`

	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	UserAgent       string   `mapstructure:"UserAgent"`
}

// LoaderConfig 对应加载器设置：是否总是使用原图尺寸、是否允许放大。
type LoaderConfig struct {
	AlwaysUseOriginalSize bool `mapstructure:"AlwaysUseOriginalSize"`
	AllowUpsampling       bool `mapstructure:"AllowUpsampling"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Loader LoaderConfig `mapstructure:"Loader"`
}

// DefaultPolicy 根据加载器设置推导未显式指定策略时使用的缩放策略。
func (l LoaderConfig) DefaultPolicy() cache.ScalePolicy {
	switch {
	case l.AlwaysUseOriginalSize:
		return cache.Original
	case l.AllowUpsampling:
		return cache.ScaleFitUpsample
	default:
		return cache.ScaleFit
	}
}
