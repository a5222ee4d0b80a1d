package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ScalePolicy 描述解码后的图片如何相对于目标尺寸缩放。
type ScalePolicy int

const (
	// Original 保留源图尺寸，忽略目标宽高。
	Original ScalePolicy = iota
	// ScaleFit 等比缩小到目标框内，不放大。
	ScaleFit
	// ScaleFitUpsample 等比缩放到目标框内，允许放大小图。
	ScaleFitUpsample
)

var policyNames = map[ScalePolicy]string{
	Original:         "original",
	ScaleFit:         "fit",
	ScaleFitUpsample: "fit-upsample",
}

func (p ScalePolicy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(p)) + ")"
}

// Valid 判断是否为已知策略。
func (p ScalePolicy) Valid() bool {
	_, ok := policyNames[p]
	return ok
}

// ParseScalePolicy 将配置或查询参数中的策略名解析为 ScalePolicy。
func ParseScalePolicy(raw string) (ScalePolicy, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for policy, name := range policyNames {
		if normalized == name {
			return policy, nil
		}
	}
	return Original, fmt.Errorf("unsupported scale policy: %q", raw)
}

// ErrInvalidKey 表示 url 为空或尺寸非法。
var ErrInvalidKey = errors.New("invalid cache key")

// Key 唯一标识两级缓存中的一个条目，值相等即同一条目。
type Key struct {
	URL    string
	Width  int
	Height int
	Policy ScalePolicy
}

// NewKey 校验输入并构造规范化的 Key。Original 策略下目标尺寸不参与缓存身份，
// 统一归零，使不同尺寸请求共享同一份原图。
func NewKey(url string, width, height int, policy ScalePolicy) (Key, error) {
	// Key 会长期作为 map 键保存，不能引用调用方可能复用的缓冲区。
	url = strings.Clone(strings.TrimSpace(url))
	if url == "" {
		return Key{}, fmt.Errorf("%w: url required", ErrInvalidKey)
	}
	if width < 0 || height < 0 {
		return Key{}, fmt.Errorf("%w: negative size %dx%d", ErrInvalidKey, width, height)
	}
	if !policy.Valid() {
		return Key{}, fmt.Errorf("%w: policy %s", ErrInvalidKey, policy)
	}
	if policy == Original {
		width, height = 0, 0
	}
	return Key{URL: url, Width: width, Height: height, Policy: policy}, nil
}

// String 返回规范文本形式，用作日志字段与文件名哈希输入。
func (k Key) String() string {
	return fmt.Sprintf("%s|%dx%d|%s", k.URL, k.Width, k.Height, k.Policy)
}

// FileName 返回磁盘层使用的扁平文件名。
func (k Key) FileName() string {
	sum := sha1.Sum([]byte(k.String()))
	return hex.EncodeToString(sum[:])
}
