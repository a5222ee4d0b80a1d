package loader

import "github.com/pixhub/pixhub/internal/cache"

// Source 标记图片来自哪一层。
type Source string

const (
	SourceMemory  Source = "memory"
	SourceDisk    Source = "disk"
	SourceNetwork Source = "network"
)

// Request 描述一次加载请求。Width/Height 为 0 时含义取决于 Policy。
type Request struct {
	URL    string
	Width  int
	Height int
	Policy cache.ScalePolicy
}

// Result 是一次成功加载的结果。同一 in-flight 请求的所有等待者拿到同一个 Image。
type Result struct {
	Key    cache.Key
	Image  *cache.Image
	Source Source
}
