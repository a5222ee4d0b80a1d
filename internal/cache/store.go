package cache

import (
	"context"
	"io"
	"time"
)

// DiskStore 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<StoragePath>/<sha1(Key.String())>    # 原始图片字节
//
// 不维护索引文件，条目是否存在以文件系统为准；启动时扫描根目录重建访问顺序。
type DiskStore interface {
	// Path 返回 key 对应的最终文件路径，不保证文件存在。
	Path(key Key) string

	// Exists 判断 key 是否有一个完整的（非空）文件。
	Exists(ctx context.Context, key Key) bool

	// Open 返回一个可流式读取的缓存条目并刷新访问时间。若不存在则返回 ErrNotFound。
	Open(ctx context.Context, key Key) (*ReadResult, error)

	// Put 将 body 写入缓存，实现需通过临时文件 + rename 保证原子性，
	// 并在失败时清理临时文件。写入完成后同步执行淘汰。
	Put(ctx context.Context, key Key, body io.Reader) (*Entry, error)

	// StagingFile 在托管目录内分配一个临时文件路径，供 Fetcher 写入。
	StagingFile() (string, error)

	// Commit 将已写好的临时文件提升为 key 的正式条目。
	Commit(ctx context.Context, key Key, stagedPath string) (*Entry, error)

	// Remove 删除 key 对应的文件，不存在时不报错。
	Remove(ctx context.Context, key Key) error

	// EvictIfNeeded 按最久未访问优先删除文件，直到总大小不超过容量。
	EvictIfNeeded() int

	// Usage 返回当前条目数、总字节与容量。
	Usage() Usage
}

// Entry 表示一个已提交的磁盘条目。
type Entry struct {
	Key        Key       `json:"key"`
	FilePath   string    `json:"file_path"`
	SizeBytes  int64     `json:"size_bytes"`
	LastAccess time.Time `json:"last_access"`
}

// ReadResult 组合 Entry 与正文 Reader，调用方负责关闭。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// Usage 汇总某一层的占用情况，供 /-/stats 输出。
type Usage struct {
	Entries       int   `json:"entries"`
	SizeBytes     int64 `json:"size_bytes"`
	CapacityBytes int64 `json:"capacity_bytes"`
}
