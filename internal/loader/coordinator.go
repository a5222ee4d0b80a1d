// Package loader coordinates the two cache tiers with the network: a request
// is served from memory when possible, otherwise exactly one in-flight load per
// key checks disk, fetches and decodes, and every concurrent caller for that
// key receives the same result.
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pixhub/pixhub/internal/cache"
	"github.com/pixhub/pixhub/internal/decode"
	"github.com/pixhub/pixhub/internal/fetch"
	"github.com/pixhub/pixhub/internal/logging"
)

// Options 汇总协调器依赖，Logger 为空时丢弃日志。
type Options struct {
	Memory  *cache.MemoryStore
	Disk    cache.DiskStore
	Fetcher fetch.Fetcher
	Decoder decode.Decoder
	Logger  *logrus.Logger
}

// Coordinator 是两级缓存的入口。mu 只保护 flights 与 failures，
// fetch/decode 在锁外的 goroutine 中进行；加锁顺序始终为 Coordinator → store。
type Coordinator struct {
	memory  *cache.MemoryStore
	disk    cache.DiskStore
	fetcher fetch.Fetcher
	decoder decode.Decoder
	logger  *logrus.Entry

	mu       sync.Mutex
	flights  map[cache.Key]*flight
	failures map[cache.Key]*Failure

	stats counters
}

// NewCoordinator validates the dependencies and builds a coordinator.
func NewCoordinator(opts Options) (*Coordinator, error) {
	switch {
	case opts.Memory == nil:
		return nil, errors.New("memory store required")
	case opts.Disk == nil:
		return nil, errors.New("disk store required")
	case opts.Fetcher == nil:
		return nil, errors.New("fetcher required")
	case opts.Decoder == nil:
		return nil, errors.New("decoder required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Coordinator{
		memory:   opts.Memory,
		disk:     opts.Disk,
		fetcher:  opts.Fetcher,
		decoder:  opts.Decoder,
		logger:   logging.Component(logger, "coordinator"),
		flights:  make(map[cache.Key]*flight),
		failures: make(map[cache.Key]*Failure),
	}, nil
}

// Get 返回 key 对应的解码图片。
func (c *Coordinator) Get(ctx context.Context, url string, width, height int, policy cache.ScalePolicy) (*cache.Image, error) {
	result, err := c.Load(ctx, Request{URL: url, Width: width, Height: height, Policy: policy})
	if err != nil {
		return nil, err
	}
	return result.Image, nil
}

// Load 与 Get 相同，但额外返回图片来源层。内存命中不产生任何磁盘 I/O；
// 未命中时加入或发起该 key 唯一的 in-flight 加载。
func (c *Coordinator) Load(ctx context.Context, req Request) (Result, error) {
	key, err := cache.NewKey(req.URL, req.Width, req.Height, req.Policy)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if img, ok := c.memory.Get(key); ok {
		c.stats.memoryHits.Add(1)
		return Result{Key: key, Image: img, Source: SourceMemory}, nil
	}

	for {
		f, owner, unwinding := c.join(ctx, key)
		if unwinding != nil {
			select {
			case <-unwinding:
				continue
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}

		if owner {
			go c.run(f)
		} else {
			c.stats.joins.Add(1)
		}
		return c.await(ctx, f)
	}
}

// Cached 判断 key 是否已在任一层中，不触发加载。
func (c *Coordinator) Cached(ctx context.Context, req Request) (bool, error) {
	key, err := cache.NewKey(req.URL, req.Width, req.Height, req.Policy)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, ok := c.memory.Get(key); ok {
		return true, nil
	}
	return c.disk.Exists(ctx, key), nil
}

// Invalidate 从两级缓存中删除 key，并清除其失败记录。已在进行的加载不受影响。
func (c *Coordinator) Invalidate(ctx context.Context, req Request) error {
	key, err := cache.NewKey(req.URL, req.Width, req.Height, req.Policy)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	c.mu.Lock()
	delete(c.failures, key)
	c.mu.Unlock()

	c.memory.Remove(key)
	if err := c.disk.Remove(ctx, key); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	c.logger.WithFields(logging.ImageFields(key.URL, key.String(), "", false)).
		WithField("action", "invalidate").Debug("cache entry invalidated")
	return nil
}

// Purge 清空内存层，磁盘层保持不变。
func (c *Coordinator) Purge() {
	c.memory.Purge()
}

func (c *Coordinator) await(ctx context.Context, f *flight) (Result, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		c.leave(f)
		select {
		case <-f.done:
			return f.result, f.err
		default:
		}
		return Result{}, ctx.Err()
	}
}

func (c *Coordinator) run(f *flight) {
	var (
		result Result
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"action":    "load_panic",
				"cache_key": f.key.String(),
			}).Errorf("panic during load: %v", r)
			result, err = Result{}, fmt.Errorf("%w: panic during load: %v", ErrIOFailure, r)
		}
		c.finish(f, result, err)
	}()

	result, err = c.resolve(f.ctx, f.key)
	fields := logging.ImageFields(f.key.URL, f.key.String(), string(result.Source), err == nil && result.Source != SourceNetwork)
	if err != nil {
		c.logger.WithFields(fields).WithFields(logrus.Fields{
			"action": "load_failed",
			"kind":   ErrorKind(err),
		}).Warn(err.Error())
		return
	}
	c.logger.WithFields(fields).WithField("action", "load").Debug("image loaded")
}

// resolve 依次尝试内存、磁盘和网络，成功时保证两级缓存都已写入。
func (c *Coordinator) resolve(ctx context.Context, key cache.Key) (Result, error) {
	// 上一个 flight 可能在本 flight 登记前刚刚写入内存。
	if img, ok := c.memory.Get(key); ok {
		c.stats.memoryHits.Add(1)
		return Result{Key: key, Image: img, Source: SourceMemory}, nil
	}

	img, err := c.loadFromDisk(ctx, key)
	switch {
	case err == nil:
		c.stats.diskHits.Add(1)
		c.memory.Put(key, img)
		return Result{Key: key, Image: img, Source: SourceDisk}, nil
	case errors.Is(err, cache.ErrNotFound):
	default:
		return Result{}, err
	}

	img, err = c.loadFromNetwork(ctx, key)
	if err != nil {
		return Result{}, err
	}
	c.memory.Put(key, img)
	return Result{Key: key, Image: img, Source: SourceNetwork}, nil
}

// loadFromDisk 在磁盘命中时解码；解码失败的文件视为陈旧条目删除，返回 ErrNotFound 交给网络路径。
func (c *Coordinator) loadFromDisk(ctx context.Context, key cache.Key) (*cache.Image, error) {
	read, err := c.disk.Open(ctx, key)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, cache.ErrNotFound):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
	}

	img, err := c.decoder.Decode(ctx, read.Reader, key.Width, key.Height, key.Policy)
	read.Reader.Close()
	if err == nil {
		return img, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !errors.Is(err, cache.ErrDecodeFailed) {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}

	c.logger.WithFields(logging.ImageFields(key.URL, key.String(), string(SourceDisk), true)).
		WithField("action", "drop_stale_entry").Warn(err.Error())
	if rmErr := c.disk.Remove(ctx, key); rmErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, rmErr)
	}
	return nil, cache.ErrNotFound
}

// loadFromNetwork 抓取到托管目录内的暂存文件，解码成功后才提交为正式条目。
func (c *Coordinator) loadFromNetwork(ctx context.Context, key cache.Key) (*cache.Image, error) {
	staged, err := c.disk.StagingFile()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	defer os.Remove(staged)

	c.stats.networkFetches.Add(1)
	if err := c.fetcher.Retrieve(ctx, key.URL, staged); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyFetchError(err)
	}

	img, err := c.decodeFile(ctx, staged, key)
	if err != nil {
		return nil, err
	}

	if _, err := c.disk.Commit(ctx, key, staged); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, cache.ErrEntryTooLarge) {
			return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
		}
		c.logger.WithFields(logging.ImageFields(key.URL, key.String(), string(SourceNetwork), false)).
			WithField("action", "skip_disk_entry").Warn(err.Error())
	}
	return img, nil
}

func (c *Coordinator) decodeFile(ctx context.Context, path string, key cache.Key) (*cache.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	defer file.Close()

	img, err := c.decoder.Decode(ctx, file, key.Width, key.Height, key.Policy)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, cache.ErrDecodeFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return img, nil
}

// classifyFetchError 保留已知分类，其余错误按瞬时失败处理。
func classifyFetchError(err error) error {
	switch {
	case errors.Is(err, cache.ErrNotFound),
		errors.Is(err, cache.ErrTransientFailure),
		errors.Is(err, cache.ErrDecodeFailed),
		errors.Is(err, cache.ErrIOFailure):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrTransientFailure, err)
	}
}
