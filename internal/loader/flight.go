package loader

import (
	"context"

	"github.com/pixhub/pixhub/internal/cache"
)

// flight 是某个 key 正在进行的 fetch+decode。字段除 done/ctx/cancel 外都由
// Coordinator.mu 保护；result/err 在 close(done) 之前写入，之后只读。
type flight struct {
	key    cache.Key
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	waiters   int
	abandoned bool
	finished  bool

	result Result
	err    error
}

// newFlight 保留 owner ctx 中的值但与其取消信号解耦，取消只由等待者数量决定。
func newFlight(parent context.Context, key cache.Key) *flight {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &flight{
		key:    key,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// join 登记一个等待者。返回值 owner 表示调用方需要启动加载；当已有的 flight
// 因无人等待而被取消、仍在收尾时，返回其 done 通道让调用方等它结束后重来。
func (c *Coordinator) join(ctx context.Context, key cache.Key) (f *flight, owner bool, unwinding <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.flights[key]; ok {
		if existing.abandoned {
			return nil, false, existing.done
		}
		existing.waiters++
		return existing, false, nil
	}

	f = newFlight(ctx, key)
	f.waiters = 1
	c.flights[key] = f
	return f, true, nil
}

// leave 移除一个放弃等待的调用方；最后一个等待者离开时取消底层加载。
func (c *Coordinator) leave(f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f.waiters--
	if f.waiters <= 0 && !f.finished {
		f.abandoned = true
		f.cancel()
	}
}

// finish 发布结果并移除 flight，所有等待者随 done 关闭一起被唤醒。
func (c *Coordinator) finish(f *flight, result Result, err error) {
	c.mu.Lock()
	f.result, f.err = result, err
	f.finished = true
	if c.flights[f.key] == f {
		delete(c.flights, f.key)
	}
	c.recordOutcomeLocked(f.key, err)
	c.mu.Unlock()

	close(f.done)
	f.cancel()
}
