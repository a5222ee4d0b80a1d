package loader

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pixhub/pixhub/internal/cache"
	"github.com/pixhub/pixhub/internal/config"
	"github.com/pixhub/pixhub/internal/logging"
)

// Listener 在图片加载成功后收到通知。
type Listener interface {
	OnImageLoaded(Result)
}

// ListenerFunc 让普通函数满足 Listener。
type ListenerFunc func(Result)

func (fn ListenerFunc) OnImageLoaded(result Result) { fn(result) }

// Loader 在 Coordinator 之上提供默认缩放策略、预取与加载监听。
type Loader struct {
	coordinator *Coordinator
	settings    config.LoaderConfig
	logger      *logrus.Entry

	mu        sync.RWMutex
	listeners map[string]Listener
	order     []string
}

// NewLoader wraps a coordinator with the loader settings.
func NewLoader(coordinator *Coordinator, settings config.LoaderConfig, logger *logrus.Logger) *Loader {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Loader{
		coordinator: coordinator,
		settings:    settings,
		logger:      logging.Component(logger, "loader"),
		listeners:   make(map[string]Listener),
	}
}

// Coordinator 返回底层协调器。
func (l *Loader) Coordinator() *Coordinator {
	return l.coordinator
}

// DefaultPolicy 返回未显式指定策略时使用的缩放策略。
func (l *Loader) DefaultPolicy() cache.ScalePolicy {
	return l.settings.DefaultPolicy()
}

// Load 按默认策略加载图片。
func (l *Loader) Load(ctx context.Context, url string, width, height int) (Result, error) {
	return l.LoadWithPolicy(ctx, Request{URL: url, Width: width, Height: height, Policy: l.DefaultPolicy()})
}

// LoadWithPolicy 加载图片并在成功后通知监听者。
func (l *Loader) LoadWithPolicy(ctx context.Context, req Request) (Result, error) {
	result, err := l.coordinator.Load(ctx, req)
	if err != nil {
		return Result{}, err
	}
	l.notify(result)
	return result, nil
}

// CacheImage 预热缓存：已在任一层中时直接返回，否则按默认策略完整加载一次。
func (l *Loader) CacheImage(ctx context.Context, url string, width, height int) error {
	req := Request{URL: url, Width: width, Height: height, Policy: l.DefaultPolicy()}
	cached, err := l.coordinator.Cached(ctx, req)
	if err != nil {
		return err
	}
	if cached {
		return nil
	}
	_, err = l.LoadWithPolicy(ctx, req)
	return err
}

// AddListener 注册监听者并返回用于注销的 id。
func (l *Loader) AddListener(listener Listener) string {
	id := uuid.NewString()
	l.mu.Lock()
	l.listeners[id] = listener
	l.order = append(l.order, id)
	l.mu.Unlock()
	return id
}

// RemoveListener 注销监听者，返回 id 是否存在。
func (l *Loader) RemoveListener(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.listeners[id]; !ok {
		return false
	}
	delete(l.listeners, id)
	for i, existing := range l.order {
		if existing == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
	return true
}

// notify 在锁外按注册顺序回调，单个监听者 panic 不影响其它监听者。
func (l *Loader) notify(result Result) {
	l.mu.RLock()
	snapshot := make([]Listener, 0, len(l.order))
	for _, id := range l.order {
		snapshot = append(snapshot, l.listeners[id])
	}
	l.mu.RUnlock()

	for _, listener := range snapshot {
		l.invoke(listener, result)
	}
}

func (l *Loader) invoke(listener Listener, result Result) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.WithFields(logrus.Fields{
				"action":    "listener_panic",
				"cache_key": result.Key.String(),
			}).Errorf("listener panic: %v", r)
		}
	}()
	listener.OnImageLoaded(result)
}
