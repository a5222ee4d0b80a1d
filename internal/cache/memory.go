package cache

import (
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"golang.org/x/xerrors"
)

// MemoryStore 是解码后图片的有界 LRU，容量可以按字节、按条目数或两者同时限制。
type MemoryStore struct {
	maxBytes   int64
	maxEntries int

	mutex     sync.Mutex
	cache     *simplelru.LRU // Key -> *memoryEntry
	sizeBytes int64
	evictions int64
}

type memoryEntry struct {
	image      *Image
	size       int64
	lastAccess time.Time
}

// NewMemoryStore 创建内存层；maxBytes 与 maxEntries 小于等于 0 时表示该维度不限。
func NewMemoryStore(maxBytes int64, maxEntries int) (*MemoryStore, error) {
	store := &MemoryStore{
		maxBytes:   maxBytes,
		maxEntries: maxEntries,
	}

	size := maxEntries
	if size <= 0 {
		size = math.MaxInt32
	}
	lru, err := simplelru.NewLRU(size, store.onEvicted)
	if err != nil {
		return nil, xerrors.Errorf("failed to create LRU cache: %w", err)
	}
	store.cache = lru
	return store, nil
}

// Get 命中时刷新访问时间，不产生任何 I/O。
func (store *MemoryStore) Get(key Key) (*Image, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	value, ok := store.cache.Get(key)
	if !ok {
		return nil, false
	}
	entry := value.(*memoryEntry)
	entry.lastAccess = time.Now()
	return entry.image, true
}

// Put 插入或替换条目，超出预算时同步淘汰最久未访问的条目。
// 单张图片大于整个字节预算时不缓存，返回 false。
func (store *MemoryStore) Put(key Key, img *Image) bool {
	if img == nil {
		return false
	}
	size := img.SizeBytes()
	if store.maxBytes > 0 && size > store.maxBytes {
		return false
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()

	if value, ok := store.cache.Peek(key); ok {
		store.sizeBytes -= value.(*memoryEntry).size
	}
	store.cache.Add(key, &memoryEntry{image: img, size: size, lastAccess: time.Now()})
	store.sizeBytes += size
	store.evictLocked()
	return true
}

// Remove 删除条目，返回是否存在。
func (store *MemoryStore) Remove(key Key) bool {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.cache.Remove(key)
}

// EvictIfNeeded 将占用压回预算内，返回淘汰的条目数。
func (store *MemoryStore) EvictIfNeeded() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.evictLocked()
}

// Purge 清空内存层。
func (store *MemoryStore) Purge() {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.cache.Purge()
}

// Len returns the number of cached images.
func (store *MemoryStore) Len() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.cache.Len()
}

// SizeBytes returns the estimated bytes held by cached images.
func (store *MemoryStore) SizeBytes() int64 {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.sizeBytes
}

// Evictions returns how many entries have been evicted or removed so far.
func (store *MemoryStore) Evictions() int64 {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.evictions
}

// Usage 与 DiskStore.Usage 对齐，供统计输出。
func (store *MemoryStore) Usage() Usage {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return Usage{
		Entries:       store.cache.Len(),
		SizeBytes:     store.sizeBytes,
		CapacityBytes: store.maxBytes,
	}
}

func (store *MemoryStore) evictLocked() int {
	if store.maxBytes <= 0 {
		return 0
	}
	evicted := 0
	for store.sizeBytes > store.maxBytes && store.cache.Len() > 0 {
		if _, _, ok := store.cache.RemoveOldest(); !ok {
			break
		}
		evicted++
	}
	return evicted
}

func (store *MemoryStore) onEvicted(key interface{}, value interface{}) {
	if entry, ok := value.(*memoryEntry); ok {
		store.sizeBytes -= entry.size
		store.evictions++
	}
}
