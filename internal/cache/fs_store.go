package cache

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/rs/xid"
	"golang.org/x/xerrors"
)

const tempPrefix = "."

// NewDiskStore 以 basePath 为根目录构建磁盘缓存，capacity<=0 表示不限容量。
// 根目录中已有的文件按修改时间由旧到新重建访问顺序，残留的临时文件会被清理。
func NewDiskStore(basePath string, capacity int64) (DiskStore, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, xerrors.Errorf("failed to resolve storage path %s: %w", basePath, err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, xerrors.Errorf("failed to make dir %s: %w", abs, err)
	}

	store := &fileStore{
		basePath: abs,
		capacity: capacity,
		locks:    make(map[string]*entryLock),
	}

	index, err := simplelru.NewLRU(math.MaxInt32, store.onEvicted)
	if err != nil {
		return nil, xerrors.Errorf("failed to create LRU index: %w", err)
	}
	store.index = index

	if err := store.scan(); err != nil {
		return nil, err
	}
	return store, nil
}

// fileStore 通过 entryLock 避免同一文件并发写入；index 记录访问顺序与大小，
// 被 index 淘汰的条目在回调中删除对应文件。
type fileStore struct {
	basePath string
	capacity int64

	mu        sync.Mutex
	index     *simplelru.LRU // file name -> *diskEntry
	sizeBytes int64

	locksMu sync.Mutex
	locks   map[string]*entryLock
}

type diskEntry struct {
	name       string
	size       int64
	lastAccess time.Time
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Path(key Key) string {
	return filepath.Join(s.basePath, key.FileName())
}

func (s *fileStore) Exists(ctx context.Context, key Key) bool {
	if ctx.Err() != nil {
		return false
	}
	name := key.FileName()
	info, err := os.Stat(s.Path(key))
	if err != nil || info.IsDir() {
		s.forget(name)
		return false
	}
	if info.Size() == 0 {
		s.dropStale(name)
		return false
	}
	return s.track(name, info.Size(), info.ModTime(), false)
}

func (s *fileStore) Open(ctx context.Context, key Key) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	name := key.FileName()
	filePath := s.Path(key)

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.forget(name)
			return nil, ErrNotFound
		}
		return nil, xerrors.Errorf("failed to stat cache file %s: %w", filePath, err)
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}
	if info.Size() == 0 {
		s.dropStale(name)
		return nil, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.forget(name)
			return nil, ErrNotFound
		}
		return nil, xerrors.Errorf("failed to open cache file %s: %w", filePath, err)
	}

	now := time.Now().UTC()
	s.track(name, info.Size(), now, true)

	return &ReadResult{
		Entry: Entry{
			Key:        key,
			FilePath:   filePath,
			SizeBytes:  info.Size(),
			LastAccess: now,
		},
		Reader: f,
	}, nil
}

func (s *fileStore) Put(ctx context.Context, key Key, body io.Reader) (*Entry, error) {
	unlock := s.lockEntry(key.FileName())
	defer unlock()

	tempFile, err := os.CreateTemp(s.basePath, tempPrefix+"cache-*")
	if err != nil {
		return nil, xerrors.Errorf("failed to create temp file: %w", err)
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, xerrors.Errorf("failed to write temp file %s: %w", tempName, err)
	}
	if written == 0 {
		os.Remove(tempName)
		return nil, xerrors.Errorf("refusing to cache empty body for %s", key)
	}

	return s.promote(key, tempName, written)
}

func (s *fileStore) StagingFile() (string, error) {
	if _, err := os.Stat(s.basePath); err != nil {
		return "", xerrors.Errorf("storage path unavailable %s: %w", s.basePath, err)
	}
	return filepath.Join(s.basePath, tempPrefix+"staging-"+xid.New().String()), nil
}

func (s *fileStore) Commit(ctx context.Context, key Key, stagedPath string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		os.Remove(stagedPath)
		return nil, err
	}
	if filepath.Dir(stagedPath) != s.basePath {
		return nil, xerrors.Errorf("staged file %s is outside of %s", stagedPath, s.basePath)
	}

	unlock := s.lockEntry(key.FileName())
	defer unlock()

	info, err := os.Stat(stagedPath)
	if err != nil {
		return nil, xerrors.Errorf("failed to stat staged file %s: %w", stagedPath, err)
	}
	if info.Size() == 0 {
		os.Remove(stagedPath)
		return nil, xerrors.Errorf("staged file %s is empty", stagedPath)
	}
	return s.promote(key, stagedPath, info.Size())
}

// promote 将临时文件 rename 到最终路径，登记索引并同步淘汰。调用方需持有 entryLock。
func (s *fileStore) promote(key Key, tempName string, size int64) (*Entry, error) {
	if s.capacity > 0 && size > s.capacity {
		os.Remove(tempName)
		return nil, xerrors.Errorf("entry %s has %d bytes, capacity %d: %w", key, size, s.capacity, ErrEntryTooLarge)
	}

	filePath := s.Path(key)
	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, xerrors.Errorf("failed to rename %s to %s: %w", tempName, filePath, err)
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.trackLocked(key.FileName(), size, now)
	s.evictLocked()
	s.mu.Unlock()

	return &Entry{
		Key:        key,
		FilePath:   filePath,
		SizeBytes:  size,
		LastAccess: now,
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, key Key) error {
	name := key.FileName()
	unlock := s.lockEntry(name)
	defer unlock()

	s.mu.Lock()
	removed := s.index.Remove(name)
	s.mu.Unlock()
	if removed {
		return nil
	}

	filePath := s.Path(key)
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return xerrors.Errorf("failed to remove cache file %s: %w", filePath, err)
	}
	return nil
}

func (s *fileStore) EvictIfNeeded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked()
}

func (s *fileStore) Usage() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Usage{
		Entries:       s.index.Len(),
		SizeBytes:     s.sizeBytes,
		CapacityBytes: s.capacity,
	}
}

func (s *fileStore) evictLocked() int {
	if s.capacity <= 0 {
		return 0
	}
	evicted := 0
	for s.sizeBytes > s.capacity && s.index.Len() > 0 {
		if _, _, ok := s.index.RemoveOldest(); !ok {
			break
		}
		evicted++
	}
	return evicted
}

// track 登记或刷新一个条目；touch 为 true 时视为一次访问并移到最新端。
// 登记后按容量淘汰，返回该条目是否仍在索引中。
func (s *fileStore) track(name string, size int64, at time.Time, touch bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value, ok := s.index.Peek(name); ok {
		entry := value.(*diskEntry)
		s.sizeBytes += size - entry.size
		entry.size = size
		if touch {
			entry.lastAccess = at
			s.index.Get(name)
		}
	} else {
		s.trackLocked(name, size, at)
	}
	s.evictLocked()
	return s.index.Contains(name)
}

func (s *fileStore) trackLocked(name string, size int64, at time.Time) {
	if value, ok := s.index.Peek(name); ok {
		entry := value.(*diskEntry)
		s.sizeBytes += size - entry.size
		entry.size = size
		entry.lastAccess = at
		s.index.Get(name)
		return
	}
	s.index.Add(name, &diskEntry{name: name, size: size, lastAccess: at})
	s.sizeBytes += size
}

// forget 只移除索引项；文件已不存在时 onEvicted 的删除是空操作。
func (s *fileStore) forget(name string) {
	s.mu.Lock()
	s.index.Remove(name)
	s.mu.Unlock()
}

// dropStale 删除空文件（中断的旧写入），保证它不会被当作有效条目。
func (s *fileStore) dropStale(name string) {
	s.mu.Lock()
	removed := s.index.Remove(name)
	s.mu.Unlock()
	if !removed {
		os.Remove(filepath.Join(s.basePath, name))
	}
}

func (s *fileStore) onEvicted(key interface{}, value interface{}) {
	entry, ok := value.(*diskEntry)
	if !ok {
		return
	}
	s.sizeBytes -= entry.size
	os.Remove(filepath.Join(s.basePath, entry.name))
}

func (s *fileStore) scan() error {
	dirEntries, err := os.ReadDir(s.basePath)
	if err != nil {
		return xerrors.Errorf("failed to read storage dir %s: %w", s.basePath, err)
	}

	type found struct {
		name    string
		size    int64
		modTime time.Time
	}
	files := make([]found, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}
		name := dirEntry.Name()
		full := filepath.Join(s.basePath, name)
		if strings.HasPrefix(name, tempPrefix) {
			os.Remove(full)
			continue
		}
		info, err := dirEntry.Info()
		if err != nil {
			continue
		}
		if info.Size() == 0 {
			os.Remove(full)
			continue
		}
		files = append(files, found{name: name, size: info.Size(), modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range files {
		s.trackLocked(f.name, f.size, f.modTime)
	}
	s.evictLocked()
	return nil
}

func (s *fileStore) lockEntry(name string) func() {
	s.locksMu.Lock()
	lock := s.locks[name]
	if lock == nil {
		lock = &entryLock{}
		s.locks[name] = lock
	}
	lock.refs++
	s.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, name)
		}
		s.locksMu.Unlock()
	}
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
