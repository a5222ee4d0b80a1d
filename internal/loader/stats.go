package loader

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pixhub/pixhub/internal/cache"
)

const maxRecordedFailures = 256

// Failure 记录某个 key 最近一次失败。失败不会作为负缓存命中，下一次请求仍会重新加载，
// 成功后记录被清除。
type Failure struct {
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	Kind        string    `json:"kind"`
	Error       string    `json:"error"`
	At          time.Time `json:"at"`
	Consecutive int       `json:"consecutive"`
}

// Stats 汇总协调器计数与两级缓存占用。
type Stats struct {
	MemoryHits        int64       `json:"memory_hits"`
	DiskHits          int64       `json:"disk_hits"`
	NetworkFetches    int64       `json:"network_fetches"`
	Joins             int64       `json:"joins"`
	NotFound          int64       `json:"not_found"`
	DecodeFailures    int64       `json:"decode_failures"`
	TransientFailures int64       `json:"transient_failures"`
	IOFailures        int64       `json:"io_failures"`
	InFlight          int         `json:"in_flight"`
	Memory            cache.Usage `json:"memory"`
	Disk              cache.Usage `json:"disk"`
}

type counters struct {
	memoryHits        atomic.Int64
	diskHits          atomic.Int64
	networkFetches    atomic.Int64
	joins             atomic.Int64
	notFound          atomic.Int64
	decodeFailures    atomic.Int64
	transientFailures atomic.Int64
	ioFailures        atomic.Int64
}

// recordOutcomeLocked 需持有 c.mu。调用方取消不算作失败。
func (c *Coordinator) recordOutcomeLocked(key cache.Key, err error) {
	if err == nil {
		delete(c.failures, key)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	kind := ErrorKind(err)
	switch kind {
	case "not_found":
		c.stats.notFound.Add(1)
	case "decode_failed":
		c.stats.decodeFailures.Add(1)
	case "transient_failure":
		c.stats.transientFailures.Add(1)
	case "io_failure":
		c.stats.ioFailures.Add(1)
	}

	record, ok := c.failures[key]
	if !ok {
		if len(c.failures) >= maxRecordedFailures {
			c.dropOldestFailureLocked()
		}
		record = &Failure{Key: key.String(), URL: key.URL}
		c.failures[key] = record
	}
	record.Kind = kind
	record.Error = err.Error()
	record.At = time.Now().UTC()
	record.Consecutive++
}

func (c *Coordinator) dropOldestFailureLocked() {
	var (
		oldestKey cache.Key
		oldestAt  time.Time
		found     bool
	)
	for key, record := range c.failures {
		if !found || record.At.Before(oldestAt) {
			oldestKey, oldestAt, found = key, record.At, true
		}
	}
	if found {
		delete(c.failures, oldestKey)
	}
}

// Failures 返回当前记录的失败，最近的在前。
func (c *Coordinator) Failures() []Failure {
	c.mu.Lock()
	result := make([]Failure, 0, len(c.failures))
	for _, record := range c.failures {
		result = append(result, *record)
	}
	c.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].At.After(result[j].At)
	})
	return result
}

// Stats returns a snapshot of the coordinator counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	inFlight := len(c.flights)
	c.mu.Unlock()

	return Stats{
		MemoryHits:        c.stats.memoryHits.Load(),
		DiskHits:          c.stats.diskHits.Load(),
		NetworkFetches:    c.stats.networkFetches.Load(),
		Joins:             c.stats.joins.Load(),
		NotFound:          c.stats.notFound.Load(),
		DecodeFailures:    c.stats.decodeFailures.Load(),
		TransientFailures: c.stats.transientFailures.Load(),
		IOFailures:        c.stats.ioFailures.Load(),
		InFlight:          inFlight,
		Memory:            c.memory.Usage(),
		Disk:              c.disk.Usage(),
	}
}
