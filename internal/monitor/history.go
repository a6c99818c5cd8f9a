// Package monitor samples system and component health on a fixed
// interval, maintains the alert table, and rebroadcasts both through
// the connection registry.
package monitor

import (
	"context"
	"sync"
	"time"
)

// DataPoint is one time-series sample.
type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// MetricHistory keeps a bounded ring of bucketed samples for one
// metric. Samples within a bucket are averaged; full buckets rotate
// out once the retention window is exceeded.
type MetricHistory struct {
	mu          sync.Mutex
	buckets     []DataPoint
	bucketSize  time.Duration
	maxBuckets  int
	accumulator float64
	count       int64
	lastBucket  time.Time
	storage     *RedisStorage
	metricName  string
}

// NewMetricHistory creates a history ring. bucketSize is the duration
// each data point covers; maxBuckets bounds retention.
func NewMetricHistory(bucketSize time.Duration, maxBuckets int) *MetricHistory {
	return &MetricHistory{
		buckets:    make([]DataPoint, 0, maxBuckets),
		bucketSize: bucketSize,
		maxBuckets: maxBuckets,
		lastBucket: time.Now().Truncate(bucketSize),
	}
}

// NewMetricHistoryWithRedis creates a history ring that persists
// finalized buckets to Redis and reloads them on startup, so history
// survives a restart.
func NewMetricHistoryWithRedis(bucketSize time.Duration, maxBuckets int, storage *RedisStorage, metricName string) *MetricHistory {
	h := &MetricHistory{
		buckets:    make([]DataPoint, 0, maxBuckets),
		bucketSize: bucketSize,
		maxBuckets: maxBuckets,
		lastBucket: time.Now().Truncate(bucketSize),
		storage:    storage,
		metricName: metricName,
	}

	if storage != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		since := time.Now().Add(-time.Duration(maxBuckets) * bucketSize)
		if points, err := storage.LoadHistory(ctx, metricName, since); err == nil && len(points) > 0 {
			h.buckets = points
		}
	}

	return h
}

// Record adds a sample to the current bucket.
func (h *MetricHistory) Record(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	currentBucket := time.Now().Truncate(h.bucketSize)
	if currentBucket.After(h.lastBucket) {
		h.finalizeBucket()
		h.lastBucket = currentBucket
	}

	h.accumulator += value
	h.count++
}

// finalizeBucket averages and stores the current bucket. Must be
// called with the lock held.
func (h *MetricHistory) finalizeBucket() {
	if h.count == 0 {
		return
	}

	dp := DataPoint{
		Timestamp: h.lastBucket,
		Value:     h.accumulator / float64(h.count),
	}
	h.buckets = append(h.buckets, dp)

	if h.storage != nil && h.metricName != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = h.storage.SaveDataPoint(ctx, h.metricName, dp)
		}()
	}

	if len(h.buckets) > h.maxBuckets {
		h.buckets = h.buckets[len(h.buckets)-h.maxBuckets:]
	}

	h.accumulator = 0
	h.count = 0
}

// Since returns data points at or after the given time, including the
// unflushed current bucket.
func (h *MetricHistory) Since(since time.Time) []DataPoint {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]DataPoint, 0, len(h.buckets)+1)
	for _, dp := range h.buckets {
		if !dp.Timestamp.Before(since) {
			out = append(out, dp)
		}
	}
	if h.count > 0 && !h.lastBucket.Before(since) {
		out = append(out, DataPoint{
			Timestamp: h.lastBucket,
			Value:     h.accumulator / float64(h.count),
		})
	}
	return out
}

// Latest returns the most recent sample, flushed or not.
func (h *MetricHistory) Latest() (DataPoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count > 0 {
		return DataPoint{
			Timestamp: h.lastBucket,
			Value:     h.accumulator / float64(h.count),
		}, true
	}
	if len(h.buckets) > 0 {
		return h.buckets[len(h.buckets)-1], true
	}
	return DataPoint{}, false
}

// HistorySet groups the monitor's time series.
type HistorySet struct {
	CPU         *MetricHistory
	Memory      *MetricHistory
	Connections *MetricHistory
	PoolUsage   *MetricHistory
	Latency     *MetricHistory
}

// historyBucket is the bucket width for monitor series. With the
// default 24h retention that is 288 buckets.
const historyBucket = 5 * time.Minute

// NewHistorySet creates the monitor's series with the given retention,
// optionally persisted to Redis.
func NewHistorySet(retention time.Duration, storage *RedisStorage) *HistorySet {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	maxBuckets := int(retention / historyBucket)
	if maxBuckets < 1 {
		maxBuckets = 1
	}

	build := func(name string) *MetricHistory {
		if storage != nil {
			return NewMetricHistoryWithRedis(historyBucket, maxBuckets, storage, name)
		}
		return NewMetricHistory(historyBucket, maxBuckets)
	}

	return &HistorySet{
		CPU:         build("cpu_percent"),
		Memory:      build("memory_percent"),
		Connections: build("connections"),
		PoolUsage:   build("pool_occupancy"),
		Latency:     build("store_latency_ms"),
	}
}

// Series returns the history for a named metric.
func (s *HistorySet) Series(name string) (*MetricHistory, bool) {
	switch name {
	case "cpu_percent":
		return s.CPU, true
	case "memory_percent":
		return s.Memory, true
	case "connections":
		return s.Connections, true
	case "pool_occupancy":
		return s.PoolUsage, true
	case "store_latency_ms":
		return s.Latency, true
	default:
		return nil, false
	}
}

// Names lists the available series.
func (s *HistorySet) Names() []string {
	return []string{"cpu_percent", "memory_percent", "connections", "pool_occupancy", "store_latency_ms"}
}
