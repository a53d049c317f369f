// Package syncer runs the copy-trading pipeline: ingestion, aggregation,
// order execution and the loops that drive them.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const metricsKey = "copytrader:metrics"

// ExecutorMetrics counts what the order executor did since start.
type ExecutorMetrics struct {
	TradesExecuted          int64         `json:"trades_executed"`
	Done                    int64         `json:"done"`
	Skipped                 int64         `json:"skipped"`
	FailedInsufficientFunds int64         `json:"failed_insufficient_funds"`
	OrdersPlaced            int64         `json:"orders_placed"`
	OrdersFilled            int64         `json:"orders_filled"`
	TokensBought            float64       `json:"tokens_bought"`
	TokensSold              float64       `json:"tokens_sold"`
	USDSpent                float64       `json:"usd_spent"`
	USDReceived             float64       `json:"usd_received"`
	AvgCopyLatency          time.Duration `json:"avg_copy_latency_ms"`
	FastestCopy             time.Duration `json:"fastest_copy_ms"`
	SlowestCopy             time.Duration `json:"slowest_copy_ms"`
	LastExecutionAt         time.Time     `json:"last_execution_at"`
}

func (m *ExecutorMetrics) observeLatency(d time.Duration) {
	n := m.TradesExecuted
	if n <= 1 {
		m.AvgCopyLatency = d
	} else {
		m.AvgCopyLatency = (m.AvgCopyLatency*time.Duration(n-1) + d) / time.Duration(n)
	}
	if n <= 1 || d < m.FastestCopy {
		m.FastestCopy = d
	}
	if d > m.SlowestCopy {
		m.SlowestCopy = d
	}
}

// IngestMetrics counts what the ingestor observed since start.
type IngestMetrics struct {
	Cycles              int64         `json:"cycles"`
	TradesInserted      int64         `json:"trades_inserted"`
	TooOld              int64         `json:"too_old"`
	Invalid             int64         `json:"invalid"`
	Errors              int64         `json:"errors"`
	AvgDetectionLatency time.Duration `json:"avg_detection_latency_ms"`
	FastestDetection    time.Duration `json:"fastest_detection_ms"`
	SlowestDetection    time.Duration `json:"slowest_detection_ms"`
	LastCycleAt         time.Time     `json:"last_cycle_at"`
	detected            int64
}

func (m *IngestMetrics) observeDetection(d time.Duration) {
	if d < 0 {
		d = 0
	}
	m.detected++
	if m.detected == 1 {
		m.AvgDetectionLatency = d
	} else {
		m.AvgDetectionLatency = (m.AvgDetectionLatency*time.Duration(m.detected-1) + d) / time.Duration(m.detected)
	}
	if m.detected == 1 || d < m.FastestDetection {
		m.FastestDetection = d
	}
	if d > m.SlowestDetection {
		m.SlowestDetection = d
	}
}

// SystemMetrics represents combined system metrics
type SystemMetrics struct {
	Executor  ExecutorMetrics `json:"executor"`
	Ingest    IngestMetrics   `json:"ingest"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MetricsStore persists metrics so the status server can read them.
type MetricsStore interface {
	SaveExecutorMetrics(ctx context.Context, metrics ExecutorMetrics) error
	SaveIngestMetrics(ctx context.Context, metrics IngestMetrics) error
	GetMetrics(ctx context.Context) (*SystemMetrics, error)
}

// RedisMetricsStore keeps the metrics document in Redis for 24h.
type RedisMetricsStore struct {
	redis *redis.Client
}

// NewRedisMetricsStore creates a new metrics store
func NewRedisMetricsStore(redisClient *redis.Client) *RedisMetricsStore {
	return &RedisMetricsStore{redis: redisClient}
}

func (m *RedisMetricsStore) update(ctx context.Context, apply func(*SystemMetrics)) error {
	var system SystemMetrics
	existing, err := m.redis.Get(ctx, metricsKey).Result()
	if err == nil {
		json.Unmarshal([]byte(existing), &system)
	}

	apply(&system)
	system.UpdatedAt = time.Now()

	data, err := json.Marshal(system)
	if err != nil {
		return err
	}

	return m.redis.Set(ctx, metricsKey, data, 24*time.Hour).Err()
}

// SaveExecutorMetrics saves executor metrics to Redis
func (m *RedisMetricsStore) SaveExecutorMetrics(ctx context.Context, metrics ExecutorMetrics) error {
	return m.update(ctx, func(s *SystemMetrics) { s.Executor = metrics })
}

// SaveIngestMetrics saves ingestion metrics to Redis
func (m *RedisMetricsStore) SaveIngestMetrics(ctx context.Context, metrics IngestMetrics) error {
	return m.update(ctx, func(s *SystemMetrics) { s.Ingest = metrics })
}

// GetMetrics retrieves all metrics from Redis
func (m *RedisMetricsStore) GetMetrics(ctx context.Context) (*SystemMetrics, error) {
	data, err := m.redis.Get(ctx, metricsKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &SystemMetrics{}, nil
		}
		return nil, err
	}

	var metrics SystemMetrics
	if err := json.Unmarshal([]byte(data), &metrics); err != nil {
		return nil, err
	}

	return &metrics, nil
}

// MemoryMetricsStore is used when Redis is not configured.
type MemoryMetricsStore struct {
	mu      sync.RWMutex
	metrics SystemMetrics
}

func NewMemoryMetricsStore() *MemoryMetricsStore {
	return &MemoryMetricsStore{}
}

func (m *MemoryMetricsStore) SaveExecutorMetrics(ctx context.Context, metrics ExecutorMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.Executor = metrics
	m.metrics.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryMetricsStore) SaveIngestMetrics(ctx context.Context, metrics IngestMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.Ingest = metrics
	m.metrics.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryMetricsStore) GetMetrics(ctx context.Context) (*SystemMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := m.metrics
	return &cp, nil
}

// LatencyStats provides detailed latency statistics
type LatencyStats struct {
	DetectionAvg  time.Duration `json:"detection_avg_ms"`
	DetectionFast time.Duration `json:"detection_fastest_ms"`
	DetectionSlow time.Duration `json:"detection_slowest_ms"`
	CopyAvg       time.Duration `json:"copy_avg_ms"`
	CopyFast      time.Duration `json:"copy_fastest_ms"`
	CopySlow      time.Duration `json:"copy_slowest_ms"`
	TotalAvg      time.Duration `json:"total_avg_ms"`
	TotalFast     time.Duration `json:"total_fastest_ms"`
	TotalSlow     time.Duration `json:"total_slowest_ms"`
}

// GetLatencyStats computes latency statistics from metrics
func GetLatencyStats(ctx context.Context, store MetricsStore) (*LatencyStats, error) {
	metrics, err := store.GetMetrics(ctx)
	if err != nil {
		return nil, err
	}

	return &LatencyStats{
		DetectionAvg:  metrics.Ingest.AvgDetectionLatency,
		DetectionFast: metrics.Ingest.FastestDetection,
		DetectionSlow: metrics.Ingest.SlowestDetection,
		CopyAvg:       metrics.Executor.AvgCopyLatency,
		CopyFast:      metrics.Executor.FastestCopy,
		CopySlow:      metrics.Executor.SlowestCopy,
		TotalAvg:      metrics.Ingest.AvgDetectionLatency + metrics.Executor.AvgCopyLatency,
		TotalFast:     metrics.Ingest.FastestDetection + metrics.Executor.FastestCopy,
		TotalSlow:     metrics.Ingest.SlowestDetection + metrics.Executor.SlowestCopy,
	}, nil
}

var (
	_ MetricsStore = (*RedisMetricsStore)(nil)
	_ MetricsStore = (*MemoryMetricsStore)(nil)
)
