// ============================================================================
// Scene-Forge Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集生成任務與模型快取的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 生成任務計數器 (Counter)：
//      - scene_generations_started_total: 實際提交的生成次數
//      - scene_generations_deduplicated_total: 掛到既有任務上的請求數
//      - scene_generations_succeeded_total: 成功次數
//      - scene_generations_failed_total{reason}: 失敗次數
//        * reason: submission / generation / timeout / other
//      - scene_generations_cancelled_total: 本地取消次數
//      - scene_generations_rejoined_total: 重啟後重新接上的任務數
//      - scene_status_polls_total: 狀態輪詢次數
//
//   2. 性能指標 (Histogram)：
//      - scene_generation_duration_seconds: 從提交到終止的時間
//        * 桶分佈: 1, 2.5, 5, 10, 15, 30, 60, 120, 180
//
//   3. 狀態指標 (Gauge)：
//      - scene_generations_in_flight: 進行中任務數
//      - scene_cache_entries: 快取筆數
//      - scene_cache_memory_bytes: 快取估計記憶體
//      - scene_recovery_time_seconds: 最近一次恢復時間
//
//   4. 快取計數器：
//      - scene_cache_hits_total / scene_cache_misses_total
//      - scene_cache_evictions_total{reason}
//        * reason: capacity / memory / clear
//
// Prometheus 查詢示例:
//
//   # 快取命中率
//   rate(scene_cache_hits_total[5m]) /
//     (rate(scene_cache_hits_total[5m]) + rate(scene_cache_misses_total[5m]))
//
//   # 95 分位生成時間
//   histogram_quantile(0.95, scene_generation_duration_seconds_bucket)
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//
// nil *Collector 的所有方法皆為 no-op，方便測試與未啟用監控的執行環境。
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 失敗原因標籤
const (
	ReasonSubmission = "submission"
	ReasonGeneration = "generation"
	ReasonTimeout    = "timeout"
	ReasonOther      = "other"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 生成任務指標
	started      prometheus.Counter
	deduplicated prometheus.Counter
	succeeded    prometheus.Counter
	failed       *prometheus.CounterVec
	cancelled    prometheus.Counter
	rejoined     prometheus.Counter
	polls        prometheus.Counter

	// 效能指標
	duration     prometheus.Histogram
	recoveryTime prometheus.Gauge

	// 狀態指標
	inFlight     prometheus.Gauge
	cacheEntries prometheus.Gauge
	cacheMemory  prometheus.Gauge

	// 快取指標
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions *prometheus.CounterVec
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// reg 為 nil 時使用 prometheus.DefaultRegisterer。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scene_generations_started_total",
			Help: "Total number of generation jobs submitted",
		}),
		deduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scene_generations_deduplicated_total",
			Help: "Total number of generate requests attached to an in-flight task",
		}),
		succeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scene_generations_succeeded_total",
			Help: "Total number of generations that succeeded",
		}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scene_generations_failed_total",
			Help: "Total number of generations that failed, by reason",
		}, []string{"reason"}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scene_generations_cancelled_total",
			Help: "Total number of generations cancelled locally",
		}),
		rejoined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scene_generations_rejoined_total",
			Help: "Total number of remote tasks rejoined after restart",
		}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scene_status_polls_total",
			Help: "Total number of status reads from the generation service",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scene_generation_duration_seconds",
			Help:    "Time from submission to terminal status in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 15, 30, 60, 120, 180},
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scene_recovery_time_seconds",
			Help: "Time taken to recover in-flight tasks on startup in seconds",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scene_generations_in_flight",
			Help: "Current number of in-flight generation tasks",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scene_cache_entries",
			Help: "Current number of cached models",
		}),
		cacheMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scene_cache_memory_bytes",
			Help: "Estimated memory held by cached models",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scene_cache_hits_total",
			Help: "Total number of cache lookups that found a model",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scene_cache_misses_total",
			Help: "Total number of cache lookups that missed",
		}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scene_cache_evictions_total",
			Help: "Total number of cache evictions, by reason",
		}, []string{"reason"}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.started,
		c.deduplicated,
		c.succeeded,
		c.failed,
		c.cancelled,
		c.rejoined,
		c.polls,
		c.duration,
		c.recoveryTime,
		c.inFlight,
		c.cacheEntries,
		c.cacheMemory,
		c.cacheHits,
		c.cacheMisses,
		c.cacheEvictions,
	)

	return c
}

// RecordStarted 記錄一次實際提交
func (c *Collector) RecordStarted() {
	if c == nil {
		return
	}
	c.started.Inc()
}

// RecordDeduplicated 記錄一次去重命中
func (c *Collector) RecordDeduplicated() {
	if c == nil {
		return
	}
	c.deduplicated.Inc()
}

// RecordSucceeded 記錄生成成功
func (c *Collector) RecordSucceeded(durationSeconds float64) {
	if c == nil {
		return
	}
	c.succeeded.Inc()
	c.duration.Observe(durationSeconds)
}

// RecordFailed 記錄生成失敗
func (c *Collector) RecordFailed(reason string, durationSeconds float64) {
	if c == nil {
		return
	}
	c.failed.WithLabelValues(reason).Inc()
	c.duration.Observe(durationSeconds)
}

// RecordCancelled 記錄本地取消
func (c *Collector) RecordCancelled() {
	if c == nil {
		return
	}
	c.cancelled.Inc()
}

// RecordRejoined 記錄重新接上的任務
func (c *Collector) RecordRejoined() {
	if c == nil {
		return
	}
	c.rejoined.Inc()
}

// RecordPoll 記錄一次狀態讀取
func (c *Collector) RecordPoll() {
	if c == nil {
		return
	}
	c.polls.Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// SetInFlight 更新進行中任務數
func (c *Collector) SetInFlight(n int) {
	if c == nil {
		return
	}
	c.inFlight.Set(float64(n))
}

// RecordCacheLookup 記錄一次快取查詢
func (c *Collector) RecordCacheLookup(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.cacheHits.Inc()
	} else {
		c.cacheMisses.Inc()
	}
}

// RecordEviction 記錄一次快取淘汰
func (c *Collector) RecordEviction(reason string) {
	if c == nil {
		return
	}
	c.cacheEvictions.WithLabelValues(reason).Inc()
}

// UpdateCacheStats 更新快取狀態統計
func (c *Collector) UpdateCacheStats(entries int, memoryBytes int64) {
	if c == nil {
		return
	}
	c.cacheEntries.Set(float64(entries))
	c.cacheMemory.Set(float64(memoryBytes))
}

// Handler 回傳 /metrics 的 HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
