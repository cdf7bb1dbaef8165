// ============================================================================
// docpipe Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露管線執行指標，支持 Prometheus 監控
//
// 指標分類（全部帶 module 標籤）:
//
//   1. 計數器 (Counter):
//      - docpipe_documents_processed_total: 已寫出的文件數
//      - docpipe_documents_invalid_total: 標記為 invalid 的文件數
//      - docpipe_checkpoints_total: 寫入的 checkpoint 次數
//      - docpipe_module_runs_total{result}: 模組執行次數（completed / failed / interrupted）
//
//   2. 分佈 (Histogram):
//      - docpipe_document_latency_seconds: 單一文件轉換耗時
//
//   3. 瞬時值 (Gauge):
//      - docpipe_documents_in_flight: 已派發未寫出的文件數（上限 2×P）
//      - docpipe_reorder_buffer_size: 已完成但等待前序文件的結果數
//      - docpipe_recovery_duration_seconds: 最近一次 recover 耗時
//
// Prometheus 查詢示例:
//
//   # 每秒處理文件數
//   rate(docpipe_documents_processed_total[1m])
//
//   # invalid 比例
//   rate(docpipe_documents_invalid_total[5m]) / rate(docpipe_documents_processed_total[5m])
//
//   # 重排緩衝持續偏高 → 某些文件特別慢，拖住了輸出
//   docpipe_reorder_buffer_size
//
// 所有 Record* 方法在 nil Collector 上是 no-op，測試與未啟用監控時可直接傳 nil。
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Run results for RecordModuleRun.
const (
	ResultCompleted   = "completed"
	ResultFailed      = "failed"
	ResultInterrupted = "interrupted"
)

// Collector Prometheus 指標收集器
type Collector struct {
	docsProcessed *prometheus.CounterVec
	docsInvalid   *prometheus.CounterVec
	checkpoints   *prometheus.CounterVec
	moduleRuns    *prometheus.CounterVec

	docLatency *prometheus.HistogramVec

	inFlight     *prometheus.GaugeVec
	buffered     *prometheus.GaugeVec
	recoveryTime *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewCollector 創建新的指標收集器並註冊到 reg。reg 為 nil 時使用預設 registry。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		docsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_documents_processed_total",
			Help: "Total number of documents written by document-map modules",
		}, []string{"module"}),
		docsInvalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_documents_invalid_total",
			Help: "Total number of documents written as invalid",
		}, []string{"module"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_checkpoints_total",
			Help: "Total number of checkpoints persisted",
		}, []string{"module"}),
		moduleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docpipe_module_runs_total",
			Help: "Module executions by result",
		}, []string{"module", "result"}),
		docLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docpipe_document_latency_seconds",
			Help:    "Per-document transform latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"module"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docpipe_documents_in_flight",
			Help: "Documents dispatched to workers and not yet written",
		}, []string{"module"}),
		buffered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docpipe_reorder_buffer_size",
			Help: "Finished documents waiting for an earlier document",
		}, []string{"module"}),
		recoveryTime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docpipe_recovery_duration_seconds",
			Help: "Time taken by the last recovery of a module in seconds",
		}, []string{"module"}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.docsProcessed,
		c.docsInvalid,
		c.checkpoints,
		c.moduleRuns,
		c.docLatency,
		c.inFlight,
		c.buffered,
		c.recoveryTime,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordDocument 記錄一份文件寫出
func (c *Collector) RecordDocument(module string, latency time.Duration, invalid bool) {
	if c == nil {
		return
	}
	c.docsProcessed.WithLabelValues(module).Inc()
	c.docLatency.WithLabelValues(module).Observe(latency.Seconds())
	if invalid {
		c.docsInvalid.WithLabelValues(module).Inc()
	}
}

// RecordCheckpoint 記錄 checkpoint 寫入
func (c *Collector) RecordCheckpoint(module string) {
	if c == nil {
		return
	}
	c.checkpoints.WithLabelValues(module).Inc()
}

// RecordModuleRun 記錄模組執行結果
func (c *Collector) RecordModuleRun(module, result string) {
	if c == nil {
		return
	}
	c.moduleRuns.WithLabelValues(module, result).Inc()
}

// UpdateQueueStats 更新派發中與重排緩衝中的文件數
func (c *Collector) UpdateQueueStats(module string, inFlight, buffered int) {
	if c == nil {
		return
	}
	c.inFlight.WithLabelValues(module).Set(float64(inFlight))
	c.buffered.WithLabelValues(module).Set(float64(buffered))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(module string, d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.WithLabelValues(module).Set(d.Seconds())
}

// Handler 返回 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉。
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
