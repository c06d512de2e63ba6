// ============================================================================
// update-daemon Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 daemon 運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - update_daemon_ticks_total: 完成的 tick 總數
//      - update_daemon_action_runs_total{action}: 每個動作成功執行次數
//      - update_daemon_action_failures_total{action,class}: 動作失敗次數
//      - update_daemon_outages_total: 外部資源中斷次數
//      - update_daemon_recoveries_total: 外部資源恢復次數
//      - update_daemon_db_resets_total: 資料庫連線重設次數
//      - update_daemon_heartbeats_total: 心跳寫入次數
//
//   2. 分佈統計 (Histogram):
//      - update_daemon_tick_duration_seconds: 每個 tick 的執行時間
//
//   3. 狀態指標 (Gauge):
//      - update_daemon_external_up: 外部資源狀態 (0/1)
//      - update_daemon_phase{phase}: 目前階段為 1，其餘為 0
//      - update_daemon_last_active_timestamp_seconds: 最近心跳時間
//
// 使用場景:
//   - update_daemon_external_up == 0 持續 → 外部資源中斷告警
//   - rate(update_daemon_action_failures_total[10m]) > 0 → 動作錯誤告警
//   - time() - update_daemon_last_active_timestamp_seconds > 600 → daemon 停擺
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ChuLiYu/update-daemon/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var phases = []types.Phase{types.PhaseStarting, types.PhaseRunning, types.PhaseDegraded, types.PhaseFailed}

// Collector Prometheus 指標收集器
type Collector struct {
	ticks          prometheus.Counter
	actionRuns     *prometheus.CounterVec
	actionFailures *prometheus.CounterVec
	outages        prometheus.Counter
	recoveries     prometheus.Counter
	dbResets       prometheus.Counter
	heartbeats     prometheus.Counter

	tickDuration prometheus.Histogram

	externalUp prometheus.Gauge
	phase      *prometheus.GaugeVec
	lastActive prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg；reg 為 nil 時不註冊
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "update_daemon_ticks_total",
			Help: "Total number of completed pipeline ticks",
		}),
		actionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "update_daemon_action_runs_total",
			Help: "Total number of successful action runs",
		}, []string{"action"}),
		actionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "update_daemon_action_failures_total",
			Help: "Total number of failed action runs by classification",
		}, []string{"action", "class"}),
		outages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "update_daemon_outages_total",
			Help: "Total number of transitions to external resource down",
		}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "update_daemon_recoveries_total",
			Help: "Total number of transitions back to external resource up",
		}),
		dbResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "update_daemon_db_resets_total",
			Help: "Total number of database handle resets",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "update_daemon_heartbeats_total",
			Help: "Total number of heartbeat writes",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "update_daemon_tick_duration_seconds",
			Help:    "Pipeline tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		externalUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "update_daemon_external_up",
			Help: "Whether the external resource is believed reachable (1) or not (0)",
		}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "update_daemon_phase",
			Help: "Current daemon phase (1 for the active phase)",
		}, []string{"phase"}),
		lastActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "update_daemon_last_active_timestamp_seconds",
			Help: "Unix time of the last heartbeat write",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.ticks, c.actionRuns, c.actionFailures, c.outages, c.recoveries,
			c.dbResets, c.heartbeats, c.tickDuration, c.externalUp, c.phase, c.lastActive,
		)
	}
	return c
}

// RecordTick 記錄一次 tick 完成
func (c *Collector) RecordTick(d time.Duration) {
	c.ticks.Inc()
	c.tickDuration.Observe(d.Seconds())
}

// ActionSucceeded 記錄動作成功
func (c *Collector) ActionSucceeded(action string) {
	c.actionRuns.WithLabelValues(action).Inc()
}

// ActionFailed 記錄動作失敗
func (c *Collector) ActionFailed(action string, class types.Classification) {
	c.actionFailures.WithLabelValues(action, string(class)).Inc()
}

// DBReset 記錄資料庫重設
func (c *Collector) DBReset() {
	c.dbResets.Inc()
}

// ExternalDown 記錄外部資源中斷
func (c *Collector) ExternalDown() {
	c.outages.Inc()
	c.externalUp.Set(0)
}

// ExternalUp 記錄外部資源恢復
func (c *Collector) ExternalUp() {
	c.recoveries.Inc()
	c.externalUp.Set(1)
}

// SetExternalUp 設定外部資源狀態（不計入中斷/恢復次數）
func (c *Collector) SetExternalUp(up bool) {
	if up {
		c.externalUp.Set(1)
	} else {
		c.externalUp.Set(0)
	}
}

// Heartbeat 記錄心跳寫入
func (c *Collector) Heartbeat(at time.Time) {
	c.heartbeats.Inc()
	c.lastActive.Set(float64(at.Unix()))
}

// ObservePhase 更新階段指標
func (c *Collector) ObservePhase(_ string, p types.Phase) {
	for _, ph := range phases {
		v := 0.0
		if ph == p {
			v = 1
		}
		c.phase.WithLabelValues(string(ph)).Set(v)
	}
}

// Server 提供 /metrics 端點
type Server struct {
	srv *http.Server
}

// NewServer 建立 metrics HTTP 伺服器
//
// 參數：
//   - addr: 監聽位址（例如 ":9090"）
//   - g: 指標來源
func NewServer(addr string, g prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &Server{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
}

// Start 在背景啟動伺服器；回傳的 channel 會收到 ListenAndServe 的錯誤
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Handler 回傳底層 handler（測試用）
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Shutdown 優雅關閉
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
