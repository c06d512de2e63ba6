// ============================================================================
// update-daemon 主迴圈 - 守護程序狀態機
// ============================================================================
//
// Package: internal/daemon
// 文件: daemon.go
// 功能: 驅動模組更新管線，處理外部資源中斷、恢復、設定重新載入與致命錯誤
//
// 階段轉換:
//
//   STARTING ──preload──▶ RUNNING ◀──────────┐
//      │                    │  outage        │ probe up
//      │                    ▼                │ (寫入 eti_up=1)
//      │                 DEGRADED ───────────┘
//      │                    │
//      └────────────────────┴──LoopFailure + OnFail=false──▶ FAILED
//
// 每個 tick:
//   1. BeforeUpdate hook
//   2. Pipeline.Update（動作失敗由管線吸收）
//   3. AfterUpdate hook
//   4. 階段同步：ExternalUp=false → DEGRADED（只記錄一次）
//   5. 恢復探測：DEGRADED 且外部資源可用 → 先寫 eti_up=1，再切換 RUNNING
//   6. 睡眠 PollInterval（期間處理設定重新載入與關閉訊號）
//
// 迴圈失敗 (LoopFailure):
//   任何從 tick 中逃出的錯誤或 panic。由 OnFail hook 決定：
//   - false（預設）：CRITICAL 日誌、unrecoverable 通知、CleanUp、FAILED，Run 回傳錯誤
//   - true：recoverable 通知、重設連線、睡眠後重新 Preload
//
// 並發:
//   迴圈本身是單一 goroutine；tick 不會重疊。RequestReload 與 Phase 可從其他
//   goroutine 呼叫。
//
// ============================================================================

package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ChuLiYu/update-daemon/internal/config"
	"github.com/ChuLiYu/update-daemon/internal/db"
	"github.com/ChuLiYu/update-daemon/internal/logging"
	"github.com/ChuLiYu/update-daemon/internal/notify"
	"github.com/ChuLiYu/update-daemon/internal/pipeline"
	"github.com/ChuLiYu/update-daemon/internal/session"
	"github.com/ChuLiYu/update-daemon/pkg/types"
	"github.com/google/uuid"
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Options 建立 Daemon 所需的參數；除 Name/ConfigPath 外皆可省略
type Options struct {
	Name       string // 空字串時使用設定檔中的 name
	ConfigPath string

	// Interval overrides loop_interval when positive.
	Interval time.Duration

	Actions   []pipeline.Action // nil 時使用 pipeline.DefaultActions()
	Hooks     Hooks
	Metrics   Metrics
	Observers []PhaseObserver

	// 以下用於替換預設實作（測試或嵌入）
	Load        func() (*config.Config, error)
	NewLogger   func(name string, cfg config.LogConfig) (*slog.Logger, io.Closer, error)
	OpenDB      db.Opener
	NewDialer   func(cfg config.ETIConfig) session.Dialer
	NewNotifier func(cfg *config.Config, logger *slog.Logger) notify.Notifier
	Now         func() time.Time
}

// Daemon 守護程序主體
type Daemon struct {
	opts     Options
	hooks    Hooks
	metrics  Metrics
	pipeline *pipeline.Pipeline
	state    *types.DaemonState

	// 由 LoadConfig 設定，除 cfg 外只在迴圈 goroutine 中存取
	cfg       *config.Config
	log       *slog.Logger
	logCloser io.Closer
	dbs       *db.Set
	rt        *pipeline.Runtime

	mu     sync.RWMutex // 保護 phase 與 cfg
	phase  types.Phase
	reload chan struct{}
}

// ============================================================================
// 建立與設定載入
// ============================================================================

// New loads the configuration and establishes logging, notification,
// database handles and the external session. The daemon is left in STARTING.
func New(ctx context.Context, opts Options) (*Daemon, error) {
	if opts.Hooks == nil {
		opts.Hooks = BaseHooks{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Actions == nil {
		opts.Actions = pipeline.DefaultActions()
	}
	if opts.Load == nil {
		path := opts.ConfigPath
		opts.Load = func() (*config.Config, error) { return config.Load(path) }
	}
	if opts.NewLogger == nil {
		opts.NewLogger = logging.New
	}
	if opts.NewDialer == nil {
		opts.NewDialer = func(cfg config.ETIConfig) session.Dialer {
			return session.NewHTTPDialer(cfg.Site, cfg.LoginPath, cfg.CheckPath)
		}
	}
	if opts.NewNotifier == nil {
		opts.NewNotifier = defaultNotifier
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	d := &Daemon{
		opts:     opts,
		hooks:    opts.Hooks,
		metrics:  opts.Metrics,
		pipeline: pipeline.New(opts.Actions...),
		reload:   make(chan struct{}, 1),
	}

	cfg, err := d.loadFile()
	if err != nil {
		return nil, err
	}
	name := opts.Name
	if name == "" {
		name = cfg.Name
	}
	if name == "" {
		return nil, errors.New("daemon name is required (set name in config or pass one)")
	}
	d.state = types.NewDaemonState(name, 0)

	if err := d.apply(ctx, cfg); err != nil {
		return nil, err
	}
	d.metrics.SetExternalUp(d.state.ExternalUp)
	d.setPhase(types.PhaseStarting)
	return d, nil
}

func defaultNotifier(cfg *config.Config, logger *slog.Logger) notify.Notifier {
	if cfg.Mail == nil {
		return notify.LogNotifier{Log: logger}
	}
	return notify.NewMailer(*cfg.Mail)
}

func (d *Daemon) loadFile() (*config.Config, error) {
	cfg, err := d.opts.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfig re-reads the configuration and re-establishes logging sinks,
// the notifier, database handles and session authentication. On error the
// previous configuration stays in effect.
func (d *Daemon) LoadConfig(ctx context.Context) error {
	cfg, err := d.loadFile()
	if err != nil {
		return err
	}
	return d.apply(ctx, cfg)
}

// apply 先建立所有新元件，全部成功後才替換舊元件
func (d *Daemon) apply(ctx context.Context, cfg *config.Config) error {
	logger, closer, err := d.opts.NewLogger(d.state.Name, cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	dbs, err := db.NewSet(cfg.DB, d.opts.OpenDB, logger)
	if err != nil {
		closer.Close()
		return fmt.Errorf("failed to open databases: %w", err)
	}

	status := db.IndexRef{Connection: cfg.Status.Connection, Table: cfg.Status.Table}
	if status.Connection != "" {
		if err := dbs.EnsureIndexTable(ctx, status); err != nil {
			dbs.Close()
			closer.Close()
			return fmt.Errorf("failed to prepare status table: %w", err)
		}
	}

	var sess session.Session
	if cfg.ETI != nil {
		auth := &session.Authenticator{
			CookieFile: cfg.ETI.CookieFile,
			Username:   cfg.ETI.Username,
			Password:   cfg.ETI.Password,
			Dialer:     d.opts.NewDialer(*cfg.ETI),
			Log:        logger,
		}
		sess, err = auth.Connect(ctx)
		if err != nil {
			dbs.Close()
			closer.Close()
			return fmt.Errorf("failed to connect to %s: %w", cfg.ETI.Site, err)
		}
	}

	notifier := d.opts.NewNotifier(cfg, logger)

	// 替換
	if d.dbs != nil {
		d.dbs.Close()
	}
	if d.logCloser != nil {
		if err := d.logCloser.Close(); err != nil {
			logger.Warn("failed to close previous log sink", "error", err)
		}
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	d.log = logger
	d.logCloser = closer
	d.dbs = dbs
	d.state.PollInterval = cfg.Interval()
	if d.opts.Interval > 0 {
		d.state.PollInterval = d.opts.Interval
	}
	d.rt = &pipeline.Runtime{
		State:    d.state,
		DBs:      dbs,
		Session:  sess,
		Notifier: notifier,
		Log:      logger,
		Metrics:  d.metrics,
		Status:   status,
		Now:      d.opts.Now,
	}

	logger.Info("configuration loaded",
		"interval", d.state.PollInterval,
		"connections", dbs.Names(),
		"external_session", sess != nil,
		"actions", d.pipeline.Names(),
	)
	return nil
}

// RequestReload asks the loop to reload its configuration during the next
// sleep. Safe to call from any goroutine; repeated requests coalesce.
func (d *Daemon) RequestReload() {
	select {
	case d.reload <- struct{}{}:
	default:
	}
}

// ============================================================================
// 存取器（供 hooks 使用）
// ============================================================================

func (d *Daemon) Name() string { return d.state.Name }
func (d *Daemon) State() *types.DaemonState { return d.state }
func (d *Daemon) Logger() *slog.Logger { return d.log }
func (d *Daemon) DB() *db.Set { return d.dbs }
func (d *Daemon) Runtime() *pipeline.Runtime { return d.rt }

// Config 目前生效的設定；可從其他 goroutine 呼叫
func (d *Daemon) Config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Phase 目前階段；可從其他 goroutine 呼叫
func (d *Daemon) Phase() types.Phase {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.phase
}

func (d *Daemon) setPhase(p types.Phase) {
	d.mu.Lock()
	prev := d.phase
	d.phase = p
	d.mu.Unlock()

	if prev == p {
		return
	}
	if prev != "" {
		d.log.Info("phase changed", "from", prev, "to", p)
	}
	for _, o := range d.opts.Observers {
		o.ObservePhase(d.state.Name, p)
	}
}

// ============================================================================
// 主迴圈
// ============================================================================

// Run drives the loop until ctx is canceled (returns nil) or a LoopFailure
// is declared unrecoverable (returns the *LoopFailure).
func (d *Daemon) Run(ctx context.Context) error {
	defer d.close(ctx)

	needPreload := true
	for {
		if ctx.Err() != nil {
			d.log.Info("shutting down")
			return nil
		}

		var failure *LoopFailure
		if needPreload {
			failure = d.guard("preload", func() error { return d.hooks.Preload(ctx, d) })
			if failure == nil {
				needPreload = false
				d.syncPhase()
			}
		}
		if failure == nil {
			failure = d.tick(ctx)
		}

		if failure != nil {
			if ctx.Err() != nil {
				d.log.Info("shutting down", "interrupted", failure.Stage)
				return nil
			}
			if !d.handleFailure(ctx, failure) {
				return failure
			}
			needPreload = true
		}

		if !d.sleep(ctx) {
			d.log.Info("shutting down")
			return nil
		}
	}
}

func (d *Daemon) tick(ctx context.Context) *LoopFailure {
	start := d.opts.Now()

	if f := d.guard("beforeUpdate", func() error { return d.hooks.BeforeUpdate(ctx, d) }); f != nil {
		return f
	}

	var rep pipeline.Report
	if f := d.guard("update", func() error {
		var err error
		rep, err = d.pipeline.Update(ctx, d.rt)
		return err
	}); f != nil {
		return f
	}

	if f := d.guard("afterUpdate", func() error { return d.hooks.AfterUpdate(ctx, d, rep) }); f != nil {
		return f
	}

	d.syncPhase()
	if f := d.guard("recovery", func() error { return d.probeRecovery(ctx) }); f != nil {
		return f
	}

	d.metrics.RecordTick(d.opts.Now().Sub(start))
	d.log.Debug("tick complete",
		"ran", rep.Ran,
		"failed", rep.Failed,
		"skipped", rep.Skipped,
		"outage", rep.Outage,
	)
	return nil
}

// syncPhase 依 ExternalUp 決定 RUNNING/DEGRADED；FAILED 為終止狀態
func (d *Daemon) syncPhase() {
	switch {
	case d.Phase() == types.PhaseFailed:
	case d.state.ExternalUp:
		d.setPhase(types.PhaseRunning)
	case d.Phase() != types.PhaseDegraded:
		d.log.Warn("external resource unavailable, entering degraded mode")
		d.setPhase(types.PhaseDegraded)
	}
}

// probeRecovery 在 DEGRADED 時探測外部資源；可用時先提交 eti_up=1 再切回 RUNNING
func (d *Daemon) probeRecovery(ctx context.Context) error {
	if d.Phase() != types.PhaseDegraded || d.rt.Session == nil {
		return nil
	}
	if !d.rt.Session.IsUp(ctx) {
		return nil
	}

	if d.rt.HasStatus() {
		if err := d.dbs.SetIndex(ctx, d.rt.Status, types.ExternalUpKey, 1); err != nil {
			return fmt.Errorf("failed to record external recovery: %w", err)
		}
		if err := d.dbs.Flush(); err != nil {
			return fmt.Errorf("failed to commit external recovery: %w", err)
		}
	}
	d.state.ExternalUp = true
	d.metrics.ExternalUp()
	d.log.Info("external resource is back up, resuming normal operation")
	d.setPhase(types.PhaseRunning)
	return nil
}

// guard 執行 fn，將錯誤或 panic 轉為 LoopFailure
func (d *Daemon) guard(stage string, fn func() error) (failure *LoopFailure) {
	defer func() {
		if r := recover(); r != nil {
			failure = &LoopFailure{
				Stage: stage,
				Err:   fmt.Errorf("panic: %v", r),
				Trace: fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack()),
			}
		}
	}()
	if err := fn(); err != nil {
		return &LoopFailure{Stage: stage, Err: err, Trace: fmt.Sprintf("%+v", err)}
	}
	return nil
}

// handleFailure 回傳 true 表示迴圈繼續
func (d *Daemon) handleFailure(ctx context.Context, failure *LoopFailure) bool {
	recoverable := d.hooks.OnFail(ctx, d, failure)
	rec := types.FailureRecord{
		ID:      uuid.NewString(),
		Action:  failure.Stage,
		At:      d.opts.Now().UTC(),
		Class:   types.ClassInternalError,
		Trace:   failure.Trace,
		Queries: d.dbs.Diagnostics(),
	}
	subject := notify.Subject(d.state.Name, recoverable)
	body := pipeline.FailureBody(d.state.Name, rec, recoverable)

	if recoverable {
		d.log.Error("loop failure, restarting after sleep",
			"stage", failure.Stage, "failure_id", rec.ID, "error", failure.Err, "trace", failure.Trace)
		if err := d.rt.Notifier.Notify(ctx, subject, body); err != nil {
			d.log.Error("failed to send failure notification", "error", err)
		}
		if err := d.dbs.Reset(); err != nil {
			d.log.Error("failed to reset database handles", "error", err)
		} else {
			d.metrics.DBReset()
		}
		return true
	}

	logging.Critical(d.log, "unrecoverable loop failure, stopping",
		"stage", failure.Stage, "failure_id", rec.ID, "error", failure.Err, "trace", failure.Trace)
	if err := d.rt.Notifier.Notify(ctx, subject, body); err != nil {
		d.log.Error("failed to send failure notification", "error", err)
	}
	d.setPhase(types.PhaseFailed)
	return false
}

// sleep 等待 PollInterval；期間處理重新載入，重新載入後依新的間隔重設計時器。ctx 取消時回傳 false
func (d *Daemon) sleep(ctx context.Context) bool {
	start := time.Now()
	timer := time.NewTimer(d.state.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-d.reload:
			if err := d.LoadConfig(ctx); err != nil {
				d.log.Error("config reload failed, keeping previous configuration", "error", err)
				continue
			}
			d.log.Info("configuration reloaded")
			// 新的 loop_interval 從本次睡眠開始時計算
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(max(d.state.PollInterval-time.Since(start), 0))
		}
	}
}

// close 執行 CleanUp hook 並釋放所有資源
func (d *Daemon) close(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("cleanup panicked", "panic", r)
			}
		}()
		d.hooks.CleanUp(ctx, d)
	}()
	d.dbs.Close()
	if err := d.logCloser.Close(); err != nil {
		d.log.Warn("failed to close log sink", "error", err)
	}
}

type nopMetrics struct{}

func (nopMetrics) ActionSucceeded(string) {}
func (nopMetrics) ActionFailed(string, types.Classification) {}
func (nopMetrics) DBReset() {}
func (nopMetrics) ExternalDown() {}
func (nopMetrics) ExternalUp() {}
func (nopMetrics) SetExternalUp(bool) {}
func (nopMetrics) Heartbeat(time.Time) {}
func (nopMetrics) RecordTick(time.Duration) {}
