// ============================================================================
// update-daemon Pipeline - 模組更新管線
// ============================================================================
//
// Package: internal/pipeline
// 文件: pipeline.go
// 功能: 依序執行更新動作，並將每個動作的失敗分類處理
//
// 每個 tick 的流程:
//
//   for action in actions:
//     ├─ 清除所有連線的查詢參數
//     ├─ 執行 action（panic 轉為內部錯誤）
//     └─ 依結果處理:
//          OK      → 提交所有連線（提交失敗視為內部錯誤）
//          Outage  → 確認外部資源狀態，寫入 eti_up=0，略過剩餘動作
//          Failure → 記錄、寄送 recoverable 通知、重設連線，繼續下一個
//
// 錯誤分類:
//   - 動作失敗一律被吸收，記錄在 Report 中
//   - ctx 已取消時動作的錯誤視為關閉：丟棄未提交的寫入，不記錄失敗、不寄通知
//   - 只有管線自身的簿記失敗（寫入旗標、重設連線、寄送通知）會回傳 error，
//     daemon 將其視為迴圈失敗
//
// 外部資源狀態:
//   記憶體中的 ExternalUp 與 eti_up 列保持一致：先寫入並提交，再切換記憶體旗標。
//   已經處於中斷狀態時不重複寫入也不重複通知。
//
// ============================================================================

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/ChuLiYu/update-daemon/internal/notify"
	"github.com/ChuLiYu/update-daemon/pkg/types"
	"github.com/google/uuid"
)

// Pipeline runs a fixed, ordered list of actions once per tick.
type Pipeline struct {
	actions []Action
}

// New creates a pipeline running actions in the given order.
func New(actions ...Action) *Pipeline {
	return &Pipeline{actions: actions}
}

// Names 回傳動作名稱（依執行順序）
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.actions))
	for i, a := range p.actions {
		names[i] = a.Name()
	}
	return names
}

// Report 一次 Update 的結果摘要
type Report struct {
	Ran     []string // 成功並已提交的動作
	Failed  []string // 內部錯誤的動作
	Skipped []string // 因外部資源中斷或關閉而未執行的動作
	Outage  bool     // 本 tick 是否遇到外部資源中斷
}

// Update runs every action in order. Action failures are absorbed into the
// report; the returned error is non-nil only when the pipeline could not
// keep its own bookkeeping (status flag, handle reset, notification).
func (p *Pipeline) Update(ctx context.Context, rt *Runtime) (Report, error) {
	var rep Report

	for i, a := range p.actions {
		if ctx.Err() != nil {
			rep.Skipped = append(rep.Skipped, p.Names()[i:]...)
			return rep, nil
		}

		name := a.Name()
		rt.DBs.ClearParams()
		res := p.run(ctx, rt, a)

		if res.Kind == KindOK {
			if err := rt.DBs.Flush(); err != nil {
				res = Failed(fmt.Errorf("failed to commit after %s: %w", name, err))
			} else {
				rep.Ran = append(rep.Ran, name)
				rt.metrics().ActionSucceeded(name)
				continue
			}
		}

		// 關閉中：動作的錯誤多半來自被取消的 ctx，不視為失敗也不通知
		if ctx.Err() != nil {
			rep.Skipped = append(rep.Skipped, p.Names()[i:]...)
			rt.logger().Info("shutdown during action, discarding its work", "action", name, "error", res.Err)
			return rep, p.reset(rt)
		}

		if res.Kind == KindOutage {
			rep.Outage = true
			rep.Skipped = append(rep.Skipped, p.Names()[i+1:]...)
			rt.metrics().ActionFailed(name, types.ClassExternalOutage)
			return rep, p.handleOutage(ctx, rt, name, res)
		}

		rep.Failed = append(rep.Failed, name)
		rt.metrics().ActionFailed(name, types.ClassInternalError)
		if err := p.handleFailure(ctx, rt, name, res); err != nil {
			return rep, err
		}
	}

	return rep, nil
}

// run 執行單一動作，panic 轉為 KindFailure
func (p *Pipeline) run(ctx context.Context, rt *Runtime, a Action) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				Kind:  KindFailure,
				Err:   fmt.Errorf("panic in %s: %v", a.Name(), r),
				Trace: fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack()),
			}
		}
	}()
	return a.Run(ctx, rt)
}

func (p *Pipeline) handleOutage(ctx context.Context, rt *Runtime, name string, res Result) error {
	log := rt.logger()

	// 丟棄該動作未提交的部分寫入
	if err := p.reset(rt); err != nil {
		return err
	}

	if !rt.State.ExternalUp {
		log.Debug("external resource still down", "action", name, "error", res.Err)
		return nil
	}
	if rt.Session == nil {
		log.Warn("page load failed without an external session", "action", name, "error", res.Err)
		return nil
	}
	if rt.Session.IsUp(ctx) {
		log.Warn("transient page load failure, external resource still reachable",
			"action", name, "error", res.Err)
		return nil
	}

	if rt.HasStatus() {
		if err := rt.DBs.SetIndex(ctx, rt.Status, types.ExternalUpKey, 0); err != nil {
			return fmt.Errorf("failed to record external outage: %w", err)
		}
		if err := rt.DBs.Flush(); err != nil {
			return fmt.Errorf("failed to commit external outage: %w", err)
		}
	}
	rt.State.ExternalUp = false
	rt.metrics().ExternalDown()

	log.Warn("external resource is down, skipping remaining actions", "action", name, "error", res.Err)
	return nil
}

func (p *Pipeline) handleFailure(ctx context.Context, rt *Runtime, name string, res Result) error {
	rec := types.FailureRecord{
		ID:      uuid.NewString(),
		Action:  name,
		At:      rt.Clock().UTC(),
		Class:   types.ClassInternalError,
		Trace:   res.trace(),
		Queries: rt.DBs.Diagnostics(),
	}

	rt.logger().Error("action failed",
		"action", name,
		"failure_id", rec.ID,
		"error", res.Err,
		"queries", rec.Queries,
		"trace", rec.Trace,
	)

	var errs []error
	subject := notify.Subject(rt.State.Name, true)
	if err := rt.notifier().Notify(ctx, subject, FailureBody(rt.State.Name, rec, true)); err != nil {
		errs = append(errs, fmt.Errorf("failed to send failure notification for %s: %w", name, err))
	}
	if err := p.reset(rt); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Pipeline) reset(rt *Runtime) error {
	if err := rt.DBs.Reset(); err != nil {
		return fmt.Errorf("failed to reset database handles: %w", err)
	}
	rt.metrics().DBReset()
	return nil
}

// FailureBody renders the notification body for a failure record.
func FailureBody(daemon string, rec types.FailureRecord, recoverable bool) string {
	var b strings.Builder
	if recoverable {
		fmt.Fprintf(&b, "%s has suffered an exception in %s() but will continue to run.\n", daemon, rec.Action)
	} else {
		fmt.Fprintf(&b, "%s has suffered an unrecoverable exception in %s() and has stopped.\n", daemon, rec.Action)
	}
	fmt.Fprintf(&b, "Failure ID: %s\n", rec.ID)
	fmt.Fprintf(&b, "Time: %s\n", rec.At.Format("2006-01-02 15:04:05 MST"))
	b.WriteString("Error:\n")
	b.WriteString(rec.Trace)
	b.WriteString("\n")

	if len(rec.Queries) > 0 {
		b.WriteString("\nLast queries:\n")
		for _, q := range rec.Queries {
			fmt.Fprintf(&b, "[%s] %s\n", q.Connection, q.Query)
			if len(q.Params) > 0 {
				fmt.Fprintf(&b, "  params: %v\n", q.Params)
			}
		}
	}
	return b.String()
}
