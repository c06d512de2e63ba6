package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/update-daemon/internal/db"
	"github.com/ChuLiYu/update-daemon/internal/notify"
	"github.com/ChuLiYu/update-daemon/internal/session"
	"github.com/ChuLiYu/update-daemon/pkg/types"
	pkgerrors "github.com/pkg/errors"
)

// Kind 動作執行結果的種類
type Kind int

const (
	KindOK      Kind = iota // 成功，提交所有資料庫變更
	KindOutage              // 外部資源可能中斷，略過本 tick 剩餘動作
	KindFailure             // 動作內部錯誤，通知後繼續下一個動作
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindOutage:
		return "outage"
	case KindFailure:
		return "failure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result 單一動作的執行結果
type Result struct {
	Kind  Kind
	Err   error
	Trace string // 非空時覆蓋由 Err 產生的堆疊
}

// OK 成功結果
func OK() Result {
	return Result{Kind: KindOK}
}

// Outage reports that the external resource failed to load a page.
func Outage(err error) Result {
	return Result{Kind: KindOutage, Err: err}
}

// Failed reports an internal action error and captures the caller's stack.
func Failed(err error) Result {
	if err == nil {
		err = pkgerrors.New("action failed")
	}
	return Result{Kind: KindFailure, Err: pkgerrors.WithStack(err)}
}

// FromError maps a plain error onto a Result: nil is OK, a page load error
// is an outage, anything else a failure.
func FromError(err error) Result {
	switch {
	case err == nil:
		return OK()
	case session.IsPageLoad(err):
		return Outage(err)
	default:
		return Failed(err)
	}
}

func (r Result) trace() string {
	if r.Trace != "" {
		return r.Trace
	}
	if r.Err != nil {
		return fmt.Sprintf("%+v", r.Err)
	}
	return ""
}

// Action 一個更新動作。Name 必須穩定：用於日誌、通知、指標標籤和 Info 鍵。
type Action interface {
	Name() string
	Run(ctx context.Context, rt *Runtime) Result
}

type funcAction struct {
	name string
	fn   func(ctx context.Context, rt *Runtime) error
}

func (a funcAction) Name() string { return a.name }

func (a funcAction) Run(ctx context.Context, rt *Runtime) Result {
	return FromError(a.fn(ctx, rt))
}

// Func adapts a plain function into an Action; its error is classified by FromError.
func Func(name string, fn func(ctx context.Context, rt *Runtime) error) Action {
	return funcAction{name: name, fn: fn}
}

// Recorder receives pipeline events. The Prometheus collector implements it.
type Recorder interface {
	ActionSucceeded(action string)
	ActionFailed(action string, class types.Classification)
	DBReset()
	ExternalDown()
	Heartbeat(at time.Time)
}

type nopRecorder struct{}

func (nopRecorder) ActionSucceeded(string) {}
func (nopRecorder) ActionFailed(string, types.Classification) {}
func (nopRecorder) DBReset() {}
func (nopRecorder) ExternalDown() {}
func (nopRecorder) Heartbeat(time.Time) {}

// Runtime 每個動作可使用的協作者，由 daemon 建立並在重新載入設定時更新
type Runtime struct {
	State    *types.DaemonState
	DBs      *db.Set
	Session  session.Session // nil when no ETI section is configured
	Notifier notify.Notifier
	Log      *slog.Logger
	Metrics  Recorder
	Status   db.IndexRef // table holding eti_up and <name>_last_active

	Now func() time.Time
}

func (rt *Runtime) logger() *slog.Logger {
	if rt.Log == nil {
		return slog.Default()
	}
	return rt.Log
}

func (rt *Runtime) metrics() Recorder {
	if rt.Metrics == nil {
		return nopRecorder{}
	}
	return rt.Metrics
}

func (rt *Runtime) notifier() notify.Notifier {
	if rt.Notifier == nil {
		return notify.LogNotifier{Log: rt.logger()}
	}
	return rt.Notifier
}

// Clock returns the current time from Now, or time.Now when unset.
func (rt *Runtime) Clock() time.Time {
	if rt.Now == nil {
		return time.Now()
	}
	return rt.Now()
}

// HasStatus reports whether a status table connection is configured.
func (rt *Runtime) HasStatus() bool {
	return rt.DBs != nil && rt.Status.Connection != ""
}
