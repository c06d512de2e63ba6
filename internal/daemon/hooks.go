package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/update-daemon/internal/pipeline"
	"github.com/ChuLiYu/update-daemon/pkg/types"
)

// Hooks lets a concrete daemon extend the loop. Embed BaseHooks and override
// only what is needed.
type Hooks interface {
	// Preload runs once before the first tick and again after every
	// recovered loop failure.
	Preload(ctx context.Context, d *Daemon) error
	BeforeUpdate(ctx context.Context, d *Daemon) error
	AfterUpdate(ctx context.Context, d *Daemon, rep pipeline.Report) error
	// OnFail decides whether the loop survives a LoopFailure.
	OnFail(ctx context.Context, d *Daemon, failure *LoopFailure) bool
	// CleanUp runs once when Run returns.
	CleanUp(ctx context.Context, d *Daemon)
}

// BaseHooks 預設實作：全部不做事，OnFail 回傳 false（不可恢復）
type BaseHooks struct{}

func (BaseHooks) Preload(context.Context, *Daemon) error { return nil }
func (BaseHooks) BeforeUpdate(context.Context, *Daemon) error { return nil }
func (BaseHooks) AfterUpdate(context.Context, *Daemon, pipeline.Report) error { return nil }
func (BaseHooks) OnFail(context.Context, *Daemon, *LoopFailure) bool { return false }
func (BaseHooks) CleanUp(context.Context, *Daemon) {}

// LoopFailure is an error that escaped a tick: a hook error or panic, or a
// pipeline bookkeeping error.
type LoopFailure struct {
	Stage string // preload | beforeUpdate | update | afterUpdate | recovery
	Err   error
	Trace string
}

func (f *LoopFailure) Error() string {
	return fmt.Sprintf("loop failure in %s: %v", f.Stage, f.Err)
}

func (f *LoopFailure) Unwrap() error {
	return f.Err
}

// PhaseObserver 接收階段變化通知（metrics gauge、gRPC health）
type PhaseObserver interface {
	ObservePhase(name string, p types.Phase)
}

// Metrics is the recorder the daemon feeds; *metrics.Collector implements it.
type Metrics interface {
	pipeline.Recorder
	RecordTick(d time.Duration)
	ExternalUp()
	SetExternalUp(up bool)
}
