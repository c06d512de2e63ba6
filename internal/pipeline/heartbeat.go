package pipeline

import (
	"context"
	"time"

	"github.com/ChuLiYu/update-daemon/pkg/types"
)

const (
	// HeartbeatName is the stable name of the heartbeat action.
	HeartbeatName = "touchTimeStamp"

	// DefaultHeartbeatInterval 心跳最短寫入間隔
	DefaultHeartbeatInterval = 5 * time.Minute
)

// Heartbeat writes <name>_last_active and eti_up to the status table at most
// once per Interval.
type Heartbeat struct {
	Interval time.Duration
}

func (h Heartbeat) Name() string { return HeartbeatName }

func (h Heartbeat) interval() time.Duration {
	if h.Interval <= 0 {
		return DefaultHeartbeatInterval
	}
	return h.Interval
}

func (h Heartbeat) Run(ctx context.Context, rt *Runtime) Result {
	now := rt.Clock().UTC()
	if last, ok := lastActive(rt.State); ok && now.Sub(last) < h.interval() {
		return OK()
	}

	if rt.HasStatus() {
		if err := rt.DBs.SetIndex(ctx, rt.Status, rt.State.LastActiveKey(), now.Unix()); err != nil {
			return Failed(err)
		}
		var up int64
		if rt.State.ExternalUp {
			up = 1
		}
		if err := rt.DBs.SetIndex(ctx, rt.Status, types.ExternalUpKey, up); err != nil {
			return Failed(err)
		}
		// 先提交，LastActive 只在寫入成功後更新
		if err := rt.DBs.Flush(); err != nil {
			return Failed(err)
		}
	}

	rt.State.LastActive = &now
	if rt.State.Info == nil {
		rt.State.Info = make(map[string]any)
	}
	rt.State.Info[types.LastActiveInfoKey] = now
	rt.metrics().Heartbeat(now)
	return OK()
}

// lastActive 優先使用 LastActive；尚未寫入時改用 Preload 放入 Info 的時間
func lastActive(st *types.DaemonState) (time.Time, bool) {
	if st.LastActive != nil {
		return *st.LastActive, true
	}
	switch v := st.Info[types.LastActiveInfoKey].(type) {
	case time.Time:
		return v, true
	case *time.Time:
		if v != nil {
			return *v, true
		}
	}
	return time.Time{}, false
}

// DefaultActions 基礎 daemon 內建的動作
func DefaultActions() []Action {
	return []Action{Heartbeat{}}
}
