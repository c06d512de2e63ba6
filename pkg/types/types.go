// Package types 定義了 update-daemon 系統中使用的核心領域模型
package types

import (
	"time"
)

// Phase 守護程序的生命週期階段
type Phase string

// 定義階段常數
const (
	PhaseStarting Phase = "STARTING" // 啟動中：設定、連線與 preload 尚未完成
	PhaseRunning  Phase = "RUNNING"  // 正常運行：外部資源可用
	PhaseDegraded Phase = "DEGRADED" // 降級：外部資源被判定為不可用，迴圈持續運行
	PhaseFailed   Phase = "FAILED"   // 失敗：不可恢復的錯誤，終止狀態
)

// Classification 動作失敗的分類
type Classification string

const (
	ClassExternalOutage Classification = "external-outage" // 外部資源無法連線
	ClassInternalError  Classification = "internal-error"  // 動作內部錯誤
)

// Well-known durable row names.
const (
	ExternalUpKey    = "eti_up"       // 外部資源狀態旗標 (0/1)
	LastActiveSuffix = "_last_active" // "<daemon-name>_last_active" 心跳時間戳

	LastActiveInfoKey = "bot_last_active_time"
)

// DaemonState 守護程序的執行期狀態，由 daemon 建立並以指標傳遞給 pipeline 與每個動作
type DaemonState struct {
	Name         string         // 守護程序名稱（用於日誌、通知主旨、心跳列）
	PollInterval time.Duration  // 每個 tick 之間的睡眠時間
	ExternalUp   bool           // 記憶體中的外部資源狀態，與 eti_up 列保持一致
	LastActive   *time.Time     // 最近一次心跳寫入時間（UTC），nil 表示尚未寫入
	Info         map[string]any // 跨 tick 的暫存資料，以動作名稱為鍵
}

// NewDaemonState 建立初始狀態：外部資源預設為可用
func NewDaemonState(name string, interval time.Duration) *DaemonState {
	return &DaemonState{
		Name:         name,
		PollInterval: interval,
		ExternalUp:   true,
		Info:         make(map[string]any),
	}
}

// Scratch returns the per-action scratch map stored under info[action],
// creating it on first use.
func (s *DaemonState) Scratch(action string) map[string]any {
	if s.Info == nil {
		s.Info = make(map[string]any)
	}
	if m, ok := s.Info[action].(map[string]any); ok {
		return m
	}
	m := make(map[string]any)
	s.Info[action] = m
	return m
}

// LastActiveKey 心跳列名稱
func (s *DaemonState) LastActiveKey() string {
	return s.Name + LastActiveSuffix
}

// QueryContext 失敗時最後一次嘗試的資料庫查詢
type QueryContext struct {
	Connection string `json:"connection"`
	Query      string `json:"query"`
	Params     []any  `json:"params,omitempty"`
}

// FailureRecord 單次動作失敗的診斷紀錄（不持久化，僅用於日誌與通知）
type FailureRecord struct {
	ID      string         `json:"id"`
	Action  string         `json:"action"`
	At      time.Time      `json:"at"`
	Class   Classification `json:"class"`
	Trace   string         `json:"trace"`
	Queries []QueryContext `json:"queries,omitempty"`
}
