package agent

import (
	"sync"

	"github.com/eddielth/ddg-agent/anomaly"
)

// Action 本周期对链上异常标记的处理
type Action int

const (
	NoAction Action = iota
	WriteAbnormal
	WriteClear
)

func (a Action) String() string {
	switch a {
	case WriteAbnormal:
		return "write_abnormal"
	case WriteClear:
		return "write_clear"
	default:
		return "none"
	}
}

// Decision 表示一次调和结果
type Decision struct {
	Action Action
	Reason string
}

// Reconcile 比较结论与最近一次成功写入的异常标记。
// 异常时每个周期都重新写入，以刷新链上原因。
func Reconcile(v anomaly.Verdict, lastWrittenAbnormal bool) Decision {
	switch {
	case v.IsAbnormal:
		return Decision{Action: WriteAbnormal, Reason: anomaly.FormatReason(v)}
	case lastWrittenAbnormal:
		return Decision{Action: WriteClear}
	default:
		return Decision{Action: NoAction}
	}
}

// Reconciler 持有最近一次成功写入的异常标记
type Reconciler struct {
	mu           sync.Mutex
	lastAbnormal bool
}

// Decide 根据缓存给出决策，不修改缓存
func (r *Reconciler) Decide(v anomaly.Verdict) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Reconcile(v, r.lastAbnormal)
}

// Commit 在写入确认后更新缓存
func (r *Reconciler) Commit(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch d.Action {
	case WriteAbnormal:
		r.lastAbnormal = true
	case WriteClear:
		r.lastAbnormal = false
	}
}

// Seed 以链上读取的标记初始化缓存
func (r *Reconciler) Seed(abnormal bool) {
	r.mu.Lock()
	r.lastAbnormal = abnormal
	r.mu.Unlock()
}

// LastWrittenAbnormal 返回缓存值
func (r *Reconciler) LastWrittenAbnormal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAbnormal
}
