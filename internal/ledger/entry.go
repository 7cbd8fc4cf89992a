package ledger

import (
	xerrors "TrustClaw/internal/errors"
)

// State 表示事件在交付流水线中的状态。
type State string

const (
	// StateSeen 表示事件已被观察并落账,等待处理。
	StateSeen State = "seen"
	// StateProcessing 表示事件已被某个工作协程认领。
	StateProcessing State = "processing"
	// StateDone 表示事件处理完毕(公告成功或被过滤器拒绝)。
	StateDone State = "done"
	// StateFailed 表示最近一次处理失败。除非 Terminal 置位,
	// 失败的事件仍可被再次认领。
	StateFailed State = "failed"
)

// Entry 是账本中的一条事件记录。Key 使用事件键的规范字符串形式,
// 字典序即链上顺序。
type Entry struct {
	Key        string `json:"key"`
	AgentID    uint64 `json:"agent_id"`
	Owner      string `json:"owner_address,omitempty"`
	TxHash     string `json:"tx_hash,omitempty"`
	ViaSkill   bool   `json:"registered_via_skill"`
	State      State  `json:"state"`
	Terminal   bool   `json:"terminal,omitempty"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"max_retries"`
	Reason     string `json:"reason,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Announced  bool   `json:"announced"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

var (
	// ErrEventNotFound 表示账本中不存在指定事件。
	ErrEventNotFound = xerrors.New(CodeEventNotFound, "event not found")
	// ErrEventConflict 表示事件在当前状态下无法进行所请求的操作。
	ErrEventConflict = xerrors.New(CodeEventConflict, "event conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrEventDone 表示事件已经处理完毕。
	ErrEventDone = xerrors.New(CodeEventDone, "event already done", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrEventExhausted 表示事件的重试次数已经耗尽。
	ErrEventExhausted = xerrors.New(CodeEventExhausted, "event retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrAlreadyAnnounced 表示该代理已经有过一次成功公告,
	// 当前调用方在单赢者竞争中落败。
	ErrAlreadyAnnounced = xerrors.New(CodeAgentAnnounced, "agent already announced", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeEventNotFound  xerrors.Code = "EVENT_NOT_FOUND"
	CodeEventConflict  xerrors.Code = "EVENT_CONFLICT"
	CodeEventDone      xerrors.Code = "EVENT_DONE"
	CodeEventExhausted xerrors.Code = "EVENT_RETRIES_EXHAUSTED"
	CodeAgentAnnounced xerrors.Code = "AGENT_ANNOUNCED"
)

func init() {
	xerrors.Register(CodeEventNotFound, xerrors.Attributes{
		Message:   "event not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeEventConflict, xerrors.Attributes{
		Message:   "event conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeEventDone, xerrors.Attributes{
		Message:   "event already done",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeEventExhausted, xerrors.Attributes{
		Message:   "event retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeAgentAnnounced, xerrors.Attributes{
		Message:   "agent already announced",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// IsValidState 检查给定状态是否为支持的枚举值。
func IsValidState(state State) bool {
	switch state {
	case StateSeen, StateProcessing, StateDone, StateFailed:
		return true
	default:
		return false
	}
}

func cloneEntry(entry *Entry) *Entry {
	clone := *entry
	return &clone
}
