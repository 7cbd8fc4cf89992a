package trust

import "TrustClaw/internal/registry"

// Reason 标识过滤器作出判定的原因,按检查顺序短路返回。
type Reason string

const (
	// ReasonNotViaSanctionedPath 表示注册没有经过认可的注册路径。
	ReasonNotViaSanctionedPath Reason = "NOT_VIA_SANCTIONED_PATH"
	// ReasonZeroReputation 表示代理没有任何信誉反馈。
	ReasonZeroReputation Reason = "ZERO_REPUTATION"
	// ReasonBelowThreshold 表示平均分低于配置阈值。
	ReasonBelowThreshold Reason = "BELOW_THRESHOLD"
	// ReasonAccepted 表示所有检查均通过,事件应当对外公告。
	ReasonAccepted Reason = "ACCEPTED"
)

// Decision 是过滤器对单个注册事件的判定结果。
type Decision struct {
	Accepted bool   `json:"accepted"`
	Reason   Reason `json:"reason"`
	Record   Record `json:"record"`
}

// Decide 按固定顺序执行过滤:注册路径、反馈数、平均分阈值。
// 任意一项不满足立即返回对应理由,后续检查不再执行。
// 这是一个纯函数,不触链、不写存储。
func Decide(event registry.RegistrationEvent, record Record, threshold int) Decision {
	decision := Decision{Record: record}
	switch {
	case !event.ViaSkill:
		decision.Reason = ReasonNotViaSanctionedPath
	case record.FeedbackCount == 0:
		decision.Reason = ReasonZeroReputation
	case record.Average < threshold:
		decision.Reason = ReasonBelowThreshold
	default:
		decision.Accepted = true
		decision.Reason = ReasonAccepted
	}
	return decision
}
