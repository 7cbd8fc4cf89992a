package trust

import (
	"fmt"
	"strings"

	"TrustClaw/internal/registry"
)

// bucket 把平均分映射到公告里使用的信任档位。
type bucket struct {
	floor int
	emoji string
	label string
}

// 档位从高到低排列,取第一个满足下限的档位。
var buckets = []bucket{
	{floor: 90, emoji: "🌟", label: "Exceptional"},
	{floor: 75, emoji: "✅", label: "Trusted"},
	{floor: 60, emoji: "📈", label: "Promising"},
	{floor: 0, emoji: "🌱", label: "Unproven"},
}

// TrustBucket 返回平均分对应的档位标签与表情符号。
func TrustBucket(average int) (emoji, label string) {
	for _, b := range buckets {
		if average >= b.floor {
			return b.emoji, b.label
		}
	}
	last := buckets[len(buckets)-1]
	return last.emoji, last.label
}

// FormatAnnouncement 渲染对外公告文本。文本包含代理编号、信任档位、
// 平均分、反馈条数以及逐维度的分值明细,维度按字典序排列保证输出稳定。
func FormatAnnouncement(event registry.RegistrationEvent, record Record) string {
	emoji, label := TrustBucket(record.Average)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s Agent #%d just registered on-chain\n", emoji, event.AgentID)
	fmt.Fprintf(&sb, "%s reputation: %d/100 across %d reviews\n", label, record.Average, record.FeedbackCount)
	for _, dim := range record.Dimensions() {
		fmt.Fprintf(&sb, "  %s: %d\n", dim, record.Scores[dim])
	}
	if event.Owner != "" {
		fmt.Fprintf(&sb, "Owner %s", shortenAddress(event.Owner))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// shortenAddress 以 0xabcd…ef12 的形式缩写地址,完整地址原样返回短地址。
func shortenAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
