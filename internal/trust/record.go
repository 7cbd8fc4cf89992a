package trust

import (
	"math/big"
	"sort"

	"TrustClaw/internal/registry"
)

// ScoreMax 定义归一化后的分值上限。
const (
	ScoreMin = 0
	ScoreMax = 100
)

// Record 表示某个代理在各个维度上归一化之后的信誉记录。
// 所有分值都落在 [0, 100] 区间内。
type Record struct {
	AgentID       uint64         `json:"agent_id"`
	FeedbackCount uint64         `json:"feedback_count"`
	Scores        map[string]int `json:"scores"`
	Average       int            `json:"average"`
}

// Dimensions 按字典序返回记录中出现的维度名称,用于稳定输出。
func (r Record) Dimensions() []string {
	names := make([]string, 0, len(r.Scores))
	for name := range r.Scores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeScore 把链上返回的原始值按照小数位缩放成整数分值,
// 并将结果截断到 [0, 100] 区间。缩放使用整数除法,不做四舍五入。
func NormalizeScore(raw registry.RawDimension) int {
	if raw.Value == nil {
		return ScoreMin
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(raw.Decimals)), nil)
	value := new(big.Int).Quo(raw.Value, scale)
	if value.Cmp(big.NewInt(ScoreMax)) > 0 {
		return ScoreMax
	}
	if value.Sign() < 0 {
		return ScoreMin
	}
	return int(value.Int64())
}

// BuildRecord 根据原始信誉摘要构建归一化记录。配置中声明、但链上没有
// 返回的维度按 0 分计入;平均分是对配置维度的算术平均,采用
// (sum + n/2) / n 的方式四舍五入到整数。没有任何反馈时平均分固定为 0。
func BuildRecord(agentID uint64, raw registry.RawReputation, dimensions []string) Record {
	record := Record{
		AgentID:       agentID,
		FeedbackCount: raw.FeedbackCount,
		Scores:        make(map[string]int, len(dimensions)),
	}
	var sum int
	for _, dim := range dimensions {
		score := 0
		if rawDim, ok := raw.Dimensions[dim]; ok {
			score = NormalizeScore(rawDim)
		}
		record.Scores[dim] = score
		sum += score
	}
	if raw.FeedbackCount > 0 && len(dimensions) > 0 {
		record.Average = (sum + len(dimensions)/2) / len(dimensions)
	}
	return record
}
