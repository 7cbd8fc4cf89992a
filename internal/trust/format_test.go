package trust

import (
	"strings"
	"testing"

	"TrustClaw/internal/registry"
)

func TestFormatAnnouncementContainsScoreAndReviews(t *testing.T) {
	event := registry.RegistrationEvent{
		AgentID:  7,
		Owner:    "0x1234567890abcdef1234567890abcdef12345678",
		ViaSkill: true,
	}
	record := Record{
		AgentID:       7,
		FeedbackCount: 15,
		Average:       86,
		Scores: map[string]int{
			"quality":     88,
			"reliability": 85,
			"speed":       82,
			"safety":      90,
			"alignment":   85,
		},
	}

	text := FormatAnnouncement(event, record)
	for _, want := range []string{"#7", "86", "15", "Trusted"} {
		if !strings.Contains(text, want) {
			t.Fatalf("公告文本缺少 %q:\n%s", want, text)
		}
	}
}

func TestTrustBucketBoundaries(t *testing.T) {
	cases := []struct {
		average int
		label   string
	}{
		{average: 100, label: "Exceptional"},
		{average: 90, label: "Exceptional"},
		{average: 89, label: "Trusted"},
		{average: 75, label: "Trusted"},
		{average: 60, label: "Promising"},
		{average: 59, label: "Unproven"},
		{average: 0, label: "Unproven"},
	}
	for _, tc := range cases {
		if _, label := TrustBucket(tc.average); label != tc.label {
			t.Fatalf("TrustBucket(%d) = %s, 期望 %s", tc.average, label, tc.label)
		}
	}
}

func TestFormatAnnouncementDimensionsAreSorted(t *testing.T) {
	record := Record{AgentID: 1, FeedbackCount: 2, Average: 70, Scores: map[string]int{
		"speed":   70,
		"quality": 70,
	}}
	text := FormatAnnouncement(registry.RegistrationEvent{AgentID: 1}, record)
	if strings.Index(text, "quality") > strings.Index(text, "speed") {
		t.Fatalf("维度输出应按字典序排列:\n%s", text)
	}
}
