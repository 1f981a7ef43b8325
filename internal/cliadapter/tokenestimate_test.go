package cliadapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateUsageFromResult_NonEmptyText(t *testing.T) {
	n := estimateUsageFromResult("The quick brown fox jumps over the lazy dog.")
	assert.Positive(t, n)
}

func TestEstimateUsageFromResult_Empty(t *testing.T) {
	assert.Equal(t, 0, estimateUsageFromResult(""))
}

func TestExtractUsage_FallsBackWhenUsageMissing(t *testing.T) {
	raw := rawMessage{Type: "result", Subtype: "success", Result: "some completion text here"}
	usage, cost := extractUsage(raw)
	assert.Positive(t, usage.OutputTokens)
	assert.Zero(t, usage.InputTokens)
	assert.Zero(t, cost)
}

func TestExtractUsage_PrefersReportedUsage(t *testing.T) {
	raw := rawMessage{
		Type: "result", Subtype: "success", Result: "text",
		Usage: &rawUsage{InputTokens: 10, OutputTokens: 20},
	}
	usage, _ := extractUsage(raw)
	assert.Equal(t, 10, usage.InputTokens)
	assert.Equal(t, 20, usage.OutputTokens)
}
