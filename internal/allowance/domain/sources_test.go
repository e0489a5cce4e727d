package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitDeduction_PriorityOrder(t *testing.T) {
	portions, uncovered := SplitDeduction(250, 0, 100, 100, 100, 100)
	assert.Zero(t, uncovered)
	assert.Equal(t, []SourcePortion{
		{Source: SourceBase, Tokens: 100},
		{Source: SourceRollover, Tokens: 100},
		{Source: SourceBonus, Tokens: 50},
	}, portions)
}

func TestSplitDeduction_ReplaysPriorUsage(t *testing.T) {
	// 150 already consumed: base exhausted, 50 of rollover gone.
	portions, uncovered := SplitDeduction(100, 150, 100, 100, 100, 100)
	assert.Zero(t, uncovered)
	assert.Equal(t, []SourcePortion{
		{Source: SourceRollover, Tokens: 50},
		{Source: SourceBonus, Tokens: 50},
	}, portions)
}

func TestSplitDeduction_AddonLast(t *testing.T) {
	portions, uncovered := SplitDeduction(10, 300, 100, 100, 100, 100)
	assert.Zero(t, uncovered)
	assert.Equal(t, []SourcePortion{
		{Source: SourceAddon, Tokens: 10},
	}, portions)
}

func TestSplitDeduction_Uncovered(t *testing.T) {
	portions, uncovered := SplitDeduction(500, 0, 100, 0, 0, 100)
	assert.Equal(t, int64(300), uncovered)
	assert.Equal(t, []SourcePortion{
		{Source: SourceBase, Tokens: 100},
		{Source: SourceAddon, Tokens: 100},
	}, portions)
}

func TestSplitDeduction_ZeroAmount(t *testing.T) {
	portions, uncovered := SplitDeduction(0, 50, 100, 0, 0, 0)
	assert.Nil(t, portions)
	assert.Zero(t, uncovered)
}

func TestRolloverAmount(t *testing.T) {
	assert.Equal(t, int64(8_000), RolloverAmount(40_000, 50_000, 20))

	// Never exceeds one period's worth of the percentage, even when unused
	// exceeds the base allowance.
	assert.Equal(t, int64(10_000), RolloverAmount(120_000, 50_000, 20))

	assert.Zero(t, RolloverAmount(40_000, 50_000, 0))
	assert.Zero(t, RolloverAmount(0, 50_000, 20))
	assert.Zero(t, RolloverAmount(-5, 50_000, 20))

	// Floor division.
	assert.Equal(t, int64(1), RolloverAmount(15, 50_000, 10))
}
