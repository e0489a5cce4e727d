package domain

// SourcePortion records how much of one charge a single credit source covered.
type SourcePortion struct {
	Source Source `json:"source"`
	Tokens int64  `json:"tokens"`
}

// SplitDeduction distributes a charge across the credit sources in priority
// order: base allowance, rollover, recurring bonus, add-on packs. The
// cumulative usedBefore is replayed through the same order first so each
// source's remainder reflects prior commits. Returns the covered portions
// and the uncovered amount, if any.
func SplitDeduction(amount, usedBefore, base, rollover, bonus, addon int64) ([]SourcePortion, int64) {
	if amount <= 0 {
		return nil, 0
	}

	capacities := []SourcePortion{
		{Source: SourceBase, Tokens: base},
		{Source: SourceRollover, Tokens: rollover},
		{Source: SourceBonus, Tokens: bonus},
		{Source: SourceAddon, Tokens: addon},
	}

	// Replay prior usage to find each source's remainder.
	consumed := usedBefore
	for i := range capacities {
		if consumed <= 0 {
			break
		}
		taken := min64(consumed, capacities[i].Tokens)
		capacities[i].Tokens -= taken
		consumed -= taken
	}

	portions := make([]SourcePortion, 0, len(capacities))
	remaining := amount
	for _, capa := range capacities {
		if remaining <= 0 {
			break
		}
		if capa.Tokens <= 0 {
			continue
		}
		taken := min64(remaining, capa.Tokens)
		portions = append(portions, SourcePortion{Source: capa.Source, Tokens: taken})
		remaining -= taken
	}

	return portions, remaining
}

// RolloverAmount computes the credit carried into the next period:
// floor(unusedBase * percent), capped at floor(baseAllowance * percent) so
// rollover never exceeds one period's worth of the configured percentage.
func RolloverAmount(unusedBase, baseAllowance int64, rolloverPercent int) int64 {
	if rolloverPercent <= 0 || unusedBase <= 0 {
		return 0
	}
	amount := unusedBase * int64(rolloverPercent) / 100
	bound := baseAllowance * int64(rolloverPercent) / 100
	if amount > bound {
		return bound
	}
	return amount
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
