package service

// DefaultFlagThreshold is the negative-rating count at which a user is flagged.
const DefaultFlagThreshold = 3

// FlagReason is recorded on every flag created by the policy.
const FlagReason = "Multiple negative ratings"

// ShouldFlag reports whether negativeCount trips the default policy.
func ShouldFlag(negativeCount int) bool {
	return FlagPolicy{}.ShouldFlag(negativeCount)
}

// FlagPolicy decides when a user is flagged for review. A zero Threshold
// means DefaultFlagThreshold.
type FlagPolicy struct {
	Threshold int
}

// ShouldFlag reports whether negativeCount reaches the threshold.
func (p FlagPolicy) ShouldFlag(negativeCount int) bool {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultFlagThreshold
	}
	return negativeCount >= threshold
}
