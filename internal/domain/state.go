package domain

// MarketState is the detector's classification of current conditions.
// Exactly one state holds at a time; when the conditions for more than one
// state are met, OVERHEATED takes priority over TRENDING.
type MarketState string

const (
	StateNeutral    MarketState = "NEUTRAL"
	StateTrending   MarketState = "TRENDING"
	StateOverheated MarketState = "OVERHEATED"
)
