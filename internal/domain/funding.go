package domain

import "time"

// FundingRate is the current funding rate of a perpetual contract.
type FundingRate struct {
	Symbol      string
	Rate        float64 // per funding interval, e.g. 0.0001 = 1 bps
	MarkPrice   float64
	NextFunding time.Time
	UpdatedAt   time.Time
}
