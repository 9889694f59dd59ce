package domain

import "time"

// MarketEventKind discriminates the variants of MarketEvent.
type MarketEventKind string

const (
	EventCandleClosed  MarketEventKind = "candle_closed"
	EventBookUpdate    MarketEventKind = "book_update"
	EventFundingUpdate MarketEventKind = "funding_update"
	EventFeedStale     MarketEventKind = "feed_stale"
	EventFeedRecovered MarketEventKind = "feed_recovered"
)

// MarketEvent is one element of the ordered market stream feeding the
// pipeline. Exactly one payload field is set according to Kind; the feed
// health events carry no payload.
type MarketEvent struct {
	Kind MarketEventKind
	At   time.Time

	Candle  *Candle
	Book    *BookSnapshot
	Funding *FundingRate
}
