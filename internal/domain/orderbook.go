package domain

import "time"

// BookLevel is a single price level in the order book.
type BookLevel struct {
	Price float64
	Qty   float64
}

// BookSnapshot is a point-in-time view of the top of the order book,
// bids and asks sorted best-first.
type BookSnapshot struct {
	Symbol    string
	Bids      []BookLevel
	Asks      []BookLevel
	UpdatedAt time.Time
}

// TopBidVolume sums the quantity of the best n bid levels.
func (b BookSnapshot) TopBidVolume(n int) float64 {
	if n > len(b.Bids) {
		n = len(b.Bids)
	}
	var total float64
	for i := 0; i < n; i++ {
		total += b.Bids[i].Qty
	}
	return total
}

// BestBid returns the best bid price, or 0 if the book side is empty.
func (b BookSnapshot) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the best ask price, or 0 if the book side is empty.
func (b BookSnapshot) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}
