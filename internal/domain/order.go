package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// EntrySide maps a position side to the order side that opens it.
func EntrySide(s PositionSide) OrderSide {
	if s == SideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// ExitSide maps a position side to the order side that closes it.
func ExitSide(s PositionSide) OrderSide {
	if s == SideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType selects the execution style of an order.
type OrderType string

const (
	OrderTypeLimit            OrderType = "limit"
	OrderTypeMarket           OrderType = "market"
	OrderTypeStopMarket       OrderType = "stop_market"
	OrderTypeTakeProfitMarket OrderType = "take_profit_market"
)

// OrderStatus tracks the order lifecycle as reported by the venue.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderRequest is a venue-agnostic order submission.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      float64
	Price         float64 // limit orders only
	StopPrice     float64 // stop / take-profit triggers
	ReduceOnly    bool
	ClientOrderID string
}

// Order is the venue's view of a submitted order.
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      float64
	Price         float64
	StopPrice     float64
	ExecutedQty   float64
	AvgFillPrice  float64
	Status        OrderStatus
	ReduceOnly    bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FillRatio returns executed quantity over requested quantity.
func (o Order) FillRatio() float64 {
	if o.Quantity <= 0 {
		return 0
	}
	return o.ExecutedQty / o.Quantity
}
