// Package exchange implements the venue gateway against Binance USDT-M
// futures. Prices and quantities are rounded to the contract's tick and
// step filters with decimal arithmetic before submission; everything else
// in the system works in float64.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/jlindqvist/perpbot/internal/domain"
)

// Binance error codes for orders the venue no longer knows.
const (
	codeUnknownOrder      = -2011
	codeOrderDoesNotExist = -2013
)

// Config holds the venue connection parameters.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	Symbol    string
	Leverage  int
}

// Client is the Binance USDT-M futures gateway. It implements
// domain.ExchangeGateway and additionally serves historical klines and the
// funding rate for seeding and monitoring.
type Client struct {
	futures *futures.Client
	symbol  string
	logger  *slog.Logger

	tickSize decimal.Decimal
	stepSize decimal.Decimal
	minQty   decimal.Decimal
}

// New creates a Client, loads the symbol's exchange filters and applies the
// configured leverage.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	fc := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.Testnet {
		futures.UseTestnet = true
	}

	c := &Client{
		futures: fc,
		symbol:  cfg.Symbol,
		logger:  logger.With(slog.String("component", "binance_gateway"), slog.String("symbol", cfg.Symbol)),
	}

	if err := c.loadFilters(ctx); err != nil {
		return nil, err
	}

	if cfg.Leverage > 0 {
		_, err := fc.NewChangeLeverageService().
			Symbol(cfg.Symbol).
			Leverage(cfg.Leverage).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("exchange: set leverage: %w", err)
		}
	}

	c.logger.Info("gateway ready",
		slog.String("tick_size", c.tickSize.String()),
		slog.String("step_size", c.stepSize.String()),
		slog.Bool("testnet", cfg.Testnet))
	return c, nil
}

// loadFilters fetches the price tick and lot step for the symbol.
func (c *Client) loadFilters(ctx context.Context) error {
	info, err := c.futures.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("exchange: exchange info: %w", err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != c.symbol {
			continue
		}
		pf := s.PriceFilter()
		lf := s.LotSizeFilter()
		if pf == nil || lf == nil {
			return fmt.Errorf("exchange: symbol %s missing price/lot filters", c.symbol)
		}
		c.tickSize, err = decimal.NewFromString(pf.TickSize)
		if err != nil {
			return fmt.Errorf("exchange: parse tick size: %w", err)
		}
		c.stepSize, err = decimal.NewFromString(lf.StepSize)
		if err != nil {
			return fmt.Errorf("exchange: parse step size: %w", err)
		}
		c.minQty, err = decimal.NewFromString(lf.MinQuantity)
		if err != nil {
			return fmt.Errorf("exchange: parse min quantity: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exchange: symbol %s not found in exchange info", c.symbol)
}

// StepSize returns the contract lot step as float64, for risk sizing.
func (c *Client) StepSize() float64 {
	f, _ := c.stepSize.Float64()
	return f
}

// MinQty returns the contract minimum order quantity as float64.
func (c *Client) MinQty() float64 {
	f, _ := c.minQty.Float64()
	return f
}

// PlaceOrder submits an order, rounding price and quantity to the
// contract's filters.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	qty := c.roundStep(req.Quantity)
	if qty.IsZero() {
		return domain.Order{}, fmt.Errorf("exchange: %w: quantity rounds to zero", domain.ErrInvalidOrder)
	}

	svc := c.futures.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(mapSide(req.Side)).
		Type(mapType(req.Type)).
		Quantity(qty.String())

	switch req.Type {
	case domain.OrderTypeLimit:
		svc = svc.
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(c.roundTick(req.Price).String())
	case domain.OrderTypeStopMarket, domain.OrderTypeTakeProfitMarket:
		svc = svc.StopPrice(c.roundTick(req.StopPrice).String())
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return domain.Order{}, fmt.Errorf("exchange: place %s %s: %w", req.Type, req.Symbol, mapErr(err))
	}

	order := domain.Order{
		ID:            strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Symbol:        res.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      parseF(res.OrigQuantity),
		Price:         parseF(res.Price),
		StopPrice:     parseF(res.StopPrice),
		ExecutedQty:   parseF(res.ExecutedQuantity),
		AvgFillPrice:  parseF(res.AvgPrice),
		Status:        mapStatus(res.Status),
		ReduceOnly:    res.ReduceOnly,
		CreatedAt:     time.UnixMilli(res.UpdateTime),
		UpdatedAt:     time.UnixMilli(res.UpdateTime),
	}
	return order, nil
}

// CancelOrder cancels an open order. Orders the venue no longer knows map
// to domain.ErrOrderUnknown.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("exchange: %w: bad order id %q", domain.ErrInvalidOrder, orderID)
	}
	_, err = c.futures.NewCancelOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("exchange: cancel order %s: %w", orderID, mapErr(err))
	}
	return nil
}

// GetOrder fetches the current state of an order.
func (c *Client) GetOrder(ctx context.Context, symbol, orderID string) (domain.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return domain.Order{}, fmt.Errorf("exchange: %w: bad order id %q", domain.ErrInvalidOrder, orderID)
	}
	o, err := c.futures.NewGetOrderService().
		Symbol(symbol).
		OrderID(id).
		Do(ctx)
	if err != nil {
		return domain.Order{}, fmt.Errorf("exchange: get order %s: %w", orderID, mapErr(err))
	}

	return domain.Order{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          mapSideBack(o.Side),
		Type:          mapTypeBack(o.Type),
		Quantity:      parseF(o.OrigQuantity),
		Price:         parseF(o.Price),
		StopPrice:     parseF(o.StopPrice),
		ExecutedQty:   parseF(o.ExecutedQuantity),
		AvgFillPrice:  parseF(o.AvgPrice),
		Status:        mapStatus(o.Status),
		ReduceOnly:    o.ReduceOnly,
		CreatedAt:     time.UnixMilli(o.Time),
		UpdatedAt:     time.UnixMilli(o.UpdateTime),
	}, nil
}

// Equity returns the account's total margin balance in USDT.
func (c *Client) Equity(ctx context.Context) (float64, error) {
	acct, err := c.futures.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("exchange: account: %w", err)
	}
	return parseF(acct.TotalMarginBalance), nil
}

// Klines fetches closed historical candles, oldest first, for seeding the
// indicator windows on startup.
func (c *Client) Klines(ctx context.Context, tf domain.Timeframe, limit int) ([]domain.Candle, error) {
	klines, err := c.futures.NewKlinesService().
		Symbol(c.symbol).
		Interval(string(tf)).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("exchange: klines %s: %w", tf, err)
	}

	candles := make([]domain.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, domain.Candle{
			Symbol:    c.symbol,
			Timeframe: tf,
			OpenTime:  time.UnixMilli(k.OpenTime),
			CloseTime: time.UnixMilli(k.CloseTime),
			Open:      parseF(k.Open),
			High:      parseF(k.High),
			Low:       parseF(k.Low),
			Close:     parseF(k.Close),
			Volume:    parseF(k.Volume),
		})
	}
	// The last kline is usually still open; drop it.
	if len(candles) > 0 && time.UnixMilli(klines[len(klines)-1].CloseTime).After(time.Now()) {
		candles = candles[:len(candles)-1]
	}
	return candles, nil
}

// FundingRate fetches the current funding rate and mark price.
func (c *Client) FundingRate(ctx context.Context) (domain.FundingRate, error) {
	idx, err := c.futures.NewPremiumIndexService().
		Symbol(c.symbol).
		Do(ctx)
	if err != nil {
		return domain.FundingRate{}, fmt.Errorf("exchange: premium index: %w", err)
	}
	if len(idx) == 0 {
		return domain.FundingRate{}, fmt.Errorf("exchange: no premium index for %s", c.symbol)
	}

	return domain.FundingRate{
		Symbol:      c.symbol,
		Rate:        parseF(idx[0].LastFundingRate),
		MarkPrice:   parseF(idx[0].MarkPrice),
		NextFunding: time.UnixMilli(idx[0].NextFundingTime),
		UpdatedAt:   time.UnixMilli(idx[0].Time),
	}, nil
}

func (c *Client) roundTick(price float64) decimal.Decimal {
	d := decimal.NewFromFloat(price)
	if c.tickSize.IsZero() {
		return d
	}
	return d.Div(c.tickSize).Floor().Mul(c.tickSize)
}

func (c *Client) roundStep(qty float64) decimal.Decimal {
	d := decimal.NewFromFloat(qty)
	if c.stepSize.IsZero() {
		return d
	}
	return d.Div(c.stepSize).Floor().Mul(c.stepSize)
}

func mapSide(s domain.OrderSide) futures.SideType {
	if s == domain.OrderSideBuy {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func mapSideBack(s futures.SideType) domain.OrderSide {
	if s == futures.SideTypeBuy {
		return domain.OrderSideBuy
	}
	return domain.OrderSideSell
}

func mapType(t domain.OrderType) futures.OrderType {
	switch t {
	case domain.OrderTypeLimit:
		return futures.OrderTypeLimit
	case domain.OrderTypeStopMarket:
		return futures.OrderTypeStopMarket
	case domain.OrderTypeTakeProfitMarket:
		return futures.OrderTypeTakeProfitMarket
	default:
		return futures.OrderTypeMarket
	}
}

func mapTypeBack(t futures.OrderType) domain.OrderType {
	switch t {
	case futures.OrderTypeLimit:
		return domain.OrderTypeLimit
	case futures.OrderTypeStopMarket:
		return domain.OrderTypeStopMarket
	case futures.OrderTypeTakeProfitMarket:
		return domain.OrderTypeTakeProfitMarket
	default:
		return domain.OrderTypeMarket
	}
}

func mapStatus(s futures.OrderStatusType) domain.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return domain.OrderStatusNew
	case futures.OrderStatusTypePartiallyFilled:
		return domain.OrderStatusPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return domain.OrderStatusFilled
	case futures.OrderStatusTypeCanceled:
		return domain.OrderStatusCancelled
	case futures.OrderStatusTypeRejected:
		return domain.OrderStatusRejected
	case futures.OrderStatusTypeExpired:
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusNew
	}
}

// mapErr converts the venue's unknown-order codes to the domain sentinel so
// callers can treat them as already-gone orders.
func mapErr(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == codeUnknownOrder || apiErr.Code == codeOrderDoesNotExist {
			return domain.ErrOrderUnknown
		}
	}
	return err
}

func parseF(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
