// Package sequencer owns the order lifecycle for the single managed
// position: entry submission and confirmation, protective stop, take-profit
// ladder, monitoring and the idempotent fail-safe flatten. It drives a
// strict state machine; the invariant it protects is that a confirmed
// position is never left without a working stop.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/jlindqvist/perpbot/internal/domain"
	"github.com/jlindqvist/perpbot/internal/journal"
)

// State is the sequencer's lifecycle state.
type State string

const (
	StateIdle           State = "IDLE"
	StateEntrySubmitted State = "ENTRY_SUBMITTED"
	StateEntryConfirmed State = "ENTRY_CONFIRMED"
	StateProtected      State = "PROTECTED"
	StateMonitoring     State = "MONITORING"
	StateClosing        State = "CLOSING"
	StateClosed         State = "CLOSED"
	StateFailed         State = "FAILED"
)

// Config holds the execution parameters.
type Config struct {
	// EntryOffset makes the entry limit marketable: long entries are
	// priced above the signal price by this fraction, shorts below.
	EntryOffset float64

	// MinFillRatio is the fraction of the requested quantity that must
	// fill before the entry is accepted; anything less is cancelled and
	// any partial fill is flattened.
	MinFillRatio float64

	MaxStatusPolls int
	PollMinWait    time.Duration
	PollMaxWait    time.Duration

	// TPRetryLimit bounds how many ticks a failed take-profit leg is
	// retried before it is abandoned (the stop still protects).
	TPRetryLimit int

	LotStep float64
}

// Defaults returns the standard execution parameters.
func Defaults() Config {
	return Config{
		EntryOffset:    0.001,
		MinFillRatio:   0.9,
		MaxStatusPolls: 20,
		PollMinWait:    250 * time.Millisecond,
		PollMaxWait:    4 * time.Second,
		TPRetryLimit:   3,
		LotStep:        0.001,
	}
}

// ClosedFunc is called once per completed trade with its final record.
type ClosedFunc func(ctx context.Context, rec domain.TradeRecord)

// Sequencer executes one position at a time. It is not safe for concurrent
// use; the pipeline serializes all calls.
type Sequencer struct {
	cfg     Config
	gateway domain.ExchangeGateway
	journal *journal.Journal
	logger  *slog.Logger

	onClosed ClosedFunc
	now      func() time.Time

	state State
	sig   domain.TradeSignal
	pos   *domain.Position

	tpRetries []int

	realizedPnL  float64
	exitQty      float64
	exitNotional float64
}

// New creates a Sequencer in the IDLE state.
func New(cfg Config, gateway domain.ExchangeGateway, jrnl *journal.Journal, onClosed ClosedFunc, logger *slog.Logger) *Sequencer {
	return &Sequencer{
		cfg:      cfg,
		gateway:  gateway,
		journal:  jrnl,
		onClosed: onClosed,
		logger:   logger.With(slog.String("component", "order_sequencer")),
		now:      time.Now,
		state:    StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Sequencer) State() State {
	return s.state
}

// PositionOpen reports whether a position (or in-flight entry) exists.
// While true, no new signal may be executed.
func (s *Sequencer) PositionOpen() bool {
	switch s.state {
	case StateEntrySubmitted, StateEntryConfirmed, StateProtected, StateMonitoring, StateClosing:
		return true
	}
	return false
}

// Position returns the managed position, or nil.
func (s *Sequencer) Position() *domain.Position {
	return s.pos
}

// Execute runs the entry sequence for an approved signal: submit the entry
// limit, confirm the fill, place the stop, then the take-profit ladder.
// It blocks until the position is protected and monitored, or until the
// attempt has failed with the account flat again. Rejections and
// underfills are handled internally and journaled; only infrastructure
// failures surface as errors.
func (s *Sequencer) Execute(ctx context.Context, sig domain.TradeSignal, qty float64) error {
	if s.PositionOpen() {
		return domain.ErrPositionOpen
	}
	if qty <= 0 {
		return fmt.Errorf("sequencer: %w: non-positive quantity", domain.ErrInvalidOrder)
	}

	s.reset()
	s.sig = sig

	entry, done, err := s.submitEntry(ctx, sig, qty)
	if err != nil || done {
		return err
	}

	if err := s.protect(ctx, sig, entry); err != nil {
		return err
	}
	if s.state != StateProtected {
		// Stop placement failed; the account is flat again.
		return nil
	}

	s.placeLadder(ctx)
	s.transition(StateMonitoring)
	return nil
}

// submitEntry places the entry limit order and confirms the fill. done is
// true when the attempt terminated without an open position (rejection,
// underfill), with the account left flat.
func (s *Sequencer) submitEntry(ctx context.Context, sig domain.TradeSignal, qty float64) (domain.Order, bool, error) {
	price := sig.EntryPrice * (1 + s.cfg.EntryOffset)
	if sig.Side == domain.SideShort {
		price = sig.EntryPrice * (1 - s.cfg.EntryOffset)
	}

	s.transition(StateEntrySubmitted)

	order, err := s.gateway.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:        sig.Symbol,
		Side:          domain.EntrySide(sig.Side),
		Type:          domain.OrderTypeLimit,
		Quantity:      qty,
		Price:         price,
		ClientOrderID: sig.ID,
	})
	if err != nil {
		s.journal.Order(ctx, "entry_rejected", map[string]any{
			"signal_id": sig.ID,
			"error":     err.Error(),
		})
		s.transition(StateFailed)
		return domain.Order{}, true, nil
	}

	s.journal.Order(ctx, "entry_submitted", map[string]any{
		"signal_id": sig.ID,
		"order_id":  order.ID,
		"price":     price,
		"quantity":  qty,
	})

	order, err = s.awaitEntry(ctx, order)
	if err != nil {
		// Shutdown or venue unreachable mid-entry: leave nothing behind.
		s.abortEntry(ctx, order, "entry confirmation interrupted")
		return domain.Order{}, true, err
	}

	switch {
	case order.Status == domain.OrderStatusRejected || order.Status == domain.OrderStatusExpired:
		s.journal.Order(ctx, "entry_rejected", map[string]any{
			"signal_id": sig.ID,
			"order_id":  order.ID,
			"status":    string(order.Status),
		})
		s.transition(StateFailed)
		return domain.Order{}, true, nil

	case order.Status == domain.OrderStatusFilled:
		return order, false, nil

	case order.FillRatio() >= s.cfg.MinFillRatio:
		// Sufficiently partial: accept what filled, cancel the rest.
		if err := s.cancelQuiet(ctx, sig.Symbol, order.ID); err != nil {
			s.logger.Warn("remainder cancel failed", slog.String("order_id", order.ID), slog.String("error", err.Error()))
		}
		s.journal.Order(ctx, "entry_partial_accepted", map[string]any{
			"order_id": order.ID,
			"filled":   order.ExecutedQty,
			"ratio":    order.FillRatio(),
		})
		return order, false, nil

	default:
		s.abortEntry(ctx, order, "entry underfilled")
		return domain.Order{}, true, nil
	}
}

// awaitEntry polls the entry order with backoff until it reaches a terminal
// status or the poll budget is spent, returning the last observed state.
func (s *Sequencer) awaitEntry(ctx context.Context, order domain.Order) (domain.Order, error) {
	if order.Status.Terminal() {
		return order, nil
	}

	b := &backoff.Backoff{
		Min:    s.cfg.PollMinWait,
		Max:    s.cfg.PollMaxWait,
		Factor: 2,
	}

	for i := 0; i < s.cfg.MaxStatusPolls; i++ {
		if err := sleep(ctx, b.Duration()); err != nil {
			return order, err
		}
		o, err := s.gateway.GetOrder(ctx, order.Symbol, order.ID)
		if err != nil {
			s.logger.Warn("entry status poll failed",
				slog.String("order_id", order.ID),
				slog.String("error", err.Error()))
			continue
		}
		order = o
		if order.Status.Terminal() {
			return order, nil
		}
	}
	return order, nil
}

// abortEntry cancels a not-accepted entry and flattens whatever partial
// quantity already filled, ending in FAILED with the account flat.
func (s *Sequencer) abortEntry(ctx context.Context, order domain.Order, reason string) {
	if order.ID != "" && !order.Status.Terminal() {
		if err := s.cancelQuiet(ctx, order.Symbol, order.ID); err != nil {
			s.logger.Error("entry cancel failed", slog.String("order_id", order.ID), slog.String("error", err.Error()))
		}
		if o, err := s.gateway.GetOrder(ctx, order.Symbol, order.ID); err == nil {
			order = o
		}
	}

	if order.ExecutedQty > 0 {
		s.journal.Failsafe(ctx, reason, map[string]any{
			"order_id": order.ID,
			"filled":   order.ExecutedQty,
		})
		s.marketClose(ctx, order.Symbol, domain.ExitSide(s.sig.Side), order.ExecutedQty)
	} else {
		s.journal.Order(ctx, "entry_aborted", map[string]any{
			"order_id": order.ID,
			"reason":   reason,
		})
	}
	s.transition(StateFailed)
}

// protect builds the position from the confirmed fill and places the
// protective stop. A stop failure flattens immediately: the position must
// never sit unprotected.
func (s *Sequencer) protect(ctx context.Context, sig domain.TradeSignal, entry domain.Order) error {
	s.transition(StateEntryConfirmed)

	fillPrice := entry.AvgFillPrice
	if fillPrice <= 0 {
		fillPrice = entry.Price
	}

	s.journal.Order(ctx, "entry_confirmed", map[string]any{
		"order_id": entry.ID,
		"filled":   entry.ExecutedQty,
		"avg_fill": fillPrice,
	})

	pos := &domain.Position{
		ID:           uuid.NewString(),
		Symbol:       sig.Symbol,
		Strategy:     sig.Strategy,
		Side:         sig.Side,
		EntryPrice:   fillPrice,
		Quantity:     entry.ExecutedQty,
		RemainingQty: entry.ExecutedQty,
		StopPrice:    sig.StopPrice,
		Extreme:      fillPrice,
		MaxHold:      sig.MaxHold,
		OpenedAt:     s.now(),
	}

	stop, err := s.gateway.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:     sig.Symbol,
		Side:       domain.ExitSide(sig.Side),
		Type:       domain.OrderTypeStopMarket,
		Quantity:   pos.Quantity,
		StopPrice:  sig.StopPrice,
		ReduceOnly: true,
	})
	if err != nil {
		s.journal.Failsafe(ctx, "stop placement failed", map[string]any{
			"position_id": pos.ID,
			"error":       err.Error(),
		})
		s.marketClose(ctx, sig.Symbol, domain.ExitSide(sig.Side), pos.Quantity)
		s.transition(StateFailed)
		return nil
	}
	pos.StopOrderID = stop.ID

	s.pos = pos
	s.transition(StateProtected)

	s.journal.Order(ctx, "stop_placed", map[string]any{
		"position_id": pos.ID,
		"order_id":    stop.ID,
		"stop":        sig.StopPrice,
		"quantity":    pos.Quantity,
	})
	s.journal.PositionOpened(ctx, *pos)
	return nil
}

// placeLadder resolves and places the take-profit legs. Leg placement
// failures are tolerated here; OnTick retries them while the stop holds.
func (s *Sequencer) placeLadder(ctx context.Context) {
	pos := s.pos
	risk := math.Abs(pos.EntryPrice - pos.StopPrice)

	for _, lvl := range s.sig.TakeProfits {
		price := pos.EntryPrice + lvl.RMultiple*risk
		if pos.Side == domain.SideShort {
			price = pos.EntryPrice - lvl.RMultiple*risk
		}
		qty := roundDownStep(pos.Quantity*lvl.ClosePct, s.cfg.LotStep)
		if qty <= 0 {
			continue
		}
		pos.TakeProfits = append(pos.TakeProfits, domain.TPLeg{
			Level:    lvl,
			Price:    price,
			Quantity: qty,
		})
	}
	s.tpRetries = make([]int, len(pos.TakeProfits))

	for i := range pos.TakeProfits {
		s.placeTPLeg(ctx, i)
	}
}

func (s *Sequencer) placeTPLeg(ctx context.Context, i int) {
	pos := s.pos
	leg := &pos.TakeProfits[i]

	order, err := s.gateway.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       domain.ExitSide(pos.Side),
		Type:       domain.OrderTypeTakeProfitMarket,
		Quantity:   leg.Quantity,
		StopPrice:  leg.Price,
		ReduceOnly: true,
	})
	if err != nil {
		s.tpRetries[i]++
		s.logger.Warn("take-profit leg placement failed",
			slog.Int("leg", i),
			slog.Int("attempts", s.tpRetries[i]),
			slog.String("error", err.Error()))
		return
	}
	leg.OrderID = order.ID
	s.journal.Order(ctx, "tp_placed", map[string]any{
		"position_id": pos.ID,
		"order_id":    order.ID,
		"leg":         i,
		"price":       leg.Price,
		"quantity":    leg.Quantity,
	})
}

// OnTick advances the monitoring loop: retries missing take-profit legs,
// checks stop and ladder fills, applies the trailing stop and enforces the
// maximum hold. price is the latest traded or marked price.
func (s *Sequencer) OnTick(ctx context.Context, price float64) error {
	if s.state != StateMonitoring || s.pos == nil {
		return nil
	}
	pos := s.pos

	if price > 0 {
		if pos.Side == domain.SideLong && price > pos.Extreme {
			pos.Extreme = price
		}
		if pos.Side == domain.SideShort && price < pos.Extreme {
			pos.Extreme = price
		}
	}

	// Retry take-profit legs that never made it out.
	for i := range pos.TakeProfits {
		leg := &pos.TakeProfits[i]
		if leg.OrderID == "" && !leg.Filled && s.tpRetries[i] < s.cfg.TPRetryLimit {
			s.placeTPLeg(ctx, i)
		}
	}

	if closed, err := s.checkStop(ctx); closed || err != nil {
		return err
	}
	if closed, err := s.checkLadder(ctx); closed || err != nil {
		return err
	}

	s.maybeTrail(ctx)

	if pos.HoldExpired(s.now()) {
		s.journal.Order(ctx, "max_hold_reached", map[string]any{
			"position_id": pos.ID,
			"held":        s.now().Sub(pos.OpenedAt).String(),
		})
		return s.close(ctx, "max_hold")
	}
	return nil
}

// checkStop polls the stop order. A filled stop closes the position; a
// stop that disappeared without filling triggers the fail-safe.
func (s *Sequencer) checkStop(ctx context.Context) (bool, error) {
	pos := s.pos
	o, err := s.gateway.GetOrder(ctx, pos.Symbol, pos.StopOrderID)
	if err != nil {
		s.logger.Warn("stop status poll failed",
			slog.String("order_id", pos.StopOrderID),
			slog.String("error", err.Error()))
		return false, nil
	}

	switch o.Status {
	case domain.OrderStatusFilled:
		s.realize(o.AvgFillPrice, pos.RemainingQty)
		pos.RemainingQty = 0
		pos.StopOrderID = ""
		s.cancelProtection(ctx)
		s.finalize(ctx, "stop_hit")
		return true, nil

	case domain.OrderStatusCancelled, domain.OrderStatusRejected, domain.OrderStatusExpired:
		// The protective stop is gone and we did not remove it.
		return true, s.Flatten(ctx, "stop order missing")
	}
	return false, nil
}

// checkLadder polls unfilled take-profit legs and books partial closes.
func (s *Sequencer) checkLadder(ctx context.Context) (bool, error) {
	pos := s.pos
	for i := range pos.TakeProfits {
		leg := &pos.TakeProfits[i]
		if leg.Filled || leg.OrderID == "" {
			continue
		}
		o, err := s.gateway.GetOrder(ctx, pos.Symbol, leg.OrderID)
		if err != nil {
			continue
		}
		if o.Status != domain.OrderStatusFilled {
			continue
		}

		leg.Filled = true
		fillQty := o.ExecutedQty
		if fillQty <= 0 {
			fillQty = leg.Quantity
		}
		s.realize(o.AvgFillPrice, fillQty)
		pos.RemainingQty -= fillQty
		if pos.RemainingQty < 0 {
			pos.RemainingQty = 0
		}

		s.journal.Order(ctx, "tp_filled", map[string]any{
			"position_id": pos.ID,
			"order_id":    leg.OrderID,
			"leg":         i,
			"quantity":    fillQty,
			"remaining":   pos.RemainingQty,
		})
	}

	if pos.RemainingQty <= s.cfg.LotStep/2 {
		s.cancelProtection(ctx)
		s.finalize(ctx, "take_profit")
		return true, nil
	}
	return false, nil
}

// maybeTrail ratchets the stop behind the favourable extreme once the
// whole ladder has filled, for signals that asked for it.
func (s *Sequencer) maybeTrail(ctx context.Context) {
	pos := s.pos
	if !s.sig.TrailingStop || len(pos.TakeProfits) == 0 {
		return
	}
	for _, leg := range pos.TakeProfits {
		if !leg.Filled {
			return
		}
	}

	var candidate float64
	improves := false
	if pos.Side == domain.SideLong {
		candidate = pos.Extreme * (1 - s.sig.TrailingOffset)
		improves = candidate > pos.StopPrice
	} else {
		candidate = pos.Extreme * (1 + s.sig.TrailingOffset)
		improves = candidate < pos.StopPrice
	}
	if !improves {
		return
	}

	stop, err := s.gateway.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       domain.ExitSide(pos.Side),
		Type:       domain.OrderTypeStopMarket,
		Quantity:   pos.RemainingQty,
		StopPrice:  candidate,
		ReduceOnly: true,
	})
	if err != nil {
		s.logger.Warn("trailing stop placement failed", slog.String("error", err.Error()))
		return
	}

	old := pos.StopOrderID
	pos.StopOrderID = stop.ID
	pos.StopPrice = candidate
	if err := s.cancelQuiet(ctx, pos.Symbol, old); err != nil {
		s.logger.Warn("old stop cancel failed", slog.String("order_id", old), slog.String("error", err.Error()))
	}

	s.journal.Order(ctx, "stop_trailed", map[string]any{
		"position_id": pos.ID,
		"order_id":    stop.ID,
		"stop":        candidate,
	})
}

// close cancels protection and exits the remaining quantity at market.
func (s *Sequencer) close(ctx context.Context, reason string) error {
	pos := s.pos
	s.transition(StateClosing)
	s.cancelProtection(ctx)

	if pos.RemainingQty > 0 {
		exit := s.marketClose(ctx, pos.Symbol, domain.ExitSide(pos.Side), pos.RemainingQty)
		if exit > 0 {
			s.realize(exit, pos.RemainingQty)
		} else {
			s.realize(pos.EntryPrice, pos.RemainingQty)
		}
		pos.RemainingQty = 0
	}
	s.finalize(ctx, reason)
	return nil
}

// Flatten is the idempotent fail-safe: cancel every known live order and
// market-close any remaining quantity. It is safe to call from any state,
// including when already flat, and is the path used by shutdown and by
// every unrecoverable mid-sequence failure.
func (s *Sequencer) Flatten(ctx context.Context, reason string) error {
	switch s.state {
	case StateIdle, StateClosed, StateFailed:
		return nil
	}
	if s.pos == nil {
		// Entry in flight but nothing confirmed; Execute's own abort path
		// handles the live order. Nothing else to do here.
		s.transition(StateFailed)
		return nil
	}

	s.journal.Failsafe(ctx, reason, map[string]any{
		"position_id": s.pos.ID,
		"remaining":   s.pos.RemainingQty,
	})
	return s.close(ctx, reason)
}

// cancelProtection cancels the stop and all unfilled take-profit legs,
// ignoring orders the venue no longer knows.
func (s *Sequencer) cancelProtection(ctx context.Context) {
	pos := s.pos
	if pos.StopOrderID != "" {
		if err := s.cancelQuiet(ctx, pos.Symbol, pos.StopOrderID); err != nil {
			s.logger.Warn("stop cancel failed", slog.String("order_id", pos.StopOrderID), slog.String("error", err.Error()))
		}
	}
	for _, leg := range pos.TakeProfits {
		if leg.Filled || leg.OrderID == "" {
			continue
		}
		if err := s.cancelQuiet(ctx, pos.Symbol, leg.OrderID); err != nil {
			s.logger.Warn("tp cancel failed", slog.String("order_id", leg.OrderID), slog.String("error", err.Error()))
		}
	}
}

// marketClose submits a reduce-only market order and returns the average
// fill price, or 0 when it could not be determined.
func (s *Sequencer) marketClose(ctx context.Context, symbol string, side domain.OrderSide, qty float64) float64 {
	order, err := s.gateway.PlaceOrder(ctx, domain.OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       domain.OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: true,
	})
	if err != nil {
		// Nothing more the sequencer can do; scream and leave resolution
		// to the operator.
		s.logger.Error("market close failed",
			slog.String("symbol", symbol),
			slog.Float64("quantity", qty),
			slog.String("error", err.Error()))
		s.journal.Failsafe(ctx, "market close failed", map[string]any{
			"symbol":   symbol,
			"quantity": qty,
			"error":    err.Error(),
		})
		return 0
	}

	if !order.Status.Terminal() {
		if o, err := s.gateway.GetOrder(ctx, symbol, order.ID); err == nil {
			order = o
		}
	}
	s.journal.Order(ctx, "market_closed", map[string]any{
		"order_id": order.ID,
		"quantity": qty,
		"avg_fill": order.AvgFillPrice,
	})
	return order.AvgFillPrice
}

// realize books a partial or full exit into the PnL accumulators.
func (s *Sequencer) realize(exitPrice, qty float64) {
	if qty <= 0 {
		return
	}
	if exitPrice <= 0 {
		exitPrice = s.pos.EntryPrice
	}
	dir := 1.0
	if s.pos.Side == domain.SideShort {
		dir = -1.0
	}
	s.realizedPnL += (exitPrice - s.pos.EntryPrice) * qty * dir
	s.exitQty += qty
	s.exitNotional += exitPrice * qty
}

// finalize emits exactly one trade record for the completed trade and
// returns to a state from which a new signal may execute.
func (s *Sequencer) finalize(ctx context.Context, reason string) {
	pos := s.pos

	exitPrice := pos.EntryPrice
	if s.exitQty > 0 {
		exitPrice = s.exitNotional / s.exitQty
	}

	rec := domain.TradeRecord{
		ID:         pos.ID,
		Symbol:     pos.Symbol,
		Strategy:   pos.Strategy,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		StopPrice:  pos.StopPrice,
		Quantity:   pos.Quantity,
		ExitPrice:  exitPrice,
		PnL:        s.realizedPnL,
		ExitReason: reason,
		OpenedAt:   pos.OpenedAt,
		ClosedAt:   s.now(),
	}

	s.journal.TradeClosed(ctx, rec)
	if s.onClosed != nil {
		s.onClosed(ctx, rec)
	}

	s.pos = nil
	s.transition(StateClosed)
}

func (s *Sequencer) reset() {
	s.pos = nil
	s.tpRetries = nil
	s.realizedPnL = 0
	s.exitQty = 0
	s.exitNotional = 0
	s.state = StateIdle
}

func (s *Sequencer) transition(next State) {
	if s.state == next {
		return
	}
	s.logger.Debug("state transition",
		slog.String("from", string(s.state)),
		slog.String("to", string(next)))
	s.state = next
}

func (s *Sequencer) cancelQuiet(ctx context.Context, symbol, orderID string) error {
	err := s.gateway.CancelOrder(ctx, symbol, orderID)
	if err == nil || errors.Is(err, domain.ErrOrderUnknown) {
		return nil
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func roundDownStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step+1e-9) * step
}
