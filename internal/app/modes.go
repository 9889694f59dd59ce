package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jlindqvist/perpbot/internal/domain"
	"github.com/jlindqvist/perpbot/internal/feed"
	"github.com/jlindqvist/perpbot/internal/indicator"
	"github.com/jlindqvist/perpbot/internal/journal"
	"github.com/jlindqvist/perpbot/internal/marketstate"
	"github.com/jlindqvist/perpbot/internal/pipeline"
	"github.com/jlindqvist/perpbot/internal/risk"
	"github.com/jlindqvist/perpbot/internal/sequencer"
	"github.com/jlindqvist/perpbot/internal/strategy"
)

// runPipeline builds the trading stack, seeds the indicator windows from
// venue history and runs the feed and pipeline until the context is
// cancelled. Trade and monitor modes differ only in whether approved
// decisions reach the sequencer.
func (a *App) runPipeline(ctx context.Context, deps *Dependencies, mode pipeline.Mode) error {
	symbol := a.cfg.Exchange.Symbol
	logger := a.logger

	jrnl := journal.New(deps.AuditStore, deps.TradeStore, deps.Notifier, logger)

	rcfg := risk.Defaults()
	rcfg.PerTradeRisk = a.cfg.Risk.PerTradeRisk
	rcfg.MaxPositionRisk = a.cfg.Risk.MaxPositionRisk
	rcfg.MaxDailyDrawdown = a.cfg.Risk.MaxDailyDrawdown
	rcfg.MaxTradesPerDay = a.cfg.Risk.MaxTradesPerDay
	rcfg.FundingGuard = a.cfg.Risk.FundingGuard
	rcfg.LotStep = deps.Gateway.StepSize()
	rcfg.MinQty = max(a.cfg.Risk.MinQty, deps.Gateway.MinQty())
	rcfg.MaxQty = a.cfg.Risk.MaxQty
	rcfg.Leverage = float64(a.cfg.Exchange.Leverage)
	gate := risk.New(rcfg, deps.Gateway, deps.RiskStore, logger)

	scfg := sequencer.Defaults()
	scfg.EntryOffset = a.cfg.Execution.EntryOffset
	scfg.MinFillRatio = a.cfg.Execution.MinFillRatio
	scfg.MaxStatusPolls = a.cfg.Execution.MaxStatusPolls
	scfg.PollMinWait = a.cfg.Execution.PollMinWait.Duration
	scfg.PollMaxWait = a.cfg.Execution.PollMaxWait.Duration
	scfg.TPRetryLimit = a.cfg.Execution.TPRetryLimit
	scfg.LotStep = deps.Gateway.StepSize()
	seq := sequencer.New(scfg, deps.Gateway, jrnl, func(ctx context.Context, rec domain.TradeRecord) {
		gate.RecordTrade(ctx, rec.PnL)
	}, logger)

	reg := strategy.NewRegistry()
	if a.cfg.Strategy.OverheatShort.Enabled {
		ocfg := strategy.OverheatShortDefaults()
		ocfg.MinTriggers = a.cfg.Strategy.OverheatShort.MinTriggers
		ocfg.DepthDropThreshold = a.cfg.Strategy.OverheatShort.DepthDropThreshold
		ocfg.StopOffset = a.cfg.Strategy.OverheatShort.StopOffset
		ocfg.MaxHold = a.cfg.Strategy.OverheatShort.MaxHold.Duration
		reg.Register(strategy.NewOverheatShort(ocfg, logger))
	}
	if a.cfg.Strategy.TrendLong.Enabled {
		tcfg := strategy.TrendLongDefaults()
		tcfg.PullbackTolerance = a.cfg.Strategy.TrendLong.PullbackTolerance
		tcfg.BreakoutVolRatio = a.cfg.Strategy.TrendLong.BreakoutVolRatio
		tcfg.StopOffset = a.cfg.Strategy.TrendLong.StopOffset
		tcfg.TrailingOffset = a.cfg.Strategy.TrendLong.TrailingOffset
		tcfg.MaxHold = a.cfg.Strategy.TrendLong.MaxHold.Duration
		reg.Register(strategy.NewTrendLong(tcfg, logger))
	}

	icfg := indicator.Defaults()
	engine := indicator.New(symbol, icfg, logger)

	pipe := pipeline.New(symbol, mode,
		engine,
		marketstate.New(marketstate.Defaults(), logger),
		reg, gate, seq, jrnl, logger)

	if err := a.seed(ctx, deps, pipe, icfg.WindowSize); err != nil {
		return err
	}

	fcfg := feed.Defaults()
	fcfg.URL = a.cfg.Feed.WsURL
	fcfg.Symbol = symbol
	fcfg.StaleAfter = a.cfg.Feed.StaleAfter.Duration
	fcfg.Buffer = a.cfg.Feed.Buffer
	f := feed.New(fcfg, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return f.Run(ctx)
	})
	g.Go(func() error {
		return pipe.Run(ctx, f.Events())
	})
	if deps.Archiver != nil {
		g.Go(func() error {
			return a.archiveLoop(ctx, deps.Archiver)
		})
	}

	return g.Wait()
}

// seed backfills the indicator windows with closed candles from the venue,
// 15m first so both timeframes are in chronological order.
func (a *App) seed(ctx context.Context, deps *Dependencies, pipe *pipeline.Pipeline, window int) error {
	c15, err := deps.Gateway.Klines(ctx, domain.Timeframe15m, window)
	if err != nil {
		return fmt.Errorf("app: seed 15m history: %w", err)
	}
	c5, err := deps.Gateway.Klines(ctx, domain.Timeframe5m, window)
	if err != nil {
		return fmt.Errorf("app: seed 5m history: %w", err)
	}
	pipe.Seed(append(c15, c5...))
	return nil
}

// archiveLoop periodically moves aged trades and audit entries to object
// storage.
func (a *App) archiveLoop(ctx context.Context, archiver domain.Archiver) error {
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)
			if _, err := archiver.ArchiveTrades(ctx, cutoff); err != nil {
				a.logger.Error("trade archive failed", slog.String("error", err.Error()))
			}
			if _, err := archiver.ArchiveAudit(ctx, cutoff); err != nil {
				a.logger.Error("audit archive failed", slog.String("error", err.Error()))
			}
		}
	}
}
