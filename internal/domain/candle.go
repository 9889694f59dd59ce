// Package domain holds the shared types and interfaces used across the bot:
// market data, indicator snapshots, signals, orders, positions and the store
// and gateway contracts that infrastructure packages implement.
package domain

import "time"

// Timeframe identifies a candle interval.
type Timeframe string

const (
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
)

// Candle is a single closed OHLCV bar.
type Candle struct {
	Symbol    string
	Timeframe Timeframe
	OpenTime  time.Time
	CloseTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// TypicalPrice returns (high+low+close)/3.
func (c Candle) TypicalPrice() float64 {
	return (c.High + c.Low + c.Close) / 3
}
