package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrOrderUnknown        = errors.New("order unknown to venue")
	ErrInsufficientHistory = errors.New("insufficient candle history")
	ErrPositionOpen        = errors.New("position already open")
	ErrFeedStale           = errors.New("market feed stale")
	ErrInvalidOrder        = errors.New("invalid order parameters")
	ErrWSDisconnect        = errors.New("websocket disconnected")
)
