package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jlindqvist/perpbot/internal/domain"
)

// riskStateTTL keeps stale day keys from accumulating. Two days covers any
// restart that straddles the UTC rollover.
const riskStateTTL = 48 * time.Hour

// RiskStateStore implements domain.RiskStateStore with one JSON value per
// UTC day key.
type RiskStateStore struct {
	rdb *redis.Client
}

// NewRiskStateStore creates a RiskStateStore on the given client.
func NewRiskStateStore(client *Client) *RiskStateStore {
	return &RiskStateStore{rdb: client.Underlying()}
}

func riskStateKey(day string) string {
	return "perpbot:risk:day:" + day
}

// Load returns the stored state for the day key and whether it existed.
func (s *RiskStateStore) Load(ctx context.Context, day string) (domain.RiskDayState, bool, error) {
	data, err := s.rdb.Get(ctx, riskStateKey(day)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.RiskDayState{}, false, nil
	}
	if err != nil {
		return domain.RiskDayState{}, false, fmt.Errorf("redis: load risk state %s: %w", day, err)
	}

	var state domain.RiskDayState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.RiskDayState{}, false, fmt.Errorf("redis: decode risk state %s: %w", day, err)
	}
	return state, true, nil
}

// Save writes the day's state, refreshing the expiry.
func (s *RiskStateStore) Save(ctx context.Context, state domain.RiskDayState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis: encode risk state %s: %w", state.Date, err)
	}

	if err := s.rdb.Set(ctx, riskStateKey(state.Date), data, riskStateTTL).Err(); err != nil {
		return fmt.Errorf("redis: save risk state %s: %w", state.Date, err)
	}
	return nil
}
