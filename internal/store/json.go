package store

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// LoadJSON decodes the JSON value stored under key.
func LoadJSON[T any](ctx context.Context, s *Store, key string) (T, bool, error) {
	var value T
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return value, ok, err
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return value, true, nil
}

// SaveJSON encodes value as JSON and stores it under key.
func SaveJSON[T any](ctx context.Context, s *Store, key string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// ModifyJSON runs a typed read-modify-write of key. A stored value that no
// longer decodes is treated as absent so a corrupt entry cannot wedge callers.
func ModifyJSON[T any](ctx context.Context, s *Store, key string, fn func(current T, exists bool) (T, bool, error)) error {
	return s.Update(ctx, key, func(raw []byte, exists bool) ([]byte, bool, error) {
		var current T
		if exists {
			if err := json.Unmarshal(raw, &current); err != nil {
				s.logger.Warn("discarding undecodable store value", zap.String("key", key), zap.Error(err))
				var zero T
				current = zero
				exists = false
			}
		}
		next, keep, err := fn(current, exists)
		if err != nil || !keep {
			return nil, false, err
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return nil, false, fmt.Errorf("store: encode %s: %w", key, err)
		}
		return encoded, true, nil
	})
}
