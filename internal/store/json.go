package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrDecode marks a stored value that could not be decoded. Backend read
// failures are never wrapped with it.
var ErrDecode = errors.New("store: undecodable value")

// GetJSON loads the value under key and decodes it into a T.
// The boolean is false when the key is missing; err is set only for backend
// or decode failures, the latter wrapping ErrDecode.
func GetJSON[T any](st Store, key string) (T, bool, error) {
	var v T
	raw, err := st.Get(key)
	if errors.Is(err, ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("%w: %s: %v", ErrDecode, key, err)
	}
	return v, true, nil
}

// JSONOp encodes v into a SetOp for key.
func JSONOp(key string, v any) (Op, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Op{}, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return SetOp(key, raw), nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(st Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := st.Set(key, raw); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}
