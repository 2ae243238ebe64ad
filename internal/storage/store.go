// Package storage persists SDK state that must survive restarts: variant
// assignments, placement occurrences, identity, entitlement status and the
// last known campaign. Backends are plain key/value stores.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rafaeljc/tollgate/internal/observability"
)

// ErrNotFound is returned by Get when the key has never been written
// or was deleted.
var ErrNotFound = errors.New("storage: key not found")

// Well-known keys. Values are JSON documents.
const (
	KeyAssignments        = "assignments"
	KeyConfirmQueue       = "assignments:confirm_queue"
	KeyIdentity           = "identity"
	KeyUserAttributes     = "user_attributes"
	KeySubscriptionStatus = "subscription_status"
	KeyCampaign           = "campaign"
)

// PlacementOccurrencesKey is the key for the occurrence log of one placement.
func PlacementOccurrencesKey(placement string) string {
	return "occurrences:placement:" + placement
}

// RuleOccurrencesKey is the key for the occurrence log of one rule limit.
func RuleOccurrencesKey(key string) string {
	return "occurrences:rule:" + key
}

// Store is the persistence contract used by every stateful component.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the stored value or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set creates or replaces the value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// GetJSON decodes the value stored at key into dst.
// It returns false without error when the key does not exist.
func GetJSON(ctx context.Context, s Store, key string, dst any) (bool, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// record counts one storage operation.
func record(backend, op string, err error) {
	status := "success"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "fail"
	}
	observability.StorageOperationsTotal.WithLabelValues(backend, op, status).Inc()
}
