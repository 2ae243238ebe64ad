// Package attributes holds the user and device attributes audience rules are
// evaluated against, plus the occurrence log behind computed properties and
// rule occurrence limits.
package attributes

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/rafaeljc/tollgate/internal/storage"
)

// maxLogEntries bounds the timestamps kept per log; older entries are
// dropped first. Total keeps counting past the bound.
const maxLogEntries = 1000

// occurrenceLog is the persisted form of one occurrence log.
type occurrenceLog struct {
	Total  int         `json:"total"`
	Recent []time.Time `json:"recent"`
}

// Store is safe for concurrent use. Attribute maps are guarded by a RWMutex;
// occurrence logs are read-modify-write cycles serialized per key.
type Store struct {
	store  storage.Store
	logger *slog.Logger
	locks  *keyedMutex

	mu     sync.RWMutex
	user   map[string]any
	device map[string]any
}

// NewStore creates an attribute store over the persistence collaborator.
// device holds the static device attributes (locale, os version, ...).
func NewStore(store storage.Store, device map[string]any, logger *slog.Logger) *Store {
	if store == nil {
		panic("attributes: storage cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		store:  store,
		logger: logger,
		locks:  newKeyedMutex(),
		user:   make(map[string]any),
		device: maps.Clone(device),
	}
}

// Load restores persisted user attributes. Missing data is not an error.
func (s *Store) Load(ctx context.Context) error {
	var persisted map[string]any
	found, err := storage.GetJSON(ctx, s.store, storage.KeyUserAttributes, &persisted)
	if err != nil {
		return fmt.Errorf("failed to load user attributes: %w", err)
	}
	if !found {
		return nil
	}

	s.mu.Lock()
	s.user = persisted
	s.mu.Unlock()
	return nil
}

// UserAttributes returns a copy of the current user attributes.
func (s *Store) UserAttributes() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.user)
}

// DeviceAttributes returns a copy of the current device attributes.
func (s *Store) DeviceAttributes() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.device)
}

// MergeUserAttributes merges attrs into the user attributes and persists them.
// A nil value removes the key.
func (s *Store) MergeUserAttributes(ctx context.Context, attrs map[string]any) error {
	s.mu.Lock()
	for k, v := range attrs {
		if v == nil {
			delete(s.user, k)
			continue
		}
		s.user[k] = v
	}
	snapshot := maps.Clone(s.user)
	s.mu.Unlock()

	if err := storage.SetJSON(ctx, s.store, storage.KeyUserAttributes, snapshot); err != nil {
		return fmt.Errorf("failed to persist user attributes: %w", err)
	}
	return nil
}

// SetDeviceAttribute updates one device attribute in memory.
func (s *Store) SetDeviceAttribute(key string, value any) {
	s.mu.Lock()
	s.device[key] = value
	s.mu.Unlock()
}

// ResetUser clears user attributes in memory and in storage.
func (s *Store) ResetUser(ctx context.Context) error {
	s.mu.Lock()
	s.user = make(map[string]any)
	s.mu.Unlock()

	return s.store.Delete(ctx, storage.KeyUserAttributes)
}

// PlacementOccurrences returns the most recent occurrences of the placement,
// oldest first.
func (s *Store) PlacementOccurrences(ctx context.Context, name string) ([]time.Time, error) {
	log, err := s.readLog(ctx, storage.PlacementOccurrencesKey(name))
	if err != nil {
		return nil, err
	}
	return log.Recent, nil
}

// PlacementCount returns how many times the placement occurred since install.
func (s *Store) PlacementCount(ctx context.Context, name string) (int, error) {
	log, err := s.readLog(ctx, storage.PlacementOccurrencesKey(name))
	if err != nil {
		return 0, err
	}
	return log.Total, nil
}

// RecordPlacement appends one occurrence of the placement.
func (s *Store) RecordPlacement(ctx context.Context, name string, at time.Time) error {
	return s.appendLog(ctx, storage.PlacementOccurrencesKey(name), at)
}

// CountRuleOccurrences counts rule occurrences at or after since.
// A zero since counts every occurrence ever recorded.
func (s *Store) CountRuleOccurrences(ctx context.Context, key string, since time.Time) (int, error) {
	log, err := s.readLog(ctx, storage.RuleOccurrencesKey(key))
	if err != nil {
		return 0, err
	}
	if since.IsZero() {
		return log.Total, nil
	}
	return countSince(log.Recent, since), nil
}

// RecordRuleOccurrence appends one occurrence for the rule limit key.
func (s *Store) RecordRuleOccurrence(ctx context.Context, key string, at time.Time) error {
	return s.appendLog(ctx, storage.RuleOccurrencesKey(key), at)
}

func (s *Store) readLog(ctx context.Context, key string) (occurrenceLog, error) {
	var log occurrenceLog
	if _, err := storage.GetJSON(ctx, s.store, key, &log); err != nil {
		return occurrenceLog{}, fmt.Errorf("failed to read occurrence log: %w", err)
	}
	return log, nil
}

func (s *Store) appendLog(ctx context.Context, key string, at time.Time) error {
	unlock := s.locks.Lock(key)
	defer unlock()

	log, err := s.readLog(ctx, key)
	if err != nil {
		return err
	}

	log.Total++
	log.Recent = append(log.Recent, at.UTC())
	if len(log.Recent) > maxLogEntries {
		log.Recent = log.Recent[len(log.Recent)-maxLogEntries:]
	}

	if err := storage.SetJSON(ctx, s.store, key, log); err != nil {
		return fmt.Errorf("failed to write occurrence log: %w", err)
	}

	s.logger.Debug("occurrence recorded", slog.String("key", key), slog.Int("total", log.Total))
	return nil
}

func countSince(log []time.Time, since time.Time) int {
	n := 0
	for _, t := range log {
		if !t.Before(since) {
			n++
		}
	}
	return n
}
