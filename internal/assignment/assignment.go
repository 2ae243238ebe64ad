// Package assignment stores which variant each experiment resolved to and
// confirms locally drawn assignments with the backend.
//
// A drawn assignment starts unconfirmed and is queued for confirmation.
// Once the Confirmer accepts it, it is persisted as confirmed and reused for
// as long as the experiment keeps the variant.
package assignment

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rafaeljc/tollgate/internal/observability"
	"github.com/rafaeljc/tollgate/internal/storage"
)

// Assignment maps one experiment to the variant the user was assigned.
type Assignment struct {
	ExperimentID string    `json:"experiment_id"`
	VariantID    string    `json:"variant_id"`
	Confirmed    bool      `json:"confirmed"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// Confirmer acknowledges assignments with the backend.
type Confirmer interface {
	Confirm(ctx context.Context, assignments []Assignment) error
}

// Store is the assignment repository. It is safe for concurrent use.
type Store struct {
	logger    *slog.Logger
	store     storage.Store
	confirmer Confirmer

	mu          sync.Mutex
	assignments map[string]Assignment
	queue       []Assignment

	// flushMu serializes Flush so a slow Confirmer never sees the same batch twice.
	flushMu sync.Mutex
	// writeMu serializes persisted assignment writes. Memory only changes
	// once storage accepted the new map.
	writeMu sync.Mutex
	notify  chan struct{}
}

// NewStore creates an assignment store.
func NewStore(logger *slog.Logger, store storage.Store, confirmer Confirmer) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		panic("assignment: storage cannot be nil")
	}
	if confirmer == nil {
		panic("assignment: confirmer cannot be nil")
	}
	return &Store{
		logger:      logger,
		store:       store,
		confirmer:   confirmer,
		assignments: make(map[string]Assignment),
		notify:      make(chan struct{}, 1),
	}
}

// Load restores persisted assignments and the pending confirmation queue.
func (s *Store) Load(ctx context.Context) error {
	var persisted map[string]Assignment
	if _, err := storage.GetJSON(ctx, s.store, storage.KeyAssignments, &persisted); err != nil {
		return fmt.Errorf("failed to load assignments: %w", err)
	}
	var queue []Assignment
	if _, err := storage.GetJSON(ctx, s.store, storage.KeyConfirmQueue, &queue); err != nil {
		return fmt.Errorf("failed to load confirmation queue: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if persisted != nil {
		s.assignments = persisted
	}
	s.queue = queue
	observability.ConfirmQueueDepth.Set(float64(len(s.queue)))
	return nil
}

// Get returns the assignment for the experiment.
func (s *Store) Get(_ context.Context, experimentID string) (Assignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[experimentID]
	return a, ok
}

// All returns a copy of every assignment, keyed by experiment.
func (s *Store) All() map[string]Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.assignments)
}

// SetUnconfirmed records a locally drawn assignment. It replaces any previous
// assignment for the experiment, confirmed or not.
func (s *Store) SetUnconfirmed(ctx context.Context, a Assignment) error {
	a.Confirmed = false
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now().UTC()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	snapshot := maps.Clone(s.assignments)
	s.mu.Unlock()

	snapshot[a.ExperimentID] = a
	if err := s.persistAssignments(ctx, snapshot); err != nil {
		return err
	}

	s.mu.Lock()
	s.assignments[a.ExperimentID] = a
	s.mu.Unlock()
	return nil
}

// Enqueue queues an unconfirmed assignment for confirmation and wakes the
// flush loop. Queuing the same experiment twice keeps the latest variant.
func (s *Store) Enqueue(ctx context.Context, a Assignment) error {
	if a.Confirmed {
		return nil
	}

	s.mu.Lock()
	s.queue = slices.DeleteFunc(s.queue, func(q Assignment) bool { return q.ExperimentID == a.ExperimentID })
	s.queue = append(s.queue, a)
	queue := slices.Clone(s.queue)
	s.mu.Unlock()

	observability.ConfirmQueueDepth.Set(float64(len(queue)))

	if err := storage.SetJSON(ctx, s.store, storage.KeyConfirmQueue, queue); err != nil {
		return fmt.Errorf("failed to persist confirmation queue: %w", err)
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the assignments waiting for confirmation.
func (s *Store) Pending() []Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.queue)
}

// Flush sends every queued assignment to the Confirmer. On success they
// become confirmed; on failure they stay queued for the next flush and the
// local decision is kept.
func (s *Store) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	batch := s.Pending()
	if len(batch) == 0 {
		return nil
	}

	if err := s.confirmer.Confirm(ctx, batch); err != nil {
		observability.ConfirmationsTotal.WithLabelValues("fail").Add(float64(len(batch)))
		return fmt.Errorf("failed to confirm %d assignments: %w", len(batch), err)
	}
	observability.ConfirmationsTotal.WithLabelValues("success").Add(float64(len(batch)))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	for _, a := range batch {
		current, ok := s.assignments[a.ExperimentID]
		// A newer draw for the experiment may have replaced the confirmed one.
		if ok && current.VariantID != a.VariantID {
			continue
		}
		a.Confirmed = true
		s.assignments[a.ExperimentID] = a
	}
	s.queue = slices.DeleteFunc(s.queue, func(q Assignment) bool {
		return slices.ContainsFunc(batch, func(b Assignment) bool {
			return b.ExperimentID == q.ExperimentID && b.VariantID == q.VariantID
		})
	})
	snapshot := maps.Clone(s.assignments)
	queue := slices.Clone(s.queue)
	s.mu.Unlock()

	observability.ConfirmQueueDepth.Set(float64(len(queue)))

	if err := s.persistAssignments(ctx, snapshot); err != nil {
		return err
	}
	if err := storage.SetJSON(ctx, s.store, storage.KeyConfirmQueue, queue); err != nil {
		return fmt.Errorf("failed to persist confirmation queue: %w", err)
	}

	s.logger.Debug("assignments confirmed", slog.Int("count", len(batch)))
	return nil
}

// Run flushes the queue on every tick and whenever an assignment is queued.
// It blocks until the context is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	s.logger.Info("starting assignment confirmation loop", slog.String("interval", interval.String()))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run once immediately to drain a queue restored from storage
	if err := s.Flush(ctx); err != nil {
		s.logger.Warn("initial confirmation flush failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("assignment confirmation loop stopping...")
			return nil
		case <-ticker.C:
		case <-s.notify:
		}
		if err := s.Flush(ctx); err != nil {
			// Retry on next tick
			s.logger.Warn("confirmation flush failed", slog.String("error", err.Error()))
		}
	}
}

// Reset forgets every assignment and pending confirmation, e.g. when a
// different user identifies.
func (s *Store) Reset(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.assignments = make(map[string]Assignment)
	s.queue = nil
	s.mu.Unlock()

	observability.ConfirmQueueDepth.Set(0)

	if err := s.store.Delete(ctx, storage.KeyAssignments); err != nil {
		return fmt.Errorf("failed to delete assignments: %w", err)
	}
	if err := s.store.Delete(ctx, storage.KeyConfirmQueue); err != nil {
		return fmt.Errorf("failed to delete confirmation queue: %w", err)
	}
	return nil
}

func (s *Store) persistAssignments(ctx context.Context, snapshot map[string]Assignment) error {
	if err := storage.SetJSON(ctx, s.store, storage.KeyAssignments, snapshot); err != nil {
		return fmt.Errorf("failed to persist assignments: %w", err)
	}
	return nil
}
