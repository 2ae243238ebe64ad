// Package identity tracks who the current user is: a persisted anonymous
// alias, an optional app user ID and the user's subscription status.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rafaeljc/tollgate/internal/storage"
)

// AliasPrefix marks generated anonymous IDs.
const AliasPrefix = "$TollgateAlias:"

// ErrEmptyUserID is returned by Identify for blank IDs.
var ErrEmptyUserID = errors.New("identity: user id cannot be empty")

// SubscriptionStatus is the user's entitlement state.
type SubscriptionStatus string

const (
	StatusUnknown  SubscriptionStatus = "UNKNOWN"
	StatusActive   SubscriptionStatus = "ACTIVE"
	StatusInactive SubscriptionStatus = "INACTIVE"
)

// ParseSubscriptionStatus accepts the status names case-insensitively.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(StatusActive):
		return StatusActive, nil
	case string(StatusInactive):
		return StatusInactive, nil
	case string(StatusUnknown), "":
		return StatusUnknown, nil
	default:
		return StatusUnknown, fmt.Errorf("identity: unknown subscription status %q", s)
	}
}

// Resetter clears per-user state when the user changes.
type Resetter interface {
	Reset(ctx context.Context) error
}

// ResetterFunc adapts a function to Resetter.
type ResetterFunc func(ctx context.Context) error

// Reset calls f.
func (f ResetterFunc) Reset(ctx context.Context) error { return f(ctx) }

// StatusFunc is notified when the subscription status changes.
type StatusFunc func(old, new SubscriptionStatus)

type persisted struct {
	AliasID   string `json:"alias_id"`
	AppUserID string `json:"app_user_id,omitempty"`
}

// Manager is the identity source. It is safe for concurrent use.
type Manager struct {
	logger   *slog.Logger
	store    storage.Store
	resetter Resetter
	onStatus StatusFunc

	mu        sync.RWMutex
	aliasID   string
	appUserID string
	status    SubscriptionStatus

	ready     chan struct{}
	readyOnce sync.Once
}

// NewManager creates an identity manager. resetter clears assignments and
// user attributes on Reset and when switching between identified users.
// If logger is nil, it defaults to slog.Default().
func NewManager(logger *slog.Logger, store storage.Store, resetter Resetter, onStatus StatusFunc) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		panic("identity: storage cannot be nil")
	}
	if resetter == nil {
		panic("identity: resetter cannot be nil")
	}
	if onStatus == nil {
		onStatus = func(SubscriptionStatus, SubscriptionStatus) {}
	}
	return &Manager{
		logger:   logger,
		store:    store,
		resetter: resetter,
		onStatus: onStatus,
		status:   StatusUnknown,
		ready:    make(chan struct{}),
	}
}

// Load restores the persisted identity, generating an alias on first run,
// and marks the identity as ready.
func (m *Manager) Load(ctx context.Context) error {
	var state persisted
	if _, err := storage.GetJSON(ctx, m.store, storage.KeyIdentity, &state); err != nil {
		return fmt.Errorf("failed to load identity: %w", err)
	}

	var status SubscriptionStatus
	if found, err := storage.GetJSON(ctx, m.store, storage.KeySubscriptionStatus, &status); err != nil {
		return fmt.Errorf("failed to load subscription status: %w", err)
	} else if !found {
		status = StatusUnknown
	}

	if state.AliasID == "" {
		state.AliasID = newAlias()
		if err := storage.SetJSON(ctx, m.store, storage.KeyIdentity, state); err != nil {
			return fmt.Errorf("failed to persist identity: %w", err)
		}
		m.logger.Info("generated anonymous alias", slog.String("alias_id", state.AliasID))
	}

	m.mu.Lock()
	m.aliasID = state.AliasID
	m.appUserID = state.AppUserID
	m.status = status
	m.mu.Unlock()

	m.readyOnce.Do(func() { close(m.ready) })
	return nil
}

// Ready is closed once the identity has been loaded.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// UserID returns the app user ID when identified, else the alias.
func (m *Manager) UserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.appUserID != "" {
		return m.appUserID
	}
	return m.aliasID
}

// AliasID returns the anonymous alias.
func (m *Manager) AliasID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aliasID
}

// AppUserID returns the identified user ID, empty when anonymous.
func (m *Manager) AppUserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.appUserID
}

// IsLoggedIn reports whether Identify has been called.
func (m *Manager) IsLoggedIn() bool {
	return m.AppUserID() != ""
}

// Identify sets the app user ID. Switching from one identified user to
// another clears per-user state first; identifying an anonymous user keeps
// it, since the alias is merged into the new user.
func (m *Manager) Identify(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrEmptyUserID
	}

	m.mu.RLock()
	current := m.appUserID
	m.mu.RUnlock()

	if current == userID {
		return nil
	}
	if current != "" {
		if err := m.Reset(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.appUserID = userID
	state := persisted{AliasID: m.aliasID, AppUserID: userID}
	m.mu.Unlock()

	if err := storage.SetJSON(ctx, m.store, storage.KeyIdentity, state); err != nil {
		return fmt.Errorf("failed to persist identity: %w", err)
	}

	m.logger.Info("user identified", slog.String("app_user_id", userID))
	return nil
}

// Reset forgets the user: new alias, no app user ID, unknown status, and
// cleared assignments and attributes.
func (m *Manager) Reset(ctx context.Context) error {
	if err := m.resetter.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset user state: %w", err)
	}

	state := persisted{AliasID: newAlias()}

	m.mu.Lock()
	m.aliasID = state.AliasID
	m.appUserID = ""
	m.mu.Unlock()

	if err := storage.SetJSON(ctx, m.store, storage.KeyIdentity, state); err != nil {
		return fmt.Errorf("failed to persist identity: %w", err)
	}
	if err := m.SetSubscriptionStatus(ctx, StatusUnknown); err != nil {
		return err
	}

	m.logger.Info("identity reset", slog.String("alias_id", state.AliasID))
	return nil
}

// SubscriptionStatus returns the current entitlement state.
func (m *Manager) SubscriptionStatus() SubscriptionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsSubscribed reports an active subscription.
func (m *Manager) IsSubscribed() bool {
	return m.SubscriptionStatus() == StatusActive
}

// SetSubscriptionStatus persists status and notifies on change.
func (m *Manager) SetSubscriptionStatus(ctx context.Context, status SubscriptionStatus) error {
	m.mu.Lock()
	old := m.status
	m.status = status
	m.mu.Unlock()

	if err := storage.SetJSON(ctx, m.store, storage.KeySubscriptionStatus, status); err != nil {
		return fmt.Errorf("failed to persist subscription status: %w", err)
	}

	if old != status {
		m.onStatus(old, status)
	}
	return nil
}

func newAlias() string {
	return AliasPrefix + uuid.NewString()
}
