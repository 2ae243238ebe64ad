package presentation

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rafaeljc/tollgate/internal/paywall"
)

// Manager guards the single active presentation.
type Manager struct {
	logger    *slog.Logger
	purchaser Purchaser
	emit      EventFunc

	// keepOpen leaves a paywall on screen after a purchase or restore until
	// the user closes it.
	keepOpen bool

	mu     sync.Mutex
	active *Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithAutomaticDismiss controls whether a successful purchase or restore
// dismisses the paywall. It defaults to true.
func WithAutomaticDismiss(enabled bool) Option {
	return func(m *Manager) { m.keepOpen = !enabled }
}

// NewManager creates a Manager. purchaser may be nil when the host only
// presents non-transactional paywalls; emit may be nil.
// If logger is nil, it defaults to slog.Default().
func NewManager(logger *slog.Logger, purchaser Purchaser, emit EventFunc, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = func(string, map[string]any) {}
	}
	m := &Manager{logger: logger, purchaser: purchaser, emit: emit}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TryAcquire claims the slot for pw. It fails with ErrPaywallNotAvailable
// while another session is active.
func (m *Manager) TryAcquire(pw *paywall.Response) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		return nil, ErrPaywallNotAvailable
	}

	s := &Session{
		id:      uuid.NewString(),
		manager: m,
		paywall: pw,
		state:   StatePresented,
		done:    make(chan struct{}),
	}
	m.active = s

	m.logger.Debug("presentation slot acquired",
		slog.String("session_id", s.id),
		slog.String("paywall_id", pw.Identifier),
	)
	return s, nil
}

// Active returns the current session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// IsPresenting reports whether the slot is taken.
func (m *Manager) IsPresenting() bool {
	return m.Active() != nil
}

// DismissForNextPaywall tears down the active session to make way for a new
// one. The torn-down session finishes with CloseForNextPaywall, which the
// pipeline never forwards to the original caller.
func (m *Manager) DismissForNextPaywall() bool {
	s := m.Active()
	if s == nil {
		return false
	}
	return s.finish(Outcome{Result: Result{Kind: ResultClosed}, CloseReason: CloseForNextPaywall}) == nil
}

// Dismiss closes the active session as if the user had closed it.
func (m *Manager) Dismiss() bool {
	s := m.Active()
	if s == nil {
		return false
	}
	return s.Close() == nil
}

func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == s {
		m.active = nil
		m.logger.Debug("presentation slot released", slog.String("session_id", s.id))
	}
}
