package presentation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rafaeljc/tollgate/internal/paywall"
	"github.com/rafaeljc/tollgate/internal/placement"
)

// Session is the handle for one presented paywall. It is safe for
// concurrent use; the first terminal action wins.
type Session struct {
	id      string
	manager *Manager
	paywall *paywall.Response

	mu      sync.Mutex
	state   State
	outcome Outcome
	// settled holds a purchase or restore awaiting the user's close.
	settled *Result
	done    chan struct{}
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Paywall returns the paywall being shown.
func (s *Session) Paywall() *paywall.Response { return s.paywall }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches StateDismissed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outcome returns the terminal outcome. Only valid after Done is closed.
func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Purchase buys productID through the Purchaser. A successful purchase
// dismisses the session; failures and cancellations return it to
// StatePresented so the user can try again.
func (s *Session) Purchase(ctx context.Context, productID string) (PurchaseStatus, error) {
	purchaser := s.manager.purchaser
	if purchaser == nil {
		return PurchaseFailed, ErrNoPurchaser
	}
	if err := s.begin(StatePurchasing); err != nil {
		return PurchaseFailed, err
	}

	params := s.transactionParams(productID)
	s.manager.emit(placement.TransactionStart, params)

	status, err := purchaser.Purchase(ctx, productID)
	if err != nil {
		status = PurchaseFailed
		params["error"] = err.Error()
	}

	switch status {
	case PurchaseSucceeded:
		s.manager.emit(placement.TransactionComplete, params)
		if product, ok := s.paywall.StoreProducts[productID]; ok && product.HasFreeTrial() {
			s.manager.emit(placement.FreeTrialStart, params)
		} else {
			s.manager.emit(placement.SubscriptionStart, params)
		}
		s.manager.logger.Info("purchase completed",
			slog.String("session_id", s.id),
			slog.String("product_id", productID),
		)
		if finishErr := s.settle(Result{Kind: ResultPurchased, ProductID: productID}); finishErr != nil {
			return status, finishErr
		}
		return status, nil
	case PurchaseCancelled:
		s.manager.emit(placement.TransactionAbandon, params)
	default:
		s.manager.emit(placement.TransactionFail, params)
		s.manager.logger.Warn("purchase failed",
			slog.String("session_id", s.id),
			slog.String("product_id", productID),
			slog.Any("error", err),
		)
	}

	s.end()
	return status, err
}

// Restore restores previous purchases. A successful restore dismisses the
// session with ResultRestored.
func (s *Session) Restore(ctx context.Context) (bool, error) {
	purchaser := s.manager.purchaser
	if purchaser == nil {
		return false, ErrNoPurchaser
	}
	if err := s.begin(StateRestoring); err != nil {
		return false, err
	}

	restored, err := purchaser.Restore(ctx)
	if err != nil || !restored {
		s.manager.logger.Warn("restore failed",
			slog.String("session_id", s.id),
			slog.Any("error", err),
		)
		s.end()
		return false, err
	}

	s.manager.emit(placement.TransactionRestore, s.transactionParams(""))
	if err := s.settle(Result{Kind: ResultRestored}); err != nil {
		return true, err
	}
	return true, nil
}

// Close dismisses the paywall. The result is closed unless a purchase or
// restore already settled while the paywall stayed open.
func (s *Session) Close() error {
	s.mu.Lock()
	result := Result{Kind: ResultClosed}
	if s.settled != nil {
		result = *s.settled
	}
	s.mu.Unlock()
	return s.finish(Outcome{Result: result, CloseReason: CloseManual})
}

// settle records a successful transaction. It dismisses the session unless
// the manager keeps paywalls open, in which case Close reports it later.
func (s *Session) settle(r Result) error {
	if !s.manager.keepOpen {
		return s.finish(Outcome{Result: r})
	}
	s.mu.Lock()
	s.settled = &r
	s.mu.Unlock()
	s.end()
	return nil
}

// Fail dismisses the session with an error from the UI layer.
func (s *Session) Fail(err error) error {
	if err == nil {
		err = fmt.Errorf("presentation: presenter reported an unspecified failure")
	}
	return s.finish(Outcome{Result: Result{Kind: ResultClosed}, CloseReason: CloseManual, Err: err})
}

// begin moves presented -> purchasing/restoring.
func (s *Session) begin(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StatePresented:
		s.state = next
		return nil
	case StateDismissed:
		return ErrSessionFinished
	default:
		return ErrTransactionInProgress
	}
}

// end returns a transaction state to presented unless the session was
// dismissed meanwhile.
func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StatePurchasing || s.state == StateRestoring {
		s.state = StatePresented
	}
}

func (s *Session) finish(out Outcome) error {
	s.mu.Lock()
	if s.state == StateDismissed {
		s.mu.Unlock()
		return ErrSessionFinished
	}
	s.state = StateDismissed
	s.outcome = out
	close(s.done)
	s.mu.Unlock()

	s.manager.release(s)
	return nil
}

func (s *Session) transactionParams(productID string) map[string]any {
	params := s.paywall.Info()
	if productID != "" {
		params["product_id"] = productID
	}
	return params
}
