// Package presentation owns the single process-wide paywall slot and the
// session handle that the UI layer uses to report purchases, restores and
// dismissals.
package presentation

import (
	"context"
	"errors"

	"github.com/rafaeljc/tollgate/internal/paywall"
)

var (
	// ErrPaywallNotAvailable is returned when another paywall holds the slot.
	ErrPaywallNotAvailable = errors.New("presentation: a paywall is already being presented")
	// ErrNoPresenter is returned when a request has no UI collaborator.
	ErrNoPresenter = errors.New("presentation: no presenter available")
	// ErrNoPurchaser is returned by Purchase and Restore without a storefront.
	ErrNoPurchaser = errors.New("presentation: no purchaser configured")
	// ErrSessionFinished is returned for actions on a dismissed session.
	ErrSessionFinished = errors.New("presentation: session already finished")
	// ErrTransactionInProgress is returned while a purchase or restore runs.
	ErrTransactionInProgress = errors.New("presentation: transaction in progress")
)

// State of a session.
type State string

const (
	StateNone       State = "none"
	StatePresented  State = "presented"
	StatePurchasing State = "purchasing"
	StateRestoring  State = "restoring"
	StateDismissed  State = "dismissed"
)

// ResultKind is how the user left the paywall.
type ResultKind string

const (
	ResultPurchased ResultKind = "purchased"
	ResultRestored  ResultKind = "restored"
	ResultClosed    ResultKind = "closed"
)

// Result is the terminal user outcome of a paywall.
type Result struct {
	Kind      ResultKind `json:"kind"`
	ProductID string     `json:"product_id,omitempty"`
}

// CloseReason tells a manual dismissal from one that makes way for the
// next paywall.
type CloseReason string

const (
	CloseManual         CloseReason = "manual"
	CloseForNextPaywall CloseReason = "forNextPaywall"
)

// Outcome is what a finished session reports back to the pipeline. Err is
// set when the UI failed to present or reported an error.
type Outcome struct {
	Result      Result
	CloseReason CloseReason
	Err         error
}

// Silent reports whether the outcome must not reach the original caller.
func (o Outcome) Silent() bool {
	return o.CloseReason == CloseForNextPaywall
}

// PurchaseStatus is the storefront's answer to a purchase.
type PurchaseStatus string

const (
	PurchaseSucceeded PurchaseStatus = "success"
	PurchaseFailed    PurchaseStatus = "failure"
	PurchaseCancelled PurchaseStatus = "cancelled"
)

// Purchaser executes storefront transactions.
type Purchaser interface {
	Purchase(ctx context.Context, productID string) (PurchaseStatus, error)
	Restore(ctx context.Context) (bool, error)
}

// Presenter shows a paywall. Present returns once the paywall is on screen
// (or failed to appear); the user's actions are reported through session.
type Presenter interface {
	Present(ctx context.Context, pw *paywall.Response, session *Session) error
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, pw *paywall.Response, session *Session) error

// Present calls f.
func (f PresenterFunc) Present(ctx context.Context, pw *paywall.Response, session *Session) error {
	return f(ctx, pw, session)
}

// EventFunc receives internal lifecycle events (transaction_start, ...).
// It must not block.
type EventFunc func(name string, params map[string]any)
