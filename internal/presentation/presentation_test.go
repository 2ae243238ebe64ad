package presentation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/tollgate/internal/paywall"
	"github.com/rafaeljc/tollgate/internal/placement"
)

type stubPurchaser struct {
	status   PurchaseStatus
	err      error
	restored bool
	block    chan struct{}
}

func (p *stubPurchaser) Purchase(ctx context.Context, _ string) (PurchaseStatus, error) {
	if p.block != nil {
		<-p.block
	}
	return p.status, p.err
}

func (p *stubPurchaser) Restore(context.Context) (bool, error) {
	return p.restored, p.err
}

type eventLog struct {
	mu    sync.Mutex
	names []string
}

func (l *eventLog) emit(name string, _ map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

func testPaywall() *paywall.Response {
	return &paywall.Response{
		Identifier: "pw",
		Products:   []paywall.Product{{Slot: paywall.SlotPrimary, ID: "monthly"}},
		StoreProducts: map[string]paywall.StoreProduct{
			"monthly": {ID: "monthly", TrialPeriodDays: 7},
			"annual":  {ID: "annual"},
		},
	}
}

func TestManager_TryAcquire(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, nil, nil)

	s, err := m.TryAcquire(testPaywall())
	require.NoError(t, err)
	assert.Equal(t, StatePresented, s.State())
	assert.True(t, m.IsPresenting())

	_, err = m.TryAcquire(testPaywall())
	assert.ErrorIs(t, err, ErrPaywallNotAvailable)

	require.NoError(t, s.Close())
	assert.False(t, m.IsPresenting())

	_, err = m.TryAcquire(testPaywall())
	assert.NoError(t, err, "slot is released after dismissal")
}

func TestManager_AtMostOneConcurrentPresentation(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, nil, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired, rejected := 0, 0
	start := make(chan struct{})

	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.TryAcquire(testPaywall())
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				acquired++
			} else if errors.Is(err, ErrPaywallNotAvailable) {
				rejected++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, acquired)
	assert.Equal(t, 49, rejected)
}

func TestManager_DismissForNextPaywall(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, nil, nil)
	assert.False(t, m.DismissForNextPaywall(), "nothing to dismiss")

	first, err := m.TryAcquire(testPaywall())
	require.NoError(t, err)

	assert.True(t, m.DismissForNextPaywall())
	<-first.Done()
	assert.True(t, first.Outcome().Silent())
	assert.Equal(t, CloseForNextPaywall, first.Outcome().CloseReason)

	second, err := m.TryAcquire(testPaywall())
	require.NoError(t, err)
	assert.Equal(t, second, m.Active())
}

func TestManager_Dismiss(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, nil, nil)
	assert.False(t, m.Dismiss())

	s, err := m.TryAcquire(testPaywall())
	require.NoError(t, err)
	assert.True(t, m.Dismiss())

	<-s.Done()
	assert.Equal(t, Result{Kind: ResultClosed}, s.Outcome().Result)
	assert.Equal(t, CloseManual, s.Outcome().CloseReason)
}

func TestSession_Purchase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		purchaser  *stubPurchaser
		productID  string
		wantStatus PurchaseStatus
		wantErr    bool
		wantState  State
		wantEvents []string
	}{
		{
			name:       "Should dismiss with purchased on success and report the trial",
			purchaser:  &stubPurchaser{status: PurchaseSucceeded},
			productID:  "monthly",
			wantStatus: PurchaseSucceeded,
			wantState:  StateDismissed,
			wantEvents: []string{placement.TransactionStart, placement.TransactionComplete, placement.FreeTrialStart},
		},
		{
			name:       "Should report a subscription start without trial",
			purchaser:  &stubPurchaser{status: PurchaseSucceeded},
			productID:  "annual",
			wantStatus: PurchaseSucceeded,
			wantState:  StateDismissed,
			wantEvents: []string{placement.TransactionStart, placement.TransactionComplete, placement.SubscriptionStart},
		},
		{
			name:       "Should return to presented on cancellation",
			purchaser:  &stubPurchaser{status: PurchaseCancelled},
			productID:  "monthly",
			wantStatus: PurchaseCancelled,
			wantState:  StatePresented,
			wantEvents: []string{placement.TransactionStart, placement.TransactionAbandon},
		},
		{
			name:       "Should return to presented on failure",
			purchaser:  &stubPurchaser{status: PurchaseFailed},
			productID:  "monthly",
			wantStatus: PurchaseFailed,
			wantState:  StatePresented,
			wantEvents: []string{placement.TransactionStart, placement.TransactionFail},
		},
		{
			name:       "Should treat a storefront error as failure",
			purchaser:  &stubPurchaser{status: PurchaseSucceeded, err: errors.New("store offline")},
			productID:  "monthly",
			wantStatus: PurchaseFailed,
			wantErr:    true,
			wantState:  StatePresented,
			wantEvents: []string{placement.TransactionStart, placement.TransactionFail},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			events := &eventLog{}
			m := NewManager(nil, tt.purchaser, events.emit)
			s, err := m.TryAcquire(testPaywall())
			require.NoError(t, err)

			status, err := s.Purchase(context.Background(), tt.productID)

			assert.Equal(t, tt.wantStatus, status)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantState, s.State())
			assert.Equal(t, tt.wantEvents, events.all())

			if tt.wantState == StateDismissed {
				assert.Equal(t, Result{Kind: ResultPurchased, ProductID: tt.productID}, s.Outcome().Result)
				assert.False(t, m.IsPresenting())
			}
		})
	}
}

func TestSession_TransactionGuards(t *testing.T) {
	t.Parallel()

	t.Run("Should reject purchases without a purchaser", func(t *testing.T) {
		t.Parallel()

		s, err := NewManager(nil, nil, nil).TryAcquire(testPaywall())
		require.NoError(t, err)

		_, err = s.Purchase(context.Background(), "monthly")
		assert.ErrorIs(t, err, ErrNoPurchaser)
		_, err = s.Restore(context.Background())
		assert.ErrorIs(t, err, ErrNoPurchaser)
	})

	t.Run("Should reject a second transaction while one runs", func(t *testing.T) {
		t.Parallel()

		p := &stubPurchaser{status: PurchaseSucceeded, block: make(chan struct{})}
		s, err := NewManager(nil, p, nil).TryAcquire(testPaywall())
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = s.Purchase(context.Background(), "monthly")
		}()

		require.Eventually(t, func() bool { return s.State() == StatePurchasing }, time.Second, time.Millisecond)
		_, err = s.Restore(context.Background())
		assert.ErrorIs(t, err, ErrTransactionInProgress)

		close(p.block)
		<-done
		assert.Equal(t, StateDismissed, s.State())
	})

	t.Run("Should reject actions after dismissal", func(t *testing.T) {
		t.Parallel()

		p := &stubPurchaser{status: PurchaseSucceeded}
		s, err := NewManager(nil, p, nil).TryAcquire(testPaywall())
		require.NoError(t, err)
		require.NoError(t, s.Close())

		_, err = s.Purchase(context.Background(), "monthly")
		assert.ErrorIs(t, err, ErrSessionFinished)
		assert.ErrorIs(t, s.Close(), ErrSessionFinished)
		assert.ErrorIs(t, s.Fail(errors.New("late")), ErrSessionFinished)
	})
}

func TestSession_Restore(t *testing.T) {
	t.Parallel()

	t.Run("Should dismiss with restored", func(t *testing.T) {
		t.Parallel()

		events := &eventLog{}
		s, err := NewManager(nil, &stubPurchaser{restored: true}, events.emit).TryAcquire(testPaywall())
		require.NoError(t, err)

		ok, err := s.Restore(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, Result{Kind: ResultRestored}, s.Outcome().Result)
		assert.Equal(t, []string{placement.TransactionRestore}, events.all())
	})

	t.Run("Should stay presented when nothing was restored", func(t *testing.T) {
		t.Parallel()

		s, err := NewManager(nil, &stubPurchaser{restored: false}, nil).TryAcquire(testPaywall())
		require.NoError(t, err)

		ok, err := s.Restore(context.Background())
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, StatePresented, s.State())
	})
}

func TestSession_Fail(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, nil, nil)
	s, err := m.TryAcquire(testPaywall())
	require.NoError(t, err)

	require.NoError(t, s.Fail(nil))
	<-s.Done()
	assert.Error(t, s.Outcome().Err)
	assert.False(t, m.IsPresenting())
}

func TestSession_KeepsPaywallOpenWithoutAutomaticDismiss(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, &stubPurchaser{status: PurchaseSucceeded}, nil, WithAutomaticDismiss(false))
	s, err := m.TryAcquire(testPaywall())
	require.NoError(t, err)

	status, err := s.Purchase(context.Background(), "annual")
	require.NoError(t, err)
	assert.Equal(t, PurchaseSucceeded, status)
	assert.Equal(t, StatePresented, s.State(), "the paywall stays on screen after the purchase")
	assert.True(t, m.IsPresenting())

	require.NoError(t, s.Close())
	<-s.Done()
	assert.Equal(t, Result{Kind: ResultPurchased, ProductID: "annual"}, s.Outcome().Result)
	assert.Equal(t, CloseManual, s.Outcome().CloseReason)
}
