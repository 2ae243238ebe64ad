package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rafaeljc/tollgate/internal/paywall"
	"github.com/rafaeljc/tollgate/internal/presentation"
)

// headlessPresenter puts paywalls "on screen" without a UI. The session is
// then driven through the control API.
type headlessPresenter struct {
	logger *slog.Logger
}

func (p headlessPresenter) Present(_ context.Context, pw *paywall.Response, s *presentation.Session) error {
	p.logger.Info("paywall presented",
		slog.String("paywall_id", pw.Identifier),
		slog.String("session_id", s.ID()),
	)
	return nil
}

// sandboxStore is a storefront that knows every product it is asked about.
// Products containing "trial" get a seven day trial. Purchases of IDs
// containing "decline" fail and "cancel" are abandoned.
type sandboxStore struct {
	logger  *slog.Logger
	catalog *paywall.Catalog
}

func newSandboxStore(logger *slog.Logger) *sandboxStore {
	return &sandboxStore{logger: logger, catalog: paywall.NewCatalog()}
}

func (s *sandboxStore) LoadProducts(ctx context.Context, ids []string) (map[string]paywall.StoreProduct, error) {
	for _, id := range ids {
		s.catalog.Put(sandboxProduct(id))
	}
	return s.catalog.LoadProducts(ctx, ids)
}

func (s *sandboxStore) Purchase(_ context.Context, productID string) (presentation.PurchaseStatus, error) {
	switch {
	case strings.Contains(productID, "decline"):
		return presentation.PurchaseFailed, fmt.Errorf("sandbox declined %q", productID)
	case strings.Contains(productID, "cancel"):
		return presentation.PurchaseCancelled, nil
	}
	s.logger.Info("sandbox purchase", slog.String("product_id", productID))
	return presentation.PurchaseSucceeded, nil
}

func (s *sandboxStore) Restore(context.Context) (bool, error) {
	return true, nil
}

func sandboxProduct(id string) paywall.StoreProduct {
	p := paywall.StoreProduct{
		ID:             id,
		Price:          9.99,
		LocalizedPrice: "$9.99",
		Currency:       "USD",
		Period:         "month",
	}
	if strings.Contains(id, "annual") || strings.Contains(id, "year") {
		p.Price, p.LocalizedPrice, p.Period = 59.99, "$59.99", "year"
	}
	if strings.Contains(id, "trial") {
		p.TrialPeriodDays = 7
	}
	return p
}
