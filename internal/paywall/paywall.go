// Package paywall models remotely configured paywalls, per-request product
// overrides, and the collaborators that fetch paywalls and store products.
package paywall

import (
	"context"
	"errors"
	"maps"
	"slices"
)

// ErrNotFound is returned by a Fetcher when no paywall exists for the
// identifier. It is tracked separately from other load failures.
var ErrNotFound = errors.New("paywall: not found")

// FeatureGating decides whether a feature may run after the paywall is
// closed without a purchase.
type FeatureGating string

const (
	Gated    FeatureGating = "GATED"
	NonGated FeatureGating = "NON_GATED"
)

// ProductSlot identifies a product position on the paywall.
type ProductSlot string

const (
	SlotPrimary   ProductSlot = "primary"
	SlotSecondary ProductSlot = "secondary"
	SlotTertiary  ProductSlot = "tertiary"
)

// Product references a store product by slot.
type Product struct {
	Slot ProductSlot `json:"slot" yaml:"slot"`
	ID   string      `json:"id" yaml:"id"`
}

// StoreProduct is product data returned by the storefront.
type StoreProduct struct {
	ID              string  `json:"id"`
	Price           float64 `json:"price"`
	LocalizedPrice  string  `json:"localized_price"`
	Currency        string  `json:"currency"`
	Period          string  `json:"period"`
	TrialPeriodDays int     `json:"trial_period_days"`
}

// HasFreeTrial reports whether the product offers a trial.
func (p StoreProduct) HasFreeTrial() bool {
	return p.TrialPeriodDays > 0
}

// ExperimentInfo identifies the experiment and variant that produced the
// paywall decision.
type ExperimentInfo struct {
	ID        string `json:"id"`
	GroupID   string `json:"group_id"`
	VariantID string `json:"variant_id"`
}

// Response is a resolved paywall definition. Instances held by the cache are
// canonical and must not be mutated; use Clone for per-request changes.
type Response struct {
	Identifier        string        `json:"identifier" yaml:"identifier"`
	Name              string        `json:"name" yaml:"name"`
	URL               string        `json:"url" yaml:"url"`
	Products          []Product     `json:"products" yaml:"products"`
	PresentationStyle string        `json:"presentation_style" yaml:"presentation_style"`
	BackgroundColor   string        `json:"background_color" yaml:"background_color"`
	FeatureGating     FeatureGating `json:"feature_gating" yaml:"feature_gating"`

	// Runtime fields, filled while building the paywall for a request.
	Locale               string                  `json:"-" yaml:"-"`
	Experiment           *ExperimentInfo         `json:"-" yaml:"-"`
	ProductsToLoad       []string                `json:"-" yaml:"-"`
	StoreProducts        map[string]StoreProduct `json:"-" yaml:"-"`
	IsFreeTrialAvailable bool                    `json:"-" yaml:"-"`
}

// IsGated treats anything but an explicit NON_GATED as gated.
func (r *Response) IsGated() bool {
	return r.FeatureGating != NonGated
}

// ProductIDs lists product IDs in slot order.
func (r *Response) ProductIDs() []string {
	ids := make([]string, 0, len(r.Products))
	for _, p := range r.Products {
		ids = append(ids, p.ID)
	}
	return ids
}

// PrimaryProductID returns the primary slot product, falling back to the
// first product.
func (r *Response) PrimaryProductID() string {
	for _, p := range r.Products {
		if p.Slot == SlotPrimary {
			return p.ID
		}
	}
	if len(r.Products) > 0 {
		return r.Products[0].ID
	}
	return ""
}

// Clone returns a deep copy.
func (r *Response) Clone() *Response {
	c := *r
	c.Products = slices.Clone(r.Products)
	c.ProductsToLoad = slices.Clone(r.ProductsToLoad)
	c.StoreProducts = maps.Clone(r.StoreProducts)
	if r.Experiment != nil {
		exp := *r.Experiment
		c.Experiment = &exp
	}
	return &c
}

// WithProducts returns a copy with loaded store products attached, the load
// set cleared and free-trial availability computed from the primary product.
func (r *Response) WithProducts(loaded map[string]StoreProduct) *Response {
	c := r.Clone()
	if c.StoreProducts == nil {
		c.StoreProducts = make(map[string]StoreProduct, len(loaded))
	}
	maps.Copy(c.StoreProducts, loaded)
	c.ProductsToLoad = nil

	primary, ok := c.StoreProducts[c.PrimaryProductID()]
	c.IsFreeTrialAvailable = ok && primary.HasFreeTrial()
	return c
}

// Info flattens the paywall into analytics parameters.
func (r *Response) Info() map[string]any {
	info := map[string]any{
		"paywall_identifier": r.Identifier,
		"paywall_name":       r.Name,
		"paywall_url":        r.URL,
		"feature_gating":     string(r.FeatureGating),
		"presentation_style": r.PresentationStyle,
		"locale":             r.Locale,
		"product_ids":        r.ProductIDs(),
		"is_free_trial":      r.IsFreeTrialAvailable,
	}
	if r.Experiment != nil {
		info["experiment_id"] = r.Experiment.ID
		info["variant_id"] = r.Experiment.VariantID
	}
	return info
}

// Fetcher loads paywall definitions (network or campaign-embedded).
type Fetcher interface {
	Fetch(ctx context.Context, identifier, locale string) (*Response, error)
}

// ProductLoader loads product data from the storefront.
type ProductLoader interface {
	LoadProducts(ctx context.Context, ids []string) (map[string]StoreProduct, error)
}
