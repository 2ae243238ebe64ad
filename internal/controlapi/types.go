package controlapi

import (
	"strings"

	"github.com/rafaeljc/tollgate/internal/identity"
	"github.com/rafaeljc/tollgate/internal/paywall"
	"github.com/rafaeljc/tollgate/internal/pipeline"
	"github.com/rafaeljc/tollgate/internal/presentation"
	"github.com/rafaeljc/tollgate/internal/ruleengine"
)

// maxUserIDLength bounds identifiers accepted by PUT /user.
const maxUserIDLength = 255

// TrackRequest is the payload of POST /placements/{name}/track.
type TrackRequest struct {
	Params    map[string]any    `json:"params,omitempty"`
	Overrides *OverridesRequest `json:"overrides,omitempty"`
	// WaitForDismissal keeps the request open until the paywall is dismissed
	// instead of returning once it is presented.
	WaitForDismissal bool `json:"wait_for_dismissal,omitempty"`
}

// OverridesRequest mirrors paywall.Overrides.
type OverridesRequest struct {
	Products                 map[string]paywall.StoreProduct `json:"products,omitempty"`
	PresentationStyle        string                          `json:"presentation_style,omitempty"`
	IgnoreSubscriptionStatus bool                            `json:"ignore_subscription_status,omitempty"`
}

// Validate checks the override slots.
func (r *OverridesRequest) Validate() *ErrorResponse {
	var details []ErrorDetail
	for slot, p := range r.Products {
		switch paywall.ProductSlot(slot) {
		case paywall.SlotPrimary, paywall.SlotSecondary, paywall.SlotTertiary:
		default:
			details = append(details, ErrorDetail{Field: "overrides.products." + slot, Issue: "unknown product slot"})
		}
		if strings.TrimSpace(p.ID) == "" {
			details = append(details, ErrorDetail{Field: "overrides.products." + slot + ".id", Issue: "product id is required"})
		}
	}
	if len(details) > 0 {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Invalid overrides", Details: details}
	}
	return nil
}

// toOverrides converts the request into the domain type.
func (r *OverridesRequest) toOverrides() *paywall.Overrides {
	if r == nil {
		return nil
	}
	ov := &paywall.Overrides{
		PresentationStyle:        strings.TrimSpace(r.PresentationStyle),
		IgnoreSubscriptionStatus: r.IgnoreSubscriptionStatus,
	}
	if len(r.Products) > 0 {
		ov.Products = make(map[paywall.ProductSlot]paywall.StoreProduct, len(r.Products))
		for slot, p := range r.Products {
			ov.Products[paywall.ProductSlot(slot)] = p
		}
	}
	return ov
}

// ResultRequest is the payload of POST /placements/{name}/result.
type ResultRequest struct {
	Params map[string]any `json:"params,omitempty"`
}

// PreloadRequest is the payload of POST /paywalls/preload. No placements
// means every paywall of the campaign.
type PreloadRequest struct {
	Placements []string `json:"placements,omitempty"`
}

// PurchaseRequest is the payload of POST /session/purchase.
type PurchaseRequest struct {
	ProductID string `json:"product_id"`
}

// IdentifyRequest is the payload of PUT /user.
type IdentifyRequest struct {
	UserID string `json:"user_id"`
}

// Sanitize trims the user ID.
func (r *IdentifyRequest) Sanitize() {
	r.UserID = strings.TrimSpace(r.UserID)
}

// Validate checks the user ID.
func (r *IdentifyRequest) Validate() *ErrorResponse {
	if r.UserID == "" {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "user_id is required"}
	}
	if len(r.UserID) > maxUserIDLength {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "user_id must be at most 255 characters"}
	}
	return nil
}

// SubscriptionRequest is the payload of PUT /user/subscription.
type SubscriptionRequest struct {
	Status string `json:"status"`
}

// AttributesRequest is the payload of PATCH /user/attributes. A null value
// removes the attribute.
type AttributesRequest struct {
	Attributes map[string]any `json:"attributes"`
}

// TrackResponse lists the paywall states observed for a track call.
type TrackResponse struct {
	States []StateResponse `json:"states"`
	// Finished is false when the paywall is still on screen.
	Finished bool `json:"finished"`
	// ShouldRunFeature applies the register policy to the final state.
	ShouldRunFeature bool `json:"should_run_feature"`
}

// StateResponse is the JSON form of pipeline.PaywallState.
type StateResponse struct {
	Kind        pipeline.StateKind     `json:"kind"`
	PaywallID   string                 `json:"paywall_id,omitempty"`
	Result      string                 `json:"result,omitempty"`
	ProductID   string                 `json:"product_id,omitempty"`
	CloseReason string                 `json:"close_reason,omitempty"`
	Reason      pipeline.SkipReason    `json:"reason,omitempty"`
	Experiment  *ruleengine.Experiment `json:"experiment,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

func mapState(s pipeline.PaywallState) StateResponse {
	resp := StateResponse{
		Kind:        s.Kind,
		Result:      string(s.Result.Kind),
		ProductID:   s.Result.ProductID,
		CloseReason: string(s.CloseReason),
		Reason:      s.Reason,
		Experiment:  s.Experiment,
	}
	if s.Paywall != nil {
		resp.PaywallID = s.Paywall.Identifier
		if s.Paywall.Experiment != nil && resp.Experiment == nil {
			resp.Experiment = &ruleengine.Experiment{
				ID:      s.Paywall.Experiment.ID,
				GroupID: s.Paywall.Experiment.GroupID,
				Variant: ruleengine.Variant{ID: s.Paywall.Experiment.VariantID, Type: ruleengine.Treatment, PaywallID: s.Paywall.Identifier},
			}
		}
	}
	if s.Err != nil {
		resp.Error = s.Err.Error()
	}
	return resp
}

// ResultResponse is the JSON form of pipeline.PresentationResult.
type ResultResponse struct {
	Kind       pipeline.ResultKind    `json:"kind"`
	Experiment *ruleengine.Experiment `json:"experiment,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// SessionResponse describes the paywall on screen.
type SessionResponse struct {
	ID        string             `json:"id"`
	PaywallID string             `json:"paywall_id"`
	State     presentation.State `json:"state"`
}

// PurchaseResponse reports a purchase attempt.
type PurchaseResponse struct {
	Status presentation.PurchaseStatus `json:"status"`
	Error  string                      `json:"error,omitempty"`
}

// UserResponse describes the current identity.
type UserResponse struct {
	UserID             string                      `json:"user_id"`
	SubscriptionStatus identity.SubscriptionStatus `json:"subscription_status"`
}

// ErrorResponse represents a structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g., "ERR_INVALID_INPUT").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`

	// Details provides optional granular validation errors.
	Details []ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail provides context about specific field validation failures.
type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}
