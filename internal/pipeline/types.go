// Package pipeline turns a placement into a presentation decision and, for
// presenting requests, drives the paywall through the presentation state
// machine. Every failure is reported as a value on the request's outcome.
package pipeline

import (
	"errors"

	"github.com/rafaeljc/tollgate/internal/paywall"
	"github.com/rafaeljc/tollgate/internal/placement"
	"github.com/rafaeljc/tollgate/internal/presentation"
	"github.com/rafaeljc/tollgate/internal/ruleengine"
)

// ErrReadinessTimeout is reported when configuration or identity did not
// become ready in time.
var ErrReadinessTimeout = errors.New("pipeline: timed out waiting for configuration")

// RequestType distinguishes presenting requests from decision queries.
type RequestType string

const (
	TypePresentation          RequestType = "presentation"
	TypeGetPresentationResult RequestType = "getPresentationResult"
	TypeHandleImplicitTrigger RequestType = "handleImplicitTrigger"
	TypePaywallDeclineCheck   RequestType = "paywallDeclineCheck"
)

// Presents reports whether the request may show a paywall.
func (t RequestType) Presents() bool {
	return t == TypePresentation || t == TypeHandleImplicitTrigger
}

// ConfirmsAssignments reports whether assignments drawn for the request are
// sent for confirmation. A decline check only peeks at the next decision.
func (t RequestType) ConfirmsAssignments() bool {
	return t != TypePaywallDeclineCheck
}

// WaitsForIdentity reports whether the request needs the user identity
// before resolving. Decision queries only need the campaign.
func (t RequestType) WaitsForIdentity() bool {
	return t.Presents()
}

// Request is one placement to decide on.
type Request struct {
	Placement placement.Placement
	Type      RequestType
	Overrides *paywall.Overrides
	Presenter presentation.Presenter

	// DismissForNext tears down an active paywall to make way for this one.
	DismissForNext bool
}

// Stage of a request.
type Stage string

const (
	StageCreated           Stage = "created"
	StageAwaitingReadiness Stage = "awaitingReadiness"
	StageResolving         Stage = "resolving"
	StageDecidingContent   Stage = "decidingContent"
	StagePresenting        Stage = "presenting"
	StageSkipped           Stage = "skipped"
	StageErroring          Stage = "erroring"
)

// ResultKind classifies a decision.
type ResultKind string

const (
	ResultPlacementNotFound   ResultKind = "placementNotFound"
	ResultNoAudienceMatch     ResultKind = "noAudienceMatch"
	ResultPaywall             ResultKind = "paywall"
	ResultHoldout             ResultKind = "holdout"
	ResultUserIsSubscribed    ResultKind = "userIsSubscribed"
	ResultPaywallNotAvailable ResultKind = "paywallNotAvailable"
)

// PresentationResult is the decision for a placement without presenting.
// Err explains a paywallNotAvailable caused by a failure.
type PresentationResult struct {
	Kind       ResultKind             `json:"kind"`
	Experiment *ruleengine.Experiment `json:"experiment,omitempty"`
	Err        error                  `json:"-"`
}

// StateKind is the kind of a PaywallState.
type StateKind string

const (
	StatePresented         StateKind = "presented"
	StateDismissed         StateKind = "dismissed"
	StateSkipped           StateKind = "skipped"
	StatePresentationError StateKind = "presentationError"
)

// SkipReason explains a skipped state.
type SkipReason string

const (
	SkipHoldout           SkipReason = "holdout"
	SkipNoAudienceMatch   SkipReason = "noAudienceMatch"
	SkipPlacementNotFound SkipReason = "placementNotFound"
	SkipUserIsSubscribed  SkipReason = "userIsSubscribed"
)

// PaywallState is one element of a request's outcome stream.
type PaywallState struct {
	Kind StateKind

	// Paywall is set for presented and dismissed.
	Paywall *paywall.Response

	// Result and CloseReason are set for dismissed.
	Result      presentation.Result
	CloseReason presentation.CloseReason

	// Reason is set for skipped; Experiment accompanies a holdout.
	Reason     SkipReason
	Experiment *ruleengine.Experiment

	// Err is set for presentationError.
	Err error
}

// ShouldRunFeature implements the register policy: the gated feature runs
// when the paywall was skipped, when the user purchased or restored, and when
// a non-gated paywall was closed by the user. It never runs on errors or on
// a paywall torn down for the next one.
func ShouldRunFeature(s PaywallState) bool {
	switch s.Kind {
	case StateSkipped:
		return true
	case StateDismissed:
		switch s.Result.Kind {
		case presentation.ResultPurchased, presentation.ResultRestored:
			return true
		case presentation.ResultClosed:
			return s.Paywall != nil && !s.Paywall.IsGated() && s.CloseReason != presentation.CloseForNextPaywall
		}
	}
	return false
}
