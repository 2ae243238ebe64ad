package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rafaeljc/tollgate/internal/paywall"
	"github.com/rafaeljc/tollgate/internal/presentation"
)

func TestShouldRunFeature(t *testing.T) {
	t.Parallel()

	gated := &paywall.Response{Identifier: "pw-gated", FeatureGating: paywall.Gated}
	nonGated := &paywall.Response{Identifier: "pw-open", FeatureGating: paywall.NonGated}

	dismissed := func(pw *paywall.Response, kind presentation.ResultKind, reason presentation.CloseReason) PaywallState {
		return PaywallState{Kind: StateDismissed, Paywall: pw, Result: presentation.Result{Kind: kind}, CloseReason: reason}
	}

	tests := []struct {
		name  string
		state PaywallState
		want  bool
	}{
		{"Should run when skipped", PaywallState{Kind: StateSkipped, Reason: SkipHoldout}, true},
		{"Should run after a purchase on a gated paywall", dismissed(gated, presentation.ResultPurchased, presentation.CloseManual), true},
		{"Should run after a restore", dismissed(gated, presentation.ResultRestored, presentation.CloseManual), true},
		{"Should not run when a gated paywall is closed", dismissed(gated, presentation.ResultClosed, presentation.CloseManual), false},
		{"Should run when a non-gated paywall is closed", dismissed(nonGated, presentation.ResultClosed, presentation.CloseManual), true},
		{"Should not run when closed for the next paywall", dismissed(nonGated, presentation.ResultClosed, presentation.CloseForNextPaywall), false},
		{"Should not run on presentation errors", PaywallState{Kind: StatePresentationError}, false},
		{"Should not run while presented", PaywallState{Kind: StatePresented, Paywall: nonGated}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ShouldRunFeature(tt.state))
		})
	}
}

func TestRequestType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ              RequestType
		presents         bool
		confirms         bool
		waitsForIdentity bool
	}{
		{TypePresentation, true, true, true},
		{TypeHandleImplicitTrigger, true, true, true},
		{TypeGetPresentationResult, false, true, false},
		{TypePaywallDeclineCheck, false, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.presents, tt.typ.Presents())
			assert.Equal(t, tt.confirms, tt.typ.ConfirmsAssignments())
			assert.Equal(t, tt.waitsForIdentity, tt.typ.WaitsForIdentity())
		})
	}
}
