// Package ruleengine resolves a placement against a campaign's audience rules.
// Expressions are evaluated by interchangeable dialect strategies (Liquid and
// CEL), the first matching rule wins, and the winning rule's variant is picked
// by a sticky weighted draw.
package ruleengine

import (
	"encoding/json"
	"strings"

	"github.com/rafaeljc/tollgate/internal/paywall"
)

// Campaign is the full remotely configured rule tree. It is replaced as a
// unit on refresh and must be treated as read-only once published.
type Campaign struct {
	Version  string             `json:"version" yaml:"version"`
	Triggers map[string]Trigger `json:"triggers" yaml:"triggers"`
	Paywalls []paywall.Response `json:"paywalls" yaml:"paywalls"`
}

// PresentationCondition controls subscription gating for a trigger.
type PresentationCondition string

const (
	// CheckUserSubscription skips the paywall for subscribed users.
	CheckUserSubscription PresentationCondition = "CHECK_USER_SUBSCRIPTION"
	// Always presents regardless of subscription status.
	Always PresentationCondition = "ALWAYS"
)

// Trigger is the ordered rule set associated with one event name.
type Trigger struct {
	EventName             string                `json:"event_name" yaml:"event_name"`
	PresentationCondition PresentationCondition `json:"presentation_condition" yaml:"presentation_condition"`
	Rules                 []TriggerRule         `json:"rules" yaml:"rules"`
}

// ChecksSubscription reports whether subscribed users skip this trigger.
// An empty condition defaults to checking.
func (t *Trigger) ChecksSubscription() bool {
	return t.PresentationCondition != Always
}

// TriggerRule pairs an audience expression with an experiment.
type TriggerRule struct {
	ExperimentID string `json:"experiment_id" yaml:"experiment_id"`
	GroupID      string `json:"group_id" yaml:"group_id"`

	// Expression is written in the Liquid template dialect.
	Expression *string `json:"expression,omitempty" yaml:"expression,omitempty"`
	// ExpressionJS is written in the CEL dialect and wins when both are set.
	ExpressionJS *string `json:"expression_js,omitempty" yaml:"expression_js,omitempty"`

	Variants                 []VariantOption           `json:"variants" yaml:"variants"`
	ComputedPropertyRequests []ComputedPropertyRequest `json:"computed_property_requests,omitempty" yaml:"computed_property_requests,omitempty"`
	Occurrence               *Occurrence               `json:"occurrence,omitempty" yaml:"occurrence,omitempty"`
}

// VariantType distinguishes treatment (show a paywall) from holdout.
type VariantType string

const (
	Treatment VariantType = "TREATMENT"
	Holdout   VariantType = "HOLDOUT"
)

// UnmarshalText decodes case-insensitively; unknown types become holdout so
// that a newer backend never causes an unexpected paywall.
func (v *VariantType) UnmarshalText(text []byte) error {
	if strings.EqualFold(string(text), string(Treatment)) {
		*v = Treatment
	} else {
		*v = Holdout
	}
	return nil
}

// UnmarshalYAML applies the same rule as UnmarshalText for YAML campaigns.
func (v *VariantType) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return v.UnmarshalText([]byte(s))
}

// VariantOption is one weighted arm of a rule's split.
type VariantOption struct {
	ID         string      `json:"id" yaml:"id"`
	Type       VariantType `json:"type" yaml:"type"`
	PaywallID  string      `json:"paywall_id,omitempty" yaml:"paywall_id,omitempty"`
	Percentage int         `json:"percentage" yaml:"percentage"`
}

// Variant returns the immutable variant value.
func (o VariantOption) Variant() Variant {
	return Variant{ID: o.ID, Type: o.Type, PaywallID: o.PaywallID}
}

// Variant is the arm a user was assigned to.
type Variant struct {
	ID        string      `json:"id"`
	Type      VariantType `json:"type"`
	PaywallID string      `json:"paywall_id,omitempty"`
}

// Experiment is the resolved A/B unit for a placement.
type Experiment struct {
	ID      string  `json:"id"`
	GroupID string  `json:"group_id"`
	Variant Variant `json:"variant"`
}

// Info converts the experiment for attaching to a paywall response.
func (e Experiment) Info() *paywall.ExperimentInfo {
	return &paywall.ExperimentInfo{ID: e.ID, GroupID: e.GroupID, VariantID: e.Variant.ID}
}

// ComputedPropertyType names a derived attribute over the occurrence log.
type ComputedPropertyType string

const (
	MinutesSince           ComputedPropertyType = "minutesSince"
	HoursSince             ComputedPropertyType = "hoursSince"
	DaysSince              ComputedPropertyType = "daysSince"
	MonthsSince            ComputedPropertyType = "monthsSince"
	PlacementsInHour       ComputedPropertyType = "placementsInHour"
	PlacementsInDay        ComputedPropertyType = "placementsInDay"
	PlacementsInWeek       ComputedPropertyType = "placementsInWeek"
	PlacementsInMonth      ComputedPropertyType = "placementsInMonth"
	PlacementsSinceInstall ComputedPropertyType = "placementsSinceInstall"
)

// ComputedPropertyRequest asks for one computed property of a placement.
type ComputedPropertyRequest struct {
	Type          ComputedPropertyType `json:"type" yaml:"type"`
	PlacementName string               `json:"placement_name" yaml:"placement_name"`
}

// Occurrence limits how often a rule may match.
type Occurrence struct {
	Key      string             `json:"key" yaml:"key"`
	MaxCount int                `json:"max_count" yaml:"max_count"`
	Interval OccurrenceInterval `json:"interval" yaml:"interval"`
}

// OccurrenceInterval is either "infinity" or a number of minutes.
type OccurrenceInterval struct {
	Type    string `json:"type" yaml:"type"` // "infinity" or "minutes"
	Minutes int    `json:"minutes,omitempty" yaml:"minutes,omitempty"`
}

// ResultKind tags a TriggerResult.
type ResultKind string

const (
	ResultPaywall         ResultKind = "paywall"
	ResultHoldout         ResultKind = "holdout"
	ResultNoRuleMatch     ResultKind = "noRuleMatch"
	ResultTriggerNotFound ResultKind = "triggerNotFound"
	ResultError           ResultKind = "error"
)

// TriggerResult is the classification of one placement. Experiment is set
// for paywall and holdout, Err for error.
type TriggerResult struct {
	Kind       ResultKind
	Experiment *Experiment
	Err        error
}

// MarshalJSON renders the result for logs and the control API.
func (r TriggerResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Kind       ResultKind  `json:"kind"`
		Experiment *Experiment `json:"experiment,omitempty"`
		Error      string      `json:"error,omitempty"`
	}{Kind: r.Kind, Experiment: r.Experiment}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}
