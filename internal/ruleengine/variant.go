package ruleengine

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/spaolacci/murmur3"
)

// ErrEmptySplit is returned when a rule's variants have no positive weight.
var ErrEmptySplit = errors.New("ruleengine: variant percentages sum to zero")

// Drawer produces the number used for a weighted variant pick.
// Draw must return a value in [0, upper).
type Drawer interface {
	Draw(subject, salt string, upper int) int
}

// RandomDrawer draws uniformly; stickiness comes from the assignment store.
type RandomDrawer struct{}

// Draw returns a uniform integer in [0, upper).
func (RandomDrawer) Draw(_, _ string, upper int) int {
	return rand.IntN(upper)
}

// HashDrawer buckets subject+salt with Murmur3 so the same user lands in the
// same bucket for an experiment on every device, even before the first
// assignment is persisted. Salting with the experiment ID keeps buckets
// independent across experiments.
type HashDrawer struct{}

// Draw hashes "subject:salt" and reduces it into [0, upper).
// An empty subject falls back to a uniform draw.
func (HashDrawer) Draw(subject, salt string, upper int) int {
	if subject == "" {
		return rand.IntN(upper)
	}

	hasher := murmur3.New32()
	_, _ = hasher.Write([]byte(subject + ":" + salt))
	return int(hasher.Sum32() % uint32(upper))
}

// NewDrawer maps a configured strategy name to a Drawer.
func NewDrawer(strategy string) (Drawer, error) {
	switch strategy {
	case "", "random":
		return RandomDrawer{}, nil
	case "hash":
		return HashDrawer{}, nil
	default:
		return nil, fmt.Errorf("ruleengine: unknown draw strategy %q", strategy)
	}
}

// pickVariant selects the first variant whose cumulative weight exceeds d.
// Buckets are half-open, so with a 50/50 split a draw of 50 picks the second.
func pickVariant(options []VariantOption, d int) (VariantOption, bool) {
	cumulative := 0
	for _, opt := range options {
		if opt.Percentage <= 0 {
			continue
		}
		cumulative += opt.Percentage
		if d < cumulative {
			return opt, true
		}
	}
	return VariantOption{}, false
}

// totalWeight sums the positive percentages of a split.
func totalWeight(options []VariantOption) int {
	total := 0
	for _, opt := range options {
		if opt.Percentage > 0 {
			total += opt.Percentage
		}
	}
	return total
}

// drawVariant performs the weighted draw for a rule.
func drawVariant(drawer Drawer, subject string, rule *TriggerRule) (VariantOption, error) {
	total := totalWeight(rule.Variants)
	if total == 0 {
		return VariantOption{}, fmt.Errorf("experiment %s: %w", rule.ExperimentID, ErrEmptySplit)
	}

	d := drawer.Draw(subject, rule.ExperimentID, total)
	opt, ok := pickVariant(rule.Variants, d)
	if !ok {
		return VariantOption{}, fmt.Errorf("experiment %s: draw %d outside split of %d", rule.ExperimentID, d, total)
	}
	return opt, nil
}

// findVariant looks a previously assigned variant up in the current split.
func findVariant(options []VariantOption, id string) (VariantOption, bool) {
	for _, opt := range options {
		if opt.ID == id {
			return opt, true
		}
	}
	return VariantOption{}, false
}
