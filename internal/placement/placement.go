// Package placement models a named application event that may trigger a
// paywall decision.
package placement

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
)

// ReservedPrefix marks parameter keys used internally. They are tracked but
// never reach audience rules.
const ReservedPrefix = "$"

// ErrReservedName is returned when a caller tries to track an event name that
// the SDK emits itself.
var ErrReservedName = errors.New("placement: name is reserved for internal events")

// ErrEmptyName is returned for placements without a name.
var ErrEmptyName = errors.New("placement: name cannot be empty")

// Placement is an immutable record of one named event.
type Placement struct {
	ID         string
	Name       string
	Parameters map[string]any
	OccurredAt time.Time
}

// New validates the name and normalizes params into JSON values.
// Values that have no JSON representation are dropped and logged.
func New(name string, params map[string]any, now time.Time, logger *slog.Logger) (Placement, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Placement{}, ErrEmptyName
	}
	if IsReserved(name) {
		return Placement{}, fmt.Errorf("%w: %q", ErrReservedName, name)
	}
	return newPlacement(name, params, now, logger), nil
}

// NewInternal builds a placement for an event the SDK emits itself
// (app_open, transaction_abandon, ...). Reserved names are accepted.
func NewInternal(name string, params map[string]any, now time.Time, logger *slog.Logger) Placement {
	return newPlacement(name, params, now, logger)
}

func newPlacement(name string, params map[string]any, now time.Time, logger *slog.Logger) Placement {
	if logger == nil {
		logger = slog.Default()
	}
	return Placement{
		ID:         uuid.NewString(),
		Name:       name,
		Parameters: normalize(params, logger),
		OccurredAt: now,
	}
}

// RuleParameters returns the parameters visible to audience rules:
// everything except reserved-prefix keys. The result is a fresh map.
func (p Placement) RuleParameters() map[string]any {
	out := make(map[string]any, len(p.Parameters))
	for k, v := range p.Parameters {
		if strings.HasPrefix(k, ReservedPrefix) {
			continue
		}
		out[k] = v
	}
	return out
}

// TrackingParameters returns a copy of all parameters, reserved ones included.
func (p Placement) TrackingParameters() map[string]any {
	return maps.Clone(p.Parameters)
}

// normalize converts params to plain JSON values via structpb so that rule
// engines only ever see string, float64, bool, nil, []any and map[string]any.
func normalize(params map[string]any, logger *slog.Logger) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if t, ok := v.(time.Time); ok {
			out[k] = t.UTC().Format(time.RFC3339)
			continue
		}
		value, err := structpb.NewValue(v)
		if err != nil {
			logger.Warn("dropping placement parameter that is not a JSON value",
				slog.String("key", k),
				slog.String("type", fmt.Sprintf("%T", v)),
			)
			continue
		}
		out[k] = value.AsInterface()
	}
	return out
}
