package ruleengine

import (
	"context"
	"fmt"
	"time"
)

const (
	day   = 24 * time.Hour
	week  = 7 * day
	month = 30 * day
)

// OccurrenceReader exposes the placement occurrence log. PlacementOccurrences
// may be bounded to recent entries; PlacementCount never is.
type OccurrenceReader interface {
	PlacementOccurrences(ctx context.Context, name string) ([]time.Time, error)
	PlacementCount(ctx context.Context, name string) (int, error)
}

// computeProperties resolves the requested properties into
// computed[type][placementName]. Time-since values are floored and -1 when
// the placement never occurred.
func computeProperties(ctx context.Context, reader OccurrenceReader, now time.Time, requests []ComputedPropertyRequest) (map[string]any, error) {
	out := make(map[string]any, len(requests))
	logs := make(map[string][]time.Time)

	for _, req := range requests {
		var value int
		if req.Type == PlacementsSinceInstall {
			total, err := reader.PlacementCount(ctx, req.PlacementName)
			if err != nil {
				return nil, fmt.Errorf("failed to count occurrences of %s: %w", req.PlacementName, err)
			}
			value = total
		} else {
			occurrences, ok := logs[req.PlacementName]
			if !ok {
				var err error
				occurrences, err = reader.PlacementOccurrences(ctx, req.PlacementName)
				if err != nil {
					return nil, fmt.Errorf("failed to read occurrences of %s: %w", req.PlacementName, err)
				}
				logs[req.PlacementName] = occurrences
			}

			var err error
			value, err = computeProperty(req.Type, occurrences, now)
			if err != nil {
				return nil, err
			}
		}

		byPlacement, _ := out[string(req.Type)].(map[string]any)
		if byPlacement == nil {
			byPlacement = make(map[string]any)
			out[string(req.Type)] = byPlacement
		}
		byPlacement[req.PlacementName] = value
	}

	return out, nil
}

func computeProperty(kind ComputedPropertyType, occurrences []time.Time, now time.Time) (int, error) {
	switch kind {
	case MinutesSince:
		return since(occurrences, now, time.Minute), nil
	case HoursSince:
		return since(occurrences, now, time.Hour), nil
	case DaysSince:
		return since(occurrences, now, day), nil
	case MonthsSince:
		return since(occurrences, now, month), nil
	case PlacementsInHour:
		return countWithin(occurrences, now, time.Hour), nil
	case PlacementsInDay:
		return countWithin(occurrences, now, day), nil
	case PlacementsInWeek:
		return countWithin(occurrences, now, week), nil
	case PlacementsInMonth:
		return countWithin(occurrences, now, month), nil
	default:
		return 0, fmt.Errorf("unknown computed property %q", kind)
	}
}

func since(occurrences []time.Time, now time.Time, unit time.Duration) int {
	var last time.Time
	for _, at := range occurrences {
		if at.After(last) {
			last = at
		}
	}
	if last.IsZero() {
		return -1
	}
	return int(now.Sub(last) / unit)
}

func countWithin(occurrences []time.Time, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, at := range occurrences {
		if !at.Before(cutoff) {
			n++
		}
	}
	return n
}

// occurrenceSince converts a rule interval into the lower bound used when
// counting. The zero time means the whole log.
func occurrenceSince(interval OccurrenceInterval, now time.Time) time.Time {
	if interval.Type == "minutes" && interval.Minutes > 0 {
		return now.Add(-time.Duration(interval.Minutes) * time.Minute)
	}
	return time.Time{}
}
