package guardrail

import (
	"encoding/json"
	"fmt"
	"time"

	"bastion/internal/action"
	dErrors "bastion/pkg/domain-errors"
)

// Predicate kinds recognized in rule specs.
const (
	KindAmountAbove  = "amount_above"
	KindOutsideHours = "outside_business_hours"
	KindRateExceeded = "rate_exceeded"
)

// ParsePredicate materializes a predicate from its serialized kind and params.
func ParsePredicate(kind string, params json.RawMessage) (Predicate, error) {
	switch kind {
	case KindAmountAbove:
		var p AmountAbove
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, "malformed amount_above params")
		}
		if p.ThresholdMinor <= 0 {
			return nil, dErrors.New(dErrors.CodeValidation, "threshold_minor must be positive")
		}
		return p, nil
	case KindOutsideHours:
		var p OutsideBusinessHours
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, "malformed outside_business_hours params")
		}
		if p.OpenHour < 0 || p.OpenHour > 23 || p.CloseHour < 0 || p.CloseHour > 24 || p.OpenHour == p.CloseHour {
			return nil, dErrors.New(dErrors.CodeValidation, "business hours need open in 0-23, close in 0-24, open != close")
		}
		return p, nil
	case KindRateExceeded:
		var p RateExceeded
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeValidation, "malformed rate_exceeded params")
		}
		if p.Max <= 0 || p.Window <= 0 {
			return nil, dErrors.New(dErrors.CodeValidation, "max and window_seconds must be positive")
		}
		return p, nil
	default:
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown predicate kind: %s", kind))
	}
}

// AmountAbove matches when the action's monetary amount exceeds the threshold.
// Amounts compare in integer minor units; there is no floating point anywhere
// near money.
type AmountAbove struct {
	ThresholdMinor int64 `json:"threshold_minor"`
}

func (p AmountAbove) Match(in Input) (bool, error) {
	amounter, ok := in.Payload.(action.Amounter)
	if !ok {
		// The payload carries no amount: the predicate cannot be evaluated.
		return false, fmt.Errorf("action %s carries no amount", in.ActionType)
	}
	return amounter.AmountMinor() > p.ThresholdMinor, nil
}

func (p AmountAbove) Describe() string {
	return fmt.Sprintf("amount above %d minor units", p.ThresholdMinor)
}

// OutsideBusinessHours matches when the action is attempted outside the
// tenant's configured business hours. Hours are half-open: [open, close),
// with close 24 meaning midnight. A window with open past close wraps past
// midnight, so 22-6 covers the night shift.
type OutsideBusinessHours struct {
	OpenHour  int    `json:"open_hour"`
	CloseHour int    `json:"close_hour"`
	Timezone  string `json:"timezone"`
}

func (p OutsideBusinessHours) Match(in Input) (bool, error) {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return false, fmt.Errorf("unknown timezone %q: %w", p.Timezone, err)
	}
	hour := in.Now.In(loc).Hour()
	if p.OpenHour < p.CloseHour {
		return hour < p.OpenHour || hour >= p.CloseHour, nil
	}
	// Wrapped window: open in the evening, close the next morning.
	return hour < p.OpenHour && hour >= p.CloseHour, nil
}

func (p OutsideBusinessHours) Describe() string {
	return fmt.Sprintf("outside business hours %02d:00-%02d:00 %s", p.OpenHour, p.CloseHour, p.Timezone)
}

// RateExceeded matches when the actor already performed the action type at
// least Max times within the trailing window.
type RateExceeded struct {
	Max    int   `json:"max"`
	Window int64 `json:"window_seconds"`
}

func (p RateExceeded) Match(in Input) (bool, error) {
	if in.Counter == nil {
		return false, fmt.Errorf("no action counter available")
	}
	window := time.Duration(p.Window) * time.Second
	count, err := in.Counter.Count(in.TenantID, in.ActorID, in.ActionType, window, in.Now)
	if err != nil {
		return false, fmt.Errorf("count trailing actions: %w", err)
	}
	return count >= p.Max, nil
}

func (p RateExceeded) Describe() string {
	return fmt.Sprintf("more than %d actions per %ds", p.Max, p.Window)
}
