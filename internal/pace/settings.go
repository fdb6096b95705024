package pace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/spf13/cast"

	"github.com/loykin/creditwatch/internal/store"
)

// Setting keys as stored.
const (
	KeyRenewalDay        = "renewalDay"
	KeyPlanStartCredit   = "planStartCredit"
	KeyPurchasedCredits  = "purchasedCredits"
	KeyFixedLimitEnabled = "fixedLimitEnabled"
	KeyFixedLimitValue   = "fixedLimitValue"
)

// DisplayKeys toggle the lines of a rendered report. All default to shown.
var DisplayKeys = []string{
	"showCurrentBalance",
	"showDailyStart",
	"showConsumedToday",
	"showSinceLastCheck",
	"showActualPace",
	"showTargetPace",
	"showStatus",
	"showDaysInfo",
	"showDaysAhead",
}

var planKeys = []string{KeyRenewalDay, KeyPlanStartCredit, KeyPurchasedCredits, KeyFixedLimitEnabled, KeyFixedLimitValue}

var (
	ErrUnknownSetting = errors.New("unknown setting")
	ErrInvalidSetting = errors.New("invalid setting value")
)

// SettingKeys returns every writable setting key.
func SettingKeys() []string {
	return append(slices.Clone(planKeys), DisplayKeys...)
}

func IsSettingKey(key string) bool { return slices.Contains(SettingKeys(), key) }

// Settings are the plan plus display toggles in effect.
type Settings struct {
	Plan    Plan            `json:"plan"`
	Display map[string]bool `json:"display"`
}

// Shown reports whether a display toggle is on.
func (s Settings) Shown(key string) bool {
	v, ok := s.Display[key]
	return !ok || v
}

// LoadSettings overlays stored settings on base.
func LoadSettings(ctx context.Context, st store.Store, base Plan) (Settings, error) {
	out := Settings{Plan: base, Display: map[string]bool{}}
	raw, err := st.Get(ctx, SettingKeys()...)
	if err != nil {
		return out, fmt.Errorf("load settings: %w", err)
	}
	for key, msg := range raw {
		var v any
		if err := json.Unmarshal(msg, &v); err != nil {
			return out, fmt.Errorf("setting %s: %w", key, err)
		}
		if err := out.apply(key, v); err != nil {
			return out, err
		}
	}
	return out, nil
}

// SetSetting validates value and writes it under key. String values are
// converted, so CLI arguments and JSON bodies are both accepted.
func SetSetting(ctx context.Context, st store.Store, key string, value any) error {
	var s Settings
	s.Display = map[string]bool{}
	if err := s.apply(key, value); err != nil {
		return err
	}
	var stored any
	switch key {
	case KeyRenewalDay:
		stored = s.Plan.RenewalDay
	case KeyPlanStartCredit:
		stored = s.Plan.PlanStartCredit
	case KeyPurchasedCredits:
		stored = s.Plan.PurchasedCredits
	case KeyFixedLimitEnabled:
		stored = s.Plan.FixedLimitEnabled
	case KeyFixedLimitValue:
		stored = s.Plan.FixedLimitValue
	default:
		stored = s.Display[key]
	}
	return st.Set(ctx, map[string]any{key: stored})
}

func (s *Settings) apply(key string, value any) error {
	switch {
	case key == KeyFixedLimitEnabled:
		b, err := cast.ToBoolE(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSetting, key, err)
		}
		s.Plan.FixedLimitEnabled = b
		return nil
	case slices.Contains(DisplayKeys, key):
		b, err := cast.ToBoolE(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSetting, key, err)
		}
		s.Display[key] = b
		return nil
	case !slices.Contains(planKeys, key):
		return fmt.Errorf("%w: %s", ErrUnknownSetting, key)
	}

	n, err := cast.ToIntE(value)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidSetting, key, err)
	}
	if n < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidSetting, key)
	}
	switch key {
	case KeyRenewalDay:
		if n < 1 || n > 31 {
			return fmt.Errorf("%w: %s must be between 1 and 31", ErrInvalidSetting, key)
		}
		s.Plan.RenewalDay = n
	case KeyPlanStartCredit:
		s.Plan.PlanStartCredit = n
	case KeyPurchasedCredits:
		s.Plan.PurchasedCredits = n
	case KeyFixedLimitValue:
		s.Plan.FixedLimitValue = n
	}
	return nil
}
