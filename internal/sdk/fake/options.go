package fake

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultName       = "fake"
	defaultInitDelay  = 20 * time.Millisecond
	defaultLoadDelay  = 10 * time.Millisecond
	defaultShowDelay  = 5 * time.Millisecond
	defaultRewardType = "coins"
)

var defaultRewardAmount = decimal.NewFromInt(10)

// Options configures the fake network's simulated vendor behaviour.
type Options struct {
	Name string
	// AutoInit completes every Init call on a vendor goroutine after InitDelay.
	// When false the test drives completion through CompleteInit.
	AutoInit  bool
	InitDelay time.Duration
	// InitError, when set, makes automatic init fail with this reason.
	InitError string
	// InstallFailures is the number of RegisterGlobalListener calls rejected before one succeeds.
	InstallFailures int
	// InstallDelay stalls every RegisterGlobalListener call.
	InstallDelay time.Duration
	LoadDelay    time.Duration
	ShowDelay    time.Duration
	FailLoadKeys []string
	FailShowKeys []string
	RewardType   string
	RewardAmount decimal.Decimal
}

func withDefaults(in Options) Options {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		in.Name = defaultName
	}
	if in.InitDelay <= 0 {
		in.InitDelay = defaultInitDelay
	}
	if in.LoadDelay <= 0 {
		in.LoadDelay = defaultLoadDelay
	}
	if in.ShowDelay <= 0 {
		in.ShowDelay = defaultShowDelay
	}
	if in.RewardType == "" {
		in.RewardType = defaultRewardType
	}
	if in.RewardAmount.IsZero() {
		in.RewardAmount = defaultRewardAmount
	}
	return in
}

// OptionsFromConfig decodes the free-form options block of a network entry.
// Networks built from configuration complete init automatically.
func OptionsFromConfig(name string, cfg map[string]any) (Options, error) {
	opts := Options{Name: name, AutoInit: true}
	if v, ok := cfg["auto_init"].(bool); ok {
		opts.AutoInit = v
	}
	if d, ok := durationFromConfig(cfg, "init_delay"); ok {
		opts.InitDelay = d
	}
	if d, ok := durationFromConfig(cfg, "install_delay"); ok {
		opts.InstallDelay = d
	}
	if d, ok := durationFromConfig(cfg, "load_delay"); ok {
		opts.LoadDelay = d
	}
	if d, ok := durationFromConfig(cfg, "show_delay"); ok {
		opts.ShowDelay = d
	}
	if v, ok := cfg["init_error"].(string); ok {
		opts.InitError = strings.TrimSpace(v)
	}
	if n, ok := intFromConfig(cfg, "install_failures"); ok {
		opts.InstallFailures = n
	}
	opts.FailLoadKeys = stringsFromConfig(cfg, "fail_load")
	opts.FailShowKeys = stringsFromConfig(cfg, "fail_show")
	if v, ok := cfg["reward_type"].(string); ok {
		opts.RewardType = strings.TrimSpace(v)
	}
	if raw, ok := cfg["reward_amount"]; ok {
		amount, err := decimalFromConfig(raw)
		if err != nil {
			return Options{}, fmt.Errorf("fake network %s: reward_amount: %w", name, err)
		}
		opts.RewardAmount = amount
	}
	return opts, nil
}

func durationFromConfig(cfg map[string]any, key string) (time.Duration, bool) {
	v, ok := cfg[key]
	if !ok {
		return 0, false
	}
	switch value := v.(type) {
	case string:
		d, err := time.ParseDuration(value)
		if err != nil {
			return 0, false
		}
		return d, true
	case int:
		return time.Duration(value) * time.Millisecond, true
	case int64:
		return time.Duration(value) * time.Millisecond, true
	case float64:
		return time.Duration(value) * time.Millisecond, true
	default:
		return 0, false
	}
}

func intFromConfig(cfg map[string]any, key string) (int, bool) {
	switch value := cfg[key].(type) {
	case int:
		return value, true
	case int64:
		return int(value), true
	case float64:
		return int(value), true
	default:
		return 0, false
	}
}

func stringsFromConfig(cfg map[string]any, key string) []string {
	switch value := cfg[key].(type) {
	case []string:
		return append([]string(nil), value...)
	case []any:
		out := make([]string, 0, len(value))
		for _, item := range value {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		if strings.TrimSpace(value) == "" {
			return nil
		}
		return []string{strings.TrimSpace(value)}
	default:
		return nil
	}
}

func decimalFromConfig(raw any) (decimal.Decimal, error) {
	switch value := raw.(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(value))
	case int:
		return decimal.NewFromInt(int64(value)), nil
	case int64:
		return decimal.NewFromInt(value), nil
	case float64:
		return decimal.NewFromFloat(value), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported type %T", raw)
	}
}
