package engine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/rendis/stepwise/pkg/schema"
)

var validate = validator.New()

// Config holds engine-wide execution settings. Zero values are not defaults:
// build a Config with DefaultConfig or LoadConfig.
type Config struct {
	DefaultTimeout     time.Duration  `json:"default_timeout" yaml:"default_timeout" default:"30s" validate:"gt=0"`
	MaxRetries         int            `json:"max_retries" yaml:"max_retries" default:"3" validate:"gte=0,lte=50"`
	RetryBaseDelay     time.Duration  `json:"retry_base_delay" yaml:"retry_base_delay" default:"1s" validate:"gte=0"`
	RetryMaxDelay      time.Duration  `json:"retry_max_delay" yaml:"retry_max_delay" default:"30s" validate:"gtefield=RetryBaseDelay"`
	BreakerThreshold   int            `json:"breaker_threshold" yaml:"breaker_threshold" default:"5" validate:"gte=1"`
	BreakerCooldown    time.Duration  `json:"breaker_cooldown" yaml:"breaker_cooldown" default:"30s" validate:"gt=0"`
	MaxConcurrency     int            `json:"max_concurrency" yaml:"max_concurrency" default:"5" validate:"gte=1"`
	HealthRecheck      time.Duration  `json:"health_recheck" yaml:"health_recheck" default:"1m" validate:"gte=0"`
	StrictCancellation bool           `json:"strict_cancellation" yaml:"strict_cancellation"`
	Failover           FailoverConfig `json:"failover" yaml:"failover"`
}

// FailoverConfig controls when and where a failed action is retargeted.
type FailoverConfig struct {
	FailoverOnTimeout     bool     `json:"failover_on_timeout" yaml:"failover_on_timeout" default:"true"`
	FailoverOnStepFailure bool     `json:"failover_on_step_failure" yaml:"failover_on_step_failure" default:"true"`
	MaxFailoverAttempts   int      `json:"max_failover_attempts" yaml:"max_failover_attempts" default:"2" validate:"gte=0"`
	FallbackServices      []string `json:"fallback_services" yaml:"fallback_services" validate:"dive,required"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	var cfg Config
	// Struct tags are static; Set cannot fail here.
	_ = defaults.Set(&cfg)
	return cfg
}

// LoadConfig layers raw values over the defaults and validates the result.
// Durations may be given as strings ("250ms") or nanosecond integers.
func LoadConfig(raw map[string]any) (Config, error) {
	cfg := DefaultConfig()
	if len(raw) > 0 {
		if err := decodeMap(raw, &cfg, "yaml"); err != nil {
			return Config{}, schema.NewErrorf(schema.ErrCodeValidation, "decode engine config: %v", err).WithCause(err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the config against its validate tags.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validator.ValidationErrors); ok {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("field '%s' failed validation (rule: %s)", fe.Namespace(), fe.Tag()))
		}
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid engine config: %s", strings.Join(msgs, "; ")).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid engine config: %v", err).WithCause(err)
}

// RetryPolicy derives the engine-wide retry policy.
func (c Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: c.MaxRetries, BaseDelay: c.RetryBaseDelay, MaxDelay: c.RetryMaxDelay}
}

// decodeMap decodes a loosely typed map into target using the given struct tag.
func decodeMap(raw any, target any, tag string) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: tag,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			stepDurationHook,
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	return decoder.Decode(raw)
}

var stepDurationType = reflect.TypeOf(schema.Duration(0))

// stepDurationHook decodes schema.Duration fields from strings or millisecond counts.
func stepDurationHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != stepDurationType {
		return data, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var d schema.Duration
	if err := d.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return d, nil
}
