package am

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/teranos/genepulse/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Database),
		validation.Field(&c.Cache),
		validation.Field(&c.Pipeline),
		validation.Field(&c.Providers),
		validation.Field(&c.Server),
	); err != nil {
		return errors.WithHint(errors.Mark(err, errors.ErrValidation),
			"check am.toml or GENEPULSE_* environment variables")
	}
	// Phase 2 providers are keyed by identifiers only HGNC resolves
	if len(c.EnabledProviders()) > 0 && !c.Provider(ProviderHGNC).Enabled {
		return errors.NewValidationError("providers.hgnc must stay enabled while other providers are enabled")
	}
	return nil
}

func (c DatabaseConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Path, validation.Required),
	)
}

func (c CacheConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Path, validation.When(!c.InMemory, validation.Required)),
		validation.Field(&c.L1Capacity, validation.Required, validation.Min(1)),
		validation.Field(&c.DefaultTTLSeconds, validation.Required, validation.Min(1)),
		validation.Field(&c.GCIntervalSeconds, validation.Min(0)),
	)
}

func (c PipelineConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.FanOutWidth, validation.Required, validation.Min(1)),
		validation.Field(&c.ProviderTimeoutSeconds, validation.Required, validation.Min(1)),
		validation.Field(&c.ProgressFlushMS, validation.Min(0)),
		validation.Field(&c.Retry),
		validation.Field(&c.Breaker),
	)
}

func (c RetryConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxAttempts, validation.Required, validation.Min(1)),
		validation.Field(&c.InitialMS, validation.Required, validation.Min(1)),
		validation.Field(&c.MaxMS, validation.Required, validation.Min(c.InitialMS)),
		validation.Field(&c.Multiplier, validation.Required, validation.Min(1.0)),
	)
}

func (c BreakerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.FailureThreshold, validation.Required, validation.Min(1)),
		validation.Field(&c.CooldownSeconds, validation.Required, validation.Min(1)),
		validation.Field(&c.BackoffMultiplier, validation.Required, validation.Min(1.0)),
		validation.Field(&c.MaxCooldownSeconds, validation.Required, validation.Min(c.CooldownSeconds)),
	)
}

func (c ProviderConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.BaseURL,
			validation.When(c.Enabled && c.BulkURL == "", validation.Required),
			is.URL),
		validation.Field(&c.BulkURL, is.URL),
		validation.Field(&c.RatePerSecond, validation.Min(0.0)),
		validation.Field(&c.Burst, validation.Min(0)),
		validation.Field(&c.MaxPerMinute, validation.Min(0)),
		validation.Field(&c.TimeoutSeconds, validation.Min(0)),
		validation.Field(&c.CacheTTLHours, validation.Min(0)),
		validation.Field(&c.PageSize, validation.Min(0), validation.Max(1000)),
		validation.Field(&c.BatchSize, validation.Min(0), validation.Max(500)),
	)
}

func (c ServerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}
