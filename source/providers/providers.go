// Package providers implements the source adapters for the external gene
// annotation providers and builds them from configuration.
package providers

import (
	"encoding/json"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/genepulse/am"
	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/cache"
	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/internal/httpclient"
	"github.com/teranos/genepulse/logger"
	"github.com/teranos/genepulse/pulse/breaker"
	"github.com/teranos/genepulse/pulse/ratelimit"
	"github.com/teranos/genepulse/pulse/retry"
	"github.com/teranos/genepulse/source"
)

// Deps are the shared collaborators of every provider source
type Deps struct {
	// Client issues provider requests. Nil builds one from httpclient.DefaultOptions.
	Client *httpclient.Client
	// Limiters shares limiters with the config watcher. Nil creates private ones.
	Limiters       *ratelimit.Registry
	BreakerOptions []breaker.Option
	// WorkDir receives bulk downloads. Empty uses the system temp dir.
	WorkDir string
	Logger  *zap.SugaredLogger
}

// Build creates a source for every enabled provider, in provider order.
// HGNC runs in phase 1, everything else in phase 2.
func Build(cfg *am.Config, deps Deps) ([]*source.Source, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Client == nil {
		deps.Client = httpclient.New(httpclient.DefaultOptions())
	}
	if deps.Limiters == nil {
		deps.Limiters = ratelimit.NewRegistry(deps.Logger)
	}
	if deps.WorkDir == "" {
		deps.WorkDir = os.TempDir()
	}

	log := deps.Logger.Named("providers")
	policy := RetryPolicy(cfg.Pipeline.Retry)
	breakerCfg := BreakerConfig(cfg.Pipeline.Breaker)
	opts := append([]breaker.Option{breaker.WithStateChange(func(provider string, from, to breaker.State) {
		log.Warnw("Circuit breaker state changed",
			logger.FieldProvider, provider,
			"from", from.String(),
			logger.FieldState, to.String())
	})}, deps.BreakerOptions...)

	var sources []*source.Source
	for _, name := range cfg.EnabledProviders() {
		pc := cfg.Provider(name)
		src := &source.Source{
			Phase:     2,
			Limiter:   deps.Limiters.Register(name, Limits(pc)),
			Breaker:   breaker.New(name, breakerCfg, opts...),
			Retry:     policy,
			Timeout:   pc.Timeout(cfg.Pipeline.ProviderTimeout()),
			CacheTTL:  pc.CacheTTL(),
			Namespace: cache.SourceNamespace(name),
		}

		switch name {
		case am.ProviderHGNC:
			src.Adapter = NewHGNC(deps.Client, pc.BaseURL)
			src.Phase = 1
		case am.ProviderGnomAD:
			src.Adapter = NewGnomAD(deps.Client, pc.BaseURL)
		case am.ProviderGTEx:
			src.Adapter = NewGTEx(deps.Client, pc.BaseURL)
		case am.ProviderClinVar:
			src.Adapter = NewClinVar(deps.Client, pc.BaseURL, pc.APIKey)
		case am.ProviderHPO:
			src.Adapter = NewHPO(deps.Client, pc.BaseURL)
		case am.ProviderSTRING:
			src.Adapter = NewSTRING(deps.Client, pc.BaseURL, pc.BatchSize)
		case am.ProviderUniProt:
			src.Adapter = NewUniProt(deps.Client, pc.BaseURL)
		case am.ProviderGenCC:
			src.Adapter = NewGenCC(pc.BulkURL, deps.WorkDir, deps.Logger)
		case am.ProviderPubTator:
			src.Paged = NewPubTator(deps.Client, pc.BaseURL, pc.APIKey, pc.PageSize)
		default:
			return nil, errors.Newf("unknown provider %q", name)
		}

		if err := src.Validate(); err != nil {
			return nil, err
		}
		sources = append(sources, src)
		log.Debugw("Provider source built",
			logger.FieldProvider, name,
			logger.FieldPhase, src.Phase,
			"timeout", src.Timeout,
			"cache_ttl", src.CacheTTL)
	}

	if len(sources) == 0 {
		return nil, errors.New("no providers enabled")
	}
	return sources, nil
}

// Limits converts a provider's configured limits
func Limits(pc am.ProviderConfig) ratelimit.Config {
	return ratelimit.Config{
		RatePerSecond: pc.RatePerSecond,
		Burst:         pc.Burst,
		MaxPerMinute:  pc.MaxPerMinute,
	}
}

// AllLimits returns the limits of every configured provider, for Registry.Apply
func AllLimits(cfg *am.Config) map[string]ratelimit.Config {
	out := make(map[string]ratelimit.Config, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		out[name] = Limits(pc)
	}
	return out
}

// RetryPolicy converts the configured retry settings
func RetryPolicy(rc am.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialMS > 0 {
		p.Initial = time.Duration(rc.InitialMS) * time.Millisecond
	}
	if rc.MaxMS > 0 {
		p.Max = time.Duration(rc.MaxMS) * time.Millisecond
	}
	if rc.Multiplier >= 1 {
		p.Multiplier = rc.Multiplier
	}
	return p
}

// BreakerConfig converts the configured breaker settings
func BreakerConfig(bc am.BreakerConfig) breaker.Config {
	return breaker.Config{
		FailureThreshold:  bc.FailureThreshold,
		Cooldown:          time.Duration(bc.CooldownSeconds) * time.Second,
		BackoffMultiplier: bc.BackoffMultiplier,
		MaxCooldown:       time.Duration(bc.MaxCooldownSeconds) * time.Second,
	}
}

// base carries what every HTTP adapter shares
type base struct {
	name    string
	client  *httpclient.Client
	baseURL string
}

func (b base) Name() string { return b.name }

func (b base) Validate(rec *annotation.Record) error {
	return rec.Validate()
}

// endpoint joins the base URL with path and query
func (b base) endpoint(path string, query url.Values) string {
	u := strings.TrimRight(b.baseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// record wraps a normalized payload
func record(provider string, e source.Entity, payload interface{}) (*annotation.Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "encode %s payload", provider), errors.ErrValidation)
	}
	return &annotation.Record{EntityID: e.ID, Provider: provider, Payload: data}, nil
}

// decode unmarshals a cached or fetched raw payload
func decode(provider string, raw source.Raw, out interface{}) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.NewValidationError("%s payload: %v", provider, err)
	}
	return nil
}

// requireID fails entities that lack the identifier a provider is keyed by
func requireID(provider, kind, id string, e source.Entity) error {
	if id == "" {
		return errors.NewNotFoundError("%s needs an %s for %s", provider, kind, e.ID)
	}
	return nil
}
