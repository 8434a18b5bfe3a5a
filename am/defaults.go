package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// Provider names, in the order they are listed and started.
const (
	ProviderHGNC     = "hgnc"
	ProviderGnomAD   = "gnomad"
	ProviderGTEx     = "gtex"
	ProviderClinVar  = "clinvar"
	ProviderHPO      = "hpo"
	ProviderSTRING   = "string"
	ProviderUniProt  = "uniprot"
	ProviderGenCC    = "gencc"
	ProviderPubTator = "pubtator"
)

// ProviderOrder lists every known provider. HGNC comes first because it resolves identifiers.
var ProviderOrder = []string{
	ProviderHGNC,
	ProviderGnomAD,
	ProviderGTEx,
	ProviderClinVar,
	ProviderHPO,
	ProviderSTRING,
	ProviderUniProt,
	ProviderGenCC,
	ProviderPubTator,
}

type providerDefaults struct {
	baseURL  string
	bulkURL  string
	rate     float64
	burst    int
	perMin   int
	ttlHours int
	page     int
	batch    int
}

var defaultProviders = map[string]providerDefaults{
	ProviderHGNC:     {baseURL: "https://rest.genenames.org", rate: 10, burst: 10, ttlHours: 24 * 7},
	ProviderGnomAD:   {baseURL: "https://gnomad.broadinstitute.org/api", rate: 2, burst: 2, perMin: 60, ttlHours: 24 * 30},
	ProviderGTEx:     {baseURL: "https://gtexportal.org/api/v2", rate: 5, burst: 5, ttlHours: 24 * 30},
	ProviderClinVar:  {baseURL: "https://eutils.ncbi.nlm.nih.gov/entrez/eutils", rate: 3, burst: 1, ttlHours: 24 * 7},
	ProviderHPO:      {baseURL: "https://ontology.jax.org/api/network/annotation", rate: 5, burst: 5, ttlHours: 24 * 30},
	ProviderSTRING:   {baseURL: "https://string-db.org/api", rate: 1, burst: 1, ttlHours: 24 * 30, batch: 50},
	ProviderUniProt:  {baseURL: "https://rest.uniprot.org", rate: 10, burst: 10, ttlHours: 24 * 30},
	ProviderGenCC:    {bulkURL: "https://search.thegencc.org/download/action/submissions-export-tsv", rate: 1, burst: 1, ttlHours: 24},
	ProviderPubTator: {baseURL: "https://www.ncbi.nlm.nih.gov/research/pubtator3-api", rate: 3, burst: 1, ttlHours: 24 * 7, page: 100},
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "genepulse.db")

	// Cache defaults
	v.SetDefault("cache.path", "genepulse-cache")
	v.SetDefault("cache.in_memory", false)
	v.SetDefault("cache.l1_capacity", 10000)
	v.SetDefault("cache.default_ttl_seconds", 86400) // one day
	v.SetDefault("cache.gc_interval_seconds", 0)

	// Pipeline defaults
	v.SetDefault("pipeline.fan_out_width", 4)
	v.SetDefault("pipeline.provider_timeout_seconds", 30)
	v.SetDefault("pipeline.progress_flush_ms", 1000)
	v.SetDefault("pipeline.retry.max_attempts", 3)
	v.SetDefault("pipeline.retry.initial_ms", 500)
	v.SetDefault("pipeline.retry.max_ms", 10000)
	v.SetDefault("pipeline.retry.multiplier", 2.0)
	v.SetDefault("pipeline.breaker.failure_threshold", 5)
	v.SetDefault("pipeline.breaker.cooldown_seconds", 60)
	v.SetDefault("pipeline.breaker.backoff_multiplier", 2.0)
	v.SetDefault("pipeline.breaker.max_cooldown_seconds", 600)

	// Provider defaults
	for name, d := range defaultProviders {
		prefix := "providers." + name + "."
		v.SetDefault(prefix+"enabled", true)
		v.SetDefault(prefix+"base_url", d.baseURL)
		v.SetDefault(prefix+"bulk_url", d.bulkURL)
		v.SetDefault(prefix+"rate_per_second", d.rate)
		v.SetDefault(prefix+"burst", d.burst)
		v.SetDefault(prefix+"max_per_minute", d.perMin)
		v.SetDefault(prefix+"timeout_seconds", 0)
		v.SetDefault(prefix+"cache_ttl_hours", d.ttlHours)
		v.SetDefault(prefix+"page_size", d.page)
		v.SetDefault(prefix+"batch_size", d.batch)
		v.SetDefault(prefix+"api_key", "")
	}

	// Server configuration defaults
	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"https://localhost",
		"http://127.0.0.1",
		"https://127.0.0.1",
	})
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	// NCBI issues one key for all E-utilities and PubTator
	_ = v.BindEnv("providers.clinvar.api_key", "GENEPULSE_PROVIDERS_CLINVAR_API_KEY", "NCBI_API_KEY")
	_ = v.BindEnv("providers.pubtator.api_key", "GENEPULSE_PROVIDERS_PUBTATOR_API_KEY", "NCBI_API_KEY")

	_ = v.BindEnv("database.path", "GENEPULSE_DATABASE_PATH")
	_ = v.BindEnv("cache.path", "GENEPULSE_CACHE_PATH")
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Cache: %s, FanOut: %d, Providers: %v}",
		c.Database.Path, c.Cache.Path, c.Pipeline.FanOutWidth, c.EnabledProviders())
}
