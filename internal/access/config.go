package access

import (
	"strings"
	"time"

	"github.com/signalsfoundry/satellite-access/internal/config"
	"github.com/signalsfoundry/satellite-access/internal/geofence"
)

const (
	defaultFreshnessWindow     = 300 * time.Second
	defaultLocationWaitTimeout = 180 * time.Second
	defaultResolverIdleTimeout = 30 * time.Minute
	defaultAnswerCacheValidity = 4 * time.Hour
	defaultLocationProvider    = "gps"
	defaultDispatchWorkers     = 8
)

// Config holds the engine's tunables and compiled-in fallbacks. Fields carry
// env tags so deployments can override them without a rebuild.
type Config struct {
	// FreshnessWindow is the maximum age of a last-known location that can be
	// used without asking for a new fix.
	FreshnessWindow time.Duration `env:"SATACCESS_LOCATION_FRESH_DURATION" envDefault:"300s"`

	// LocationWaitTimeout bounds the wait for a current-location fix.
	LocationWaitTimeout time.Duration `env:"SATACCESS_LOCATION_WAIT_TIMEOUT" envDefault:"180s"`

	// ResolverIdleTimeout releases the geofence resolver after this long
	// without a resolver lookup.
	ResolverIdleTimeout time.Duration `env:"SATACCESS_RESOLVER_IDLE_TIMEOUT" envDefault:"30m"`

	// AnswerCacheValidity is how long the last successful answer may stand in
	// for a location that never arrived.
	AnswerCacheValidity time.Duration `env:"SATACCESS_ANSWER_CACHE_VALIDITY" envDefault:"4h"`

	// CurrentLocationProvider is asked for a fresh fix when no last-known
	// location is fresh.
	CurrentLocationProvider string `env:"SATACCESS_LOCATION_PROVIDER" envDefault:"gps"`

	// TokenPrecision is the geohash length of location tokens.
	TokenPrecision int `env:"SATACCESS_TOKEN_PRECISION" envDefault:"6"`

	// DefaultAllow and DefaultCountryCodes apply when the store has never
	// been written.
	DefaultAllow        bool     `env:"SATACCESS_DEFAULT_ALLOW" envDefault:"true"`
	DefaultCountryCodes []string `env:"SATACCESS_DEFAULT_COUNTRY_CODES" envSeparator:","`

	// GeofenceFile is the dataset used until a remote config supplies one.
	GeofenceFile string `env:"SATACCESS_GEOFENCE_FILE"`

	// GeofenceDataDir, when set, receives a copy of every accepted remote
	// geofence file; the copy is preferred at startup.
	GeofenceDataDir string `env:"SATACCESS_GEOFENCE_DATA_DIR"`

	// DispatchWorkers sizes the pool that runs response sinks.
	DispatchWorkers int `env:"SATACCESS_DISPATCH_WORKERS" envDefault:"8"`
}

// DefaultConfig returns a Config with the compiled-in defaults.
func DefaultConfig() Config {
	return Config{
		FreshnessWindow:         defaultFreshnessWindow,
		LocationWaitTimeout:     defaultLocationWaitTimeout,
		ResolverIdleTimeout:     defaultResolverIdleTimeout,
		AnswerCacheValidity:     defaultAnswerCacheValidity,
		CurrentLocationProvider: defaultLocationProvider,
		TokenPrecision:          geofence.DefaultPrecision,
		DefaultAllow:            true,
		DispatchWorkers:         defaultDispatchWorkers,
	}
}

// LoadConfigFromEnv parses SATACCESS_* variables on top of the defaults.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := config.ParseEnv(&cfg); err != nil {
		return DefaultConfig(), err
	}
	return cfg.ApplyDefaults(), nil
}

// ApplyDefaults replaces zero or invalid durations and sizes with defaults.
// DefaultAllow is left alone since false is a meaningful value.
func (c Config) ApplyDefaults() Config {
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = defaultFreshnessWindow
	}
	if c.LocationWaitTimeout <= 0 {
		c.LocationWaitTimeout = defaultLocationWaitTimeout
	}
	if c.ResolverIdleTimeout <= 0 {
		c.ResolverIdleTimeout = defaultResolverIdleTimeout
	}
	if c.AnswerCacheValidity <= 0 {
		c.AnswerCacheValidity = defaultAnswerCacheValidity
	}
	if strings.TrimSpace(c.CurrentLocationProvider) == "" {
		c.CurrentLocationProvider = defaultLocationProvider
	}
	if c.TokenPrecision <= 0 {
		c.TokenPrecision = geofence.DefaultPrecision
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = defaultDispatchWorkers
	}
	c.DefaultCountryCodes = normalizeCodes(c.DefaultCountryCodes)
	return c
}
