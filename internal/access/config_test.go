package access

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("SATACCESS_LOCATION_FRESH_DURATION", "90s")
	t.Setenv("SATACCESS_DEFAULT_ALLOW", "false")
	t.Setenv("SATACCESS_DEFAULT_COUNTRY_CODES", "us, ca,US")
	t.Setenv("SATACCESS_GEOFENCE_FILE", "/etc/accessd/sats2.geojson")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if cfg.FreshnessWindow != 90*time.Second {
		t.Fatalf("FreshnessWindow = %v", cfg.FreshnessWindow)
	}
	if cfg.DefaultAllow {
		t.Fatalf("DefaultAllow should be false")
	}
	if want := []string{"CA", "US"}; !reflect.DeepEqual(cfg.DefaultCountryCodes, want) {
		t.Fatalf("DefaultCountryCodes = %v, want %v", cfg.DefaultCountryCodes, want)
	}
	if cfg.LocationWaitTimeout != defaultLocationWaitTimeout || cfg.CurrentLocationProvider != "gps" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfigFromEnv_BadDuration(t *testing.T) {
	t.Setenv("SATACCESS_LOCATION_WAIT_TIMEOUT", "soon")
	if _, err := LoadConfigFromEnv(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestApplyDefaults_RepairsZeroValues(t *testing.T) {
	cfg := Config{}.ApplyDefaults()
	if cfg.ResolverIdleTimeout != defaultResolverIdleTimeout || cfg.AnswerCacheValidity != defaultAnswerCacheValidity {
		t.Fatalf("durations not defaulted: %+v", cfg)
	}
	if cfg.TokenPrecision != 6 || cfg.DispatchWorkers != defaultDispatchWorkers {
		t.Fatalf("sizes not defaulted: %+v", cfg)
	}
	if cfg.DefaultAllow {
		t.Fatalf("ApplyDefaults must not flip DefaultAllow")
	}
}
