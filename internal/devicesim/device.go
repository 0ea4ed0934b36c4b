// Package devicesim provides a simulated handset that backs every collaborator
// the access engine consults. Profiles and remote configs are JSON documents.
package devicesim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/satellite-access/internal/access"
	"github.com/signalsfoundry/satellite-access/timectrl"
)

// Duration is a time.Duration that reads and writes as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Fix is a location fix whose timestamp is Age before the moment it is read.
type Fix struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Age       Duration `json:"age,omitempty"`
}

// CountryRecord is a country code observed Age ago.
type CountryRecord struct {
	Code string   `json:"code"`
	Age  Duration `json:"age,omitempty"`
}

// Profile describes the simulated device state.
type Profile struct {
	OEMSatelliteEnabled bool   `json:"oem_satellite_enabled"`
	Supported           bool   `json:"supported"`
	Provisioned         bool   `json:"provisioned"`
	ModemError          string `json:"modem_error,omitempty"`

	NetworkCountryCodes    []string        `json:"network_country_codes,omitempty"`
	CachedLocationCountry  *CountryRecord  `json:"cached_location_country,omitempty"`
	CachedNetworkCountries []CountryRecord `json:"cached_network_countries,omitempty"`

	InEmergencyCall        bool   `json:"in_emergency_call"`
	EmergencyCallbackLines []bool `json:"emergency_callback_lines,omitempty"`

	LastKnown       map[string]Fix `json:"last_known,omitempty"`
	CurrentFix      *Fix           `json:"current_fix,omitempty"`
	CurrentFixDelay Duration       `json:"current_fix_delay,omitempty"`
}

// DefaultProfile is a supported, provisioned device with no location signals.
func DefaultProfile() Profile {
	return Profile{OEMSatelliteEnabled: true, Supported: true, Provisioned: true}
}

// LoadProfile reads a JSON profile, starting from DefaultProfile.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read device profile: %w", err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode device profile %s: %w", path, err)
	}
	return p, nil
}

// remoteConfigFile is the on-disk remote config format.
type remoteConfigFile struct {
	CountryCodes    []string `json:"country_codes"`
	IsAllowedRegion *bool    `json:"is_allowed_region"`
	GeofenceFile    string   `json:"geofence_file"`
}

// Device implements access.FeatureFlags, access.Controller,
// access.CountryDetector, access.LocationProvider and access.CallState.
type Device struct {
	clock timectrl.Clock

	mu      sync.RWMutex
	profile Profile
	remote  *access.RemoteConfig

	subMu   sync.Mutex
	subs    map[int]func()
	nextSub int
}

var (
	_ access.FeatureFlags     = (*Device)(nil)
	_ access.Controller       = (*Device)(nil)
	_ access.CountryDetector  = (*Device)(nil)
	_ access.LocationProvider = (*Device)(nil)
	_ access.CallState        = (*Device)(nil)
)

// New creates a device reading time from clock.
func New(profile Profile, clock timectrl.Clock) *Device {
	if clock == nil {
		clock = timectrl.SystemClock{}
	}
	return &Device{clock: clock, profile: profile, subs: make(map[int]func())}
}

// Update mutates the profile under the device lock.
func (d *Device) Update(fn func(*Profile)) {
	d.mu.Lock()
	fn(&d.profile)
	d.mu.Unlock()
}

// Profile returns a copy of the current profile.
func (d *Device) Profile() Profile {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.profile
}

func (d *Device) OEMSatelliteEnabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.profile.OEMSatelliteEnabled
}

func (d *Device) modemErr() error {
	if d.profile.ModemError == "" {
		return nil
	}
	return &access.ResultError{Result: access.ResultModemError, Err: errors.New(d.profile.ModemError)}
}

// RequestIsSupported answers from a separate goroutine, as a modem would.
func (d *Device) RequestIsSupported(_ context.Context, _ int, done func(bool, error)) {
	d.mu.RLock()
	v, err := d.profile.Supported, d.modemErr()
	d.mu.RUnlock()
	go done(v, err)
}

func (d *Device) RequestIsProvisioned(_ context.Context, _ int, done func(bool, error)) {
	d.mu.RLock()
	v, err := d.profile.Provisioned, d.modemErr()
	d.mu.RUnlock()
	go done(v, err)
}

func (d *Device) RemoteConfig() *access.RemoteConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.remote == nil {
		return nil
	}
	rc := *d.remote
	rc.CountryCodes = append([]string(nil), d.remote.CountryCodes...)
	return &rc
}

func (d *Device) SubscribeConfigUpdates(fn func()) func() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	return func() {
		d.subMu.Lock()
		delete(d.subs, id)
		d.subMu.Unlock()
	}
}

// SetRemoteConfig installs rc and notifies subscribers.
func (d *Device) SetRemoteConfig(rc *access.RemoteConfig) {
	d.mu.Lock()
	d.remote = rc
	d.mu.Unlock()

	d.subMu.Lock()
	subs := make([]func(), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.subMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// LoadRemoteConfig parses a JSON remote config and publishes it. A relative
// geofence_file is resolved against the config file's directory.
func (d *Device) LoadRemoteConfig(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read remote config: %w", err)
	}
	var raw remoteConfigFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode remote config %s: %w", path, err)
	}
	geofence := raw.GeofenceFile
	if geofence != "" && !filepath.IsAbs(geofence) {
		geofence = filepath.Join(filepath.Dir(path), geofence)
	}
	d.SetRemoteConfig(&access.RemoteConfig{
		CountryCodes:    raw.CountryCodes,
		IsAllowedRegion: raw.IsAllowedRegion,
		GeofenceFile:    geofence,
	})
	return nil
}

func (d *Device) CurrentNetworkCountryCodes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.profile.NetworkCountryCodes...)
}

func (d *Device) CachedLocationCountry() (string, time.Time) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec := d.profile.CachedLocationCountry
	if rec == nil {
		return "", time.Time{}
	}
	return rec.Code, d.clock.Now().Add(-time.Duration(rec.Age))
}

func (d *Device) CachedNetworkCountries() map[string]time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	now := d.clock.Now()
	out := make(map[string]time.Time, len(d.profile.CachedNetworkCountries))
	for _, rec := range d.profile.CachedNetworkCountries {
		out[rec.Code] = now.Add(-time.Duration(rec.Age))
	}
	return out
}

func (d *Device) Providers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.profile.LastKnown))
	for p := range d.profile.LastKnown {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (d *Device) LastKnownLocation(provider string) *access.Location {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fix, ok := d.profile.LastKnown[provider]
	if !ok {
		return nil
	}
	return d.toLocation(fix)
}

// RequestCurrentLocation replies after CurrentFixDelay with CurrentFix, or nil
// when the profile has none. A request that outlives timeout or ctx is dropped.
func (d *Device) RequestCurrentLocation(ctx context.Context, _ string, timeout time.Duration, done func(*access.Location)) {
	d.mu.RLock()
	fix := d.profile.CurrentFix
	delay := time.Duration(d.profile.CurrentFixDelay)
	d.mu.RUnlock()

	go func() {
		if timeout > 0 && delay > timeout {
			return
		}
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if fix == nil {
			done(nil)
			return
		}
		d.mu.RLock()
		loc := d.toLocation(*fix)
		d.mu.RUnlock()
		done(loc)
	}()
}

func (d *Device) toLocation(fix Fix) *access.Location {
	return &access.Location{
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		Time:      d.clock.Now().Add(-time.Duration(fix.Age)),
	}
}

func (d *Device) InEmergencyCall() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.profile.InEmergencyCall
}

func (d *Device) Lines() []access.Line {
	d.mu.RLock()
	defer d.mu.RUnlock()
	lines := make([]access.Line, 0, len(d.profile.EmergencyCallbackLines))
	for _, ecm := range d.profile.EmergencyCallbackLines {
		lines = append(lines, line(ecm))
	}
	return lines
}

type line bool

func (l line) InEmergencyCallbackMode() bool { return bool(l) }
