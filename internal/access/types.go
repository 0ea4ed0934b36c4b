// Package access decides whether satellite communication is allowed at the
// device's current location. All decision state lives on one engine goroutine;
// modem replies, location fixes, timers and config notifications re-enter it
// as events.
package access

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// Result is the terminal outcome of an access decision.
type Result int

const (
	ResultSuccess Result = iota
	ResultUnsupported
	ResultModemError
	ResultLocationNotAvailable
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultUnsupported:
		return "UNSUPPORTED"
	case ResultModemError:
		return "MODEM_ERROR"
	case ResultLocationNotAvailable:
		return "LOCATION_NOT_AVAILABLE"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Response is delivered exactly once per request. Allowed is meaningful only
// when Result is ResultSuccess; Err carries the cause of a failure.
type Response struct {
	Result  Result
	Allowed bool
	Err     error
}

// ResponseSink receives the terminal response of a request. Sinks run on a
// dispatch worker, never on the engine goroutine.
type ResponseSink interface {
	Deliver(Response)
}

// ResponseFunc adapts a function to ResponseSink.
type ResponseFunc func(Response)

// Deliver implements ResponseSink.
func (f ResponseFunc) Deliver(r Response) { f(r) }

var (
	// ErrEngineClosed answers requests that are in flight at, or arrive after,
	// Close.
	ErrEngineClosed = errors.New("access: engine closed")
	// ErrNoGeofenceFile means an on-device lookup was needed but no dataset
	// has been configured.
	ErrNoGeofenceFile = errors.New("access: no geofence dataset configured")
)

// ResultError lets a collaborator fail a query with a specific result kind.
// Any other error is reported as ResultModemError.
type ResultError struct {
	Result Result
	Err    error
}

func (e *ResultError) Error() string {
	if e.Err == nil {
		return e.Result.String()
	}
	return fmt.Sprintf("%s: %v", e.Result, e.Err)
}

func (e *ResultError) Unwrap() error { return e.Err }

func resultFromError(err error) Result {
	var re *ResultError
	if errors.As(err, &re) {
		return re.Result
	}
	return ResultModemError
}

// Location is a position fix. Time is read from the same clock the engine's
// scheduler uses, so freshness is Now() minus Time.
type Location struct {
	Latitude  float64
	Longitude float64
	Time      time.Time
}

// RemoteConfig is the typed form of a remote configuration blob.
type RemoteConfig struct {
	CountryCodes    []string
	IsAllowedRegion *bool
	GeofenceFile    string
}

// FeatureFlags reports build- or device-level feature switches.
type FeatureFlags interface {
	OEMSatelliteEnabled() bool
}

// Controller is the modem abstraction. Query callbacks may run on any
// goroutine, including synchronously inside the call.
type Controller interface {
	RequestIsSupported(ctx context.Context, subID int, done func(supported bool, err error))
	RequestIsProvisioned(ctx context.Context, subID int, done func(provisioned bool, err error))
	// RemoteConfig returns the latest parsed remote config, or nil.
	RemoteConfig() *RemoteConfig
	// SubscribeConfigUpdates registers fn for config-changed notifications.
	SubscribeConfigUpdates(fn func()) (unsubscribe func())
}

// CountryDetector reports network-derived country codes.
type CountryDetector interface {
	CurrentNetworkCountryCodes() []string
	// CachedLocationCountry returns the last location-derived code ("" if none).
	CachedLocationCountry() (code string, at time.Time)
	// CachedNetworkCountries maps recently seen network codes to when they were seen.
	CachedNetworkCountries() map[string]time.Time
}

// LocationProvider supplies last-known and on-demand location fixes.
type LocationProvider interface {
	Providers() []string
	LastKnownLocation(provider string) *Location
	// RequestCurrentLocation asks for a single fix. done receives nil when
	// no fix could be obtained. Cancelling ctx abandons the request.
	RequestCurrentLocation(ctx context.Context, provider string, timeout time.Duration, done func(*Location))
}

// CallState reports emergency call state.
type CallState interface {
	InEmergencyCall() bool
	Lines() []Line
}

// Line is one radio stack.
type Line interface {
	InEmergencyCallbackMode() bool
}

// FileSystem checks for the geofence dataset.
type FileSystem interface {
	Exists(path string) bool
}

// OSFileSystem checks the local filesystem.
type OSFileSystem struct{}

// Exists reports whether path names an existing regular file.
func (OSFileSystem) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
