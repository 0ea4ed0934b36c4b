package access

import "time"

// MetricsRecorder receives engine measurements. Implementations must be safe
// for concurrent use.
type MetricsRecorder interface {
	ObserveDecision(result, source string, latency time.Duration)
	ObserveCacheLookup(hit bool)
	ObserveResolverBuild(err error)
	ObserveReload(outcome string)
	SetInFlight(n int)
}

// Reload outcomes reported to MetricsRecorder.ObserveReload.
const (
	ReloadAccepted           = "accepted"
	ReloadRejectedNoConfig   = "rejected_no_config"
	ReloadRejectedCodes      = "rejected_codes"
	ReloadRejectedRegionFlag = "rejected_region_flag"
	ReloadRejectedGeofence   = "rejected_geofence"
	ReloadRejectedCopy       = "rejected_copy"
	ReloadRejectedStore      = "rejected_store"
)

type noopMetrics struct{}

func (noopMetrics) ObserveDecision(string, string, time.Duration) {}
func (noopMetrics) ObserveCacheLookup(bool)                       {}
func (noopMetrics) ObserveResolverBuild(error)                    {}
func (noopMetrics) ObserveReload(string)                          {}
func (noopMetrics) SetInFlight(int)                               {}
