package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// AccessCollector bundles Prometheus metrics for the access engine and the
// daemon's gRPC surface. It satisfies access.MetricsRecorder.
type AccessCollector struct {
	gatherer prometheus.Gatherer

	Decisions       *prometheus.CounterVec
	DecisionLatency *prometheus.HistogramVec
	CacheLookups    *prometheus.CounterVec
	CacheHitRatio   prometheus.Gauge
	ResolverBuilds  *prometheus.CounterVec
	Reloads         *prometheus.CounterVec
	InFlight        prometheus.Gauge

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	mu           sync.Mutex
	cacheHits    uint64
	cacheLookups uint64
}

// NewAccessCollector registers access metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewAccessCollector(reg prometheus.Registerer) (*AccessCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	decisions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satellite_access_decisions_total",
		Help: "Access decisions answered, labeled by result and the evidence used.",
	}, []string{"result", "source"}), "satellite_access_decisions_total")
	if err != nil {
		return nil, err
	}

	latency, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "satellite_access_decision_duration_seconds",
		Help:    "Time from request to answer for access decisions.",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 180},
	}, []string{"result"}), "satellite_access_decision_duration_seconds")
	if err != nil {
		return nil, err
	}

	lookups, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satellite_access_cache_lookups_total",
		Help: "Location token cache lookups, labeled by outcome (hit or miss).",
	}, []string{"outcome"}), "satellite_access_cache_lookups_total")
	if err != nil {
		return nil, err
	}

	hitRatio, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satellite_access_cache_hit_ratio",
		Help: "Hit ratio of the location token cache since start.",
	}), "satellite_access_cache_hit_ratio")
	if err != nil {
		return nil, err
	}

	builds, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satellite_access_resolver_builds_total",
		Help: "Geofence resolver constructions, labeled by outcome (ok or error).",
	}, []string{"outcome"}), "satellite_access_resolver_builds_total")
	if err != nil {
		return nil, err
	}

	reloads, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "satellite_access_config_reloads_total",
		Help: "Remote config reload attempts, labeled by outcome.",
	}, []string{"outcome"}), "satellite_access_config_reloads_total")
	if err != nil {
		return nil, err
	}

	inFlight, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "satellite_access_requests_in_flight",
		Help: "Access requests accepted but not yet answered.",
	}), "satellite_access_requests_in_flight")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accessd_grpc_requests_total",
		Help: "Total number of handled gRPC calls, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "accessd_grpc_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accessd_grpc_request_duration_seconds",
		Help:    "gRPC call latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "accessd_grpc_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &AccessCollector{
		gatherer:        gatherer,
		Decisions:       decisions,
		DecisionLatency: latency,
		CacheLookups:    lookups,
		CacheHitRatio:   hitRatio,
		ResolverBuilds:  builds,
		Reloads:         reloads,
		InFlight:        inFlight,
		RPCRequests:     requests,
		RPCDurations:    durations,
	}, nil
}

// ObserveDecision counts an answered request and records its latency.
func (c *AccessCollector) ObserveDecision(result, source string, latency time.Duration) {
	if c == nil {
		return
	}
	c.Decisions.WithLabelValues(result, source).Inc()
	c.DecisionLatency.WithLabelValues(result).Observe(latency.Seconds())
}

// ObserveCacheLookup counts a token cache lookup and updates the hit ratio.
func (c *AccessCollector) ObserveCacheLookup(hit bool) {
	if c == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	c.CacheLookups.WithLabelValues(outcome).Inc()

	c.mu.Lock()
	c.cacheLookups++
	if hit {
		c.cacheHits++
	}
	ratio := float64(c.cacheHits) / float64(c.cacheLookups)
	c.mu.Unlock()
	c.CacheHitRatio.Set(ratio)
}

// ObserveResolverBuild counts a resolver construction attempt.
func (c *AccessCollector) ObserveResolverBuild(err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.ResolverBuilds.WithLabelValues(outcome).Inc()
}

// ObserveReload counts a reload attempt by outcome.
func (c *AccessCollector) ObserveReload(outcome string) {
	if c == nil {
		return
	}
	c.Reloads.WithLabelValues(outcome).Inc()
}

// SetInFlight records the number of unanswered requests.
func (c *AccessCollector) SetInFlight(n int) {
	if c == nil {
		return
	}
	c.InFlight.Set(float64(n))
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *AccessCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		c.RPCRequests.WithLabelValues(service, method, code).Inc()
		c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())

		return resp, err
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *AccessCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
