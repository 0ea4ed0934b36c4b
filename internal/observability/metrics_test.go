package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/signalsfoundry/satellite-access/internal/access"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ access.MetricsRecorder = (*AccessCollector)(nil)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewAccessCollector(reg)
	if err != nil {
		t.Fatalf("NewAccessCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("accessd_grpc_requests_total = %v, want 1", got)
	}

	if count := histogramSampleCount(t, reg, "accessd_grpc_request_duration_seconds", map[string]string{
		"service": "Health",
		"method":  "Check",
	}); count != 1 {
		t.Fatalf("accessd_grpc_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewAccessCollector(reg)
	if err != nil {
		t.Fatalf("NewAccessCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("Health", "Check", "NotFound")); got != 1 {
		t.Fatalf("accessd_grpc_requests_total error label = %v, want 1", got)
	}
}

func TestAccessRecorderMethods(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewAccessCollector(reg)
	if err != nil {
		t.Fatalf("NewAccessCollector: %v", err)
	}

	collector.ObserveDecision("SUCCESS", "on_device", 250*time.Millisecond)
	collector.ObserveDecision("SUCCESS", "on_device", time.Second)
	collector.ObserveCacheLookup(false)
	collector.ObserveCacheLookup(true)
	collector.ObserveCacheLookup(true)
	collector.ObserveCacheLookup(true)
	collector.ObserveResolverBuild(nil)
	collector.ObserveResolverBuild(errors.New("bad dataset"))
	collector.ObserveReload("accepted")
	collector.ObserveReload("rejected_codes")
	collector.SetInFlight(3)

	if got := testutil.ToFloat64(collector.Decisions.WithLabelValues("SUCCESS", "on_device")); got != 2 {
		t.Fatalf("decisions = %v, want 2", got)
	}
	if count := histogramSampleCount(t, reg, "satellite_access_decision_duration_seconds", map[string]string{"result": "SUCCESS"}); count != 2 {
		t.Fatalf("decision latency samples = %d, want 2", count)
	}
	if got := testutil.ToFloat64(collector.CacheHitRatio); got != 0.75 {
		t.Fatalf("cache hit ratio = %v, want 0.75", got)
	}
	if got := testutil.ToFloat64(collector.ResolverBuilds.WithLabelValues("error")); got != 1 {
		t.Fatalf("resolver build errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.Reloads.WithLabelValues("rejected_codes")); got != 1 {
		t.Fatalf("rejected reloads = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.InFlight); got != 3 {
		t.Fatalf("in flight = %v, want 3", got)
	}
}

func TestNewAccessCollectorReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewAccessCollector(reg)
	if err != nil {
		t.Fatalf("NewAccessCollector: %v", err)
	}
	second, err := NewAccessCollector(reg)
	if err != nil {
		t.Fatalf("second NewAccessCollector: %v", err)
	}
	first.ObserveReload("accepted")
	if got := testutil.ToFloat64(second.Reloads.WithLabelValues("accepted")); got != 1 {
		t.Fatalf("second collector should share registered vectors, got %v", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *AccessCollector
	c.ObserveDecision("SUCCESS", "none", time.Millisecond)
	c.ObserveCacheLookup(true)
	c.ObserveResolverBuild(nil)
	c.ObserveReload("accepted")
	c.SetInFlight(1)
}

func TestMetricsHandlerExposesAccessMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewAccessCollector(reg)
	if err != nil {
		t.Fatalf("NewAccessCollector: %v", err)
	}
	collector.ObserveDecision("LOCATION_NOT_AVAILABLE", "on_device", time.Minute)
	collector.ObserveCacheLookup(false)
	collector.ObserveResolverBuild(nil)
	collector.ObserveReload("accepted")
	collector.SetInFlight(2)
	collector.RPCRequests.WithLabelValues("svc", "method", "OK").Inc()
	collector.RPCDurations.WithLabelValues("svc", "method").Observe(0.01)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"satellite_access_decisions_total",
		"satellite_access_decision_duration_seconds",
		"satellite_access_cache_lookups_total",
		"satellite_access_cache_hit_ratio",
		"satellite_access_resolver_builds_total",
		"satellite_access_config_reloads_total",
		"satellite_access_requests_in_flight 2",
		"accessd_grpc_requests_total",
		"accessd_grpc_request_duration_seconds",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestSplitMethod(t *testing.T) {
	cases := map[string][2]string{
		"/grpc.health.v1.Health/Check": {"Health", "Check"},
		"":                             {"unknown", "unknown"},
		"nomethod":                     {"unknown", "unknown"},
	}
	for in, want := range cases {
		service, method := SplitMethod(in)
		if service != want[0] || method != want[1] {
			t.Fatalf("SplitMethod(%q) = %s/%s, want %s/%s", in, service, method, want[0], want[1])
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
