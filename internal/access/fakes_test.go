package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/satellite-access/internal/geofence"
	"github.com/signalsfoundry/satellite-access/internal/sched"
	"github.com/signalsfoundry/satellite-access/internal/store"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeFeatures struct {
	mu      sync.Mutex
	enabled bool
}

func (f *fakeFeatures) OEMSatelliteEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeFeatures) set(v bool) {
	f.mu.Lock()
	f.enabled = v
	f.mu.Unlock()
}

// fakeController answers modem queries synchronously from inside the call.
type fakeController struct {
	mu             sync.Mutex
	supported      bool
	supportedErr   error
	provisioned    bool
	provisionedErr error
	supportedN     int
	provisionedN   int
	remote         *RemoteConfig
	subscribers    map[int]func()
	nextSub        int
}

func newFakeController() *fakeController {
	return &fakeController{supported: true, provisioned: true, subscribers: make(map[int]func())}
}

func (c *fakeController) RequestIsSupported(_ context.Context, _ int, done func(bool, error)) {
	c.mu.Lock()
	c.supportedN++
	v, err := c.supported, c.supportedErr
	c.mu.Unlock()
	done(v, err)
}

func (c *fakeController) RequestIsProvisioned(_ context.Context, _ int, done func(bool, error)) {
	c.mu.Lock()
	c.provisionedN++
	v, err := c.provisioned, c.provisionedErr
	c.mu.Unlock()
	done(v, err)
}

func (c *fakeController) RemoteConfig() *RemoteConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *fakeController) SubscribeConfigUpdates(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// publish installs rc and notifies subscribers.
func (c *fakeController) publish(rc *RemoteConfig) {
	c.mu.Lock()
	c.remote = rc
	subs := make([]func(), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (c *fakeController) counts() (supported, provisioned int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.supportedN, c.provisionedN
}

func (c *fakeController) configure(fn func(*fakeController)) {
	c.mu.Lock()
	fn(c)
	c.mu.Unlock()
}

type fakeCountries struct {
	mu      sync.Mutex
	network []string
	locCode string
	locAt   time.Time
	cached  map[string]time.Time
}

func (f *fakeCountries) CurrentNetworkCountryCodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.network...)
}

func (f *fakeCountries) CachedLocationCountry() (string, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locCode, f.locAt
}

func (f *fakeCountries) CachedNetworkCountries() map[string]time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]time.Time, len(f.cached))
	for k, v := range f.cached {
		out[k] = v
	}
	return out
}

func (f *fakeCountries) setNetwork(codes ...string) {
	f.mu.Lock()
	f.network = codes
	f.mu.Unlock()
}

// fakeLocations records current-location requests and lets the test reply.
type fakeLocations struct {
	mu       sync.Mutex
	last     map[string]*Location
	requests int
	provider string
	ctx      context.Context
	done     func(*Location)
}

func newFakeLocations() *fakeLocations {
	return &fakeLocations{last: make(map[string]*Location)}
}

func (f *fakeLocations) Providers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.last))
	for p := range f.last {
		out = append(out, p)
	}
	return out
}

func (f *fakeLocations) LastKnownLocation(p string) *Location {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last[p]
}

func (f *fakeLocations) RequestCurrentLocation(ctx context.Context, provider string, _ time.Duration, done func(*Location)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	f.provider = provider
	f.ctx = ctx
	f.done = done
}

func (f *fakeLocations) setLast(provider string, loc *Location) {
	f.mu.Lock()
	f.last[provider] = loc
	f.mu.Unlock()
}

func (f *fakeLocations) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *fakeLocations) pending() (context.Context, func(*Location)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ctx, f.done
}

type fakeLine struct{ ecm bool }

func (l fakeLine) InEmergencyCallbackMode() bool { return l.ecm }

type fakeCalls struct {
	mu        sync.Mutex
	emergency bool
	lines     []Line
}

func (f *fakeCalls) InEmergencyCall() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emergency
}

func (f *fakeCalls) Lines() []Line {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Line(nil), f.lines...)
}

func (f *fakeCalls) set(emergency bool, lines ...Line) {
	f.mu.Lock()
	f.emergency = emergency
	f.lines = lines
	f.mu.Unlock()
}

type fakeFiles struct {
	mu    sync.Mutex
	paths map[string]bool
}

func (f *fakeFiles) Exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paths[path]
}

func (f *fakeFiles) add(path string) {
	f.mu.Lock()
	if f.paths == nil {
		f.paths = make(map[string]bool)
	}
	f.paths[path] = true
	f.mu.Unlock()
}

// fakeResolvers is a geofence.Factory that counts builds, queries and closes.
type fakeResolvers struct {
	mu        sync.Mutex
	allowed   bool
	buildErr  error
	queryErr  error
	builds    int
	queries   int
	closes    int
	lastPath  string
	lastFlag  bool
	lastToken geofence.Token
}

func (f *fakeResolvers) factory(path string, allowedRegion bool) (geofence.Resolver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds++
	f.lastPath = path
	f.lastFlag = allowedRegion
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return &fakeResolver{parent: f}, nil
}

func (f *fakeResolvers) stats() (builds, queries, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds, f.queries, f.closes
}

type fakeResolver struct{ parent *fakeResolvers }

func (r *fakeResolver) AllowedAt(token geofence.Token) (bool, error) {
	r.parent.mu.Lock()
	defer r.parent.mu.Unlock()
	r.parent.queries++
	r.parent.lastToken = token
	if r.parent.queryErr != nil {
		return false, r.parent.queryErr
	}
	return r.parent.allowed, nil
}

func (r *fakeResolver) Close() error {
	r.parent.mu.Lock()
	defer r.parent.mu.Unlock()
	r.parent.closes++
	return nil
}

// failingStore rejects every edit.
type failingStore struct {
	*store.Memory
}

func (failingStore) Apply(context.Context, store.Edit) error {
	return errors.New("disk full")
}

type harness struct {
	engine    *Engine
	sched     *sched.FakeScheduler
	features  *fakeFeatures
	ctrl      *fakeController
	countries *fakeCountries
	locations *fakeLocations
	calls     *fakeCalls
	store     *store.Memory
	files     *fakeFiles
	resolvers *fakeResolvers
}

type harnessOption func(*harness, *Config, *Dependencies)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		sched:     sched.NewFakeScheduler(testStart),
		features:  &fakeFeatures{enabled: true},
		ctrl:      newFakeController(),
		countries: &fakeCountries{},
		locations: newFakeLocations(),
		calls:     &fakeCalls{},
		store:     store.NewMemory(),
		files:     &fakeFiles{},
		resolvers: &fakeResolvers{allowed: true},
	}
	cfg := DefaultConfig()
	cfg.GeofenceFile = "/data/sats2.geojson"
	cfg.DefaultCountryCodes = []string{"US", "CA"}
	cfg.DispatchWorkers = 2
	deps := Dependencies{
		Features:   h.features,
		Controller: h.ctrl,
		Countries:  h.countries,
		Locations:  h.locations,
		Calls:      h.calls,
		Store:      h.store,
		Files:      h.files,
		Resolvers:  h.resolvers.factory,
		Scheduler:  h.sched,
	}
	for _, opt := range opts {
		opt(h, &cfg, &deps)
	}
	engine, err := NewEngine(deps, cfg, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	h.engine = engine
	return h
}

// request submits a decision request and returns the channel its response
// arrives on.
func (h *harness) request(subID int) <-chan Response {
	ch := make(chan Response, 2)
	h.engine.RequestAccessDecision(subID, ResponseFunc(func(r Response) { ch <- r }))
	return ch
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.engine.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func (h *harness) status(t *testing.T) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := h.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	return st
}

// advance moves fake time forward and lets the engine handle any timers.
func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	h.sched.Advance(d)
	h.flush(t)
}

func waitResponse(t *testing.T, ch <-chan Response) Response {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for response")
		return Response{}
	}
}

func expectNoResponse(t *testing.T, ch <-chan Response) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected response %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func boolPtr(v bool) *bool { return &v }
