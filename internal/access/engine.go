package access

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/satellite-access/internal/geofence"
	"github.com/signalsfoundry/satellite-access/internal/logging"
	"github.com/signalsfoundry/satellite-access/internal/sched"
	"github.com/signalsfoundry/satellite-access/internal/store"
	"github.com/signalsfoundry/satellite-access/timectrl"
)

const tracerName = "github.com/signalsfoundry/satellite-access/internal/access"

// Persisted settings keys.
const (
	KeyAllow        = "satellite_access_allow"
	KeyCountryCodes = "satellite_access_country_codes"
)

// geofenceCopyName is the file name used inside Config.GeofenceDataDir.
const geofenceCopyName = "geofence.json"

const dispatchReleaseTimeout = 5 * time.Second

// Dependencies are the collaborators the engine consults. Files, Resolvers and
// Scheduler have defaults; the rest are required.
type Dependencies struct {
	Features   FeatureFlags
	Controller Controller
	Countries  CountryDetector
	Locations  LocationProvider
	Calls      CallState
	Store      store.Store
	Files      FileSystem
	Resolvers  geofence.Factory
	Scheduler  sched.Scheduler
}

func (d Dependencies) validate() error {
	var missing []string
	if d.Features == nil {
		missing = append(missing, "Features")
	}
	if d.Controller == nil {
		missing = append(missing, "Controller")
	}
	if d.Countries == nil {
		missing = append(missing, "Countries")
	}
	if d.Locations == nil {
		missing = append(missing, "Locations")
	}
	if d.Calls == nil {
		missing = append(missing, "Calls")
	}
	if d.Store == nil {
		missing = append(missing, "Store")
	}
	if len(missing) > 0 {
		return fmt.Errorf("access: missing dependencies %v", missing)
	}
	return nil
}

// Option customises Engine construction.
type Option func(*Engine)

// WithMetricsRecorder attaches a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer overrides the tracer used for per-decision spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// answerCache is the last evidence-backed answer and when it was produced.
type answerCache struct {
	set     bool
	allowed bool
	at      time.Time
}

func (a answerCache) valid(now time.Time, validity time.Duration) bool {
	return a.set && now.Sub(a.at) <= validity
}

// Engine answers satellite access requests. All fields below the queue are
// owned by the engine goroutine.
type Engine struct {
	deps     Dependencies
	cfg      Config
	log      logging.Logger
	metrics  MetricsRecorder
	tracer   trace.Tracer
	dispatch *dispatcher

	queue *eventQueue
	stop  chan struct{}
	done  chan struct{}

	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	baseCtx     context.Context
	cancelBase  context.CancelFunc
	unsubscribe func()

	tracker *tracker
	cache   *geofence.AccessCache
	answer  answerCache

	allowed      bool
	codes        []string
	codeSet      map[string]struct{}
	geofenceFile string

	locWaiting bool
	locGen     uint64
	locTimerID string
	locCancel  context.CancelFunc

	idleGen     uint64
	idleTimerID string

	reloadsAccepted int
	reloadsRejected int

	resolverMu sync.Mutex
	resolver   geofence.Resolver

	// ownedSched is set when the engine created its own scheduler.
	ownedSched *sched.WallScheduler
}

// NewEngine builds an engine. Call Start to load persisted settings and begin
// processing; requests made before Start are queued.
func NewEngine(deps Dependencies, cfg Config, log logging.Logger, opts ...Option) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Noop()
	}
	if deps.Files == nil {
		deps.Files = OSFileSystem{}
	}
	if deps.Resolvers == nil {
		deps.Resolvers = geofence.OpenGeoJSON
	}
	var owned *sched.WallScheduler
	if deps.Scheduler == nil {
		owned = sched.NewScheduler(timectrl.SystemClock{})
		deps.Scheduler = owned
	}
	cfg = cfg.ApplyDefaults()

	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		deps:         deps,
		cfg:          cfg,
		log:          log,
		metrics:      noopMetrics{},
		tracer:       otel.Tracer(tracerName),
		queue:        newEventQueue(),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		baseCtx:      baseCtx,
		cancelBase:   cancel,
		tracker:      newTracker(),
		cache:        geofence.NewAccessCache(),
		allowed:      cfg.DefaultAllow,
		codes:        cfg.DefaultCountryCodes,
		codeSet:      codeSet(cfg.DefaultCountryCodes),
		geofenceFile: cfg.GeofenceFile,
		ownedSched:   owned,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.dispatch = newDispatcher(cfg.DispatchWorkers, log)
	return e, nil
}

// Start loads persisted settings, subscribes to config updates and starts the
// engine goroutine.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("access: engine already started")
	}
	if err := e.loadPersisted(ctx); err != nil {
		e.started.Store(false)
		return err
	}
	e.unsubscribe = e.deps.Controller.SubscribeConfigUpdates(func() {
		e.queue.push(configUpdatedEvent{})
	})
	e.log.Info(ctx, "access engine started",
		logging.Bool("allowed_region", e.allowed),
		logging.Any("country_codes", e.codes),
		logging.String("geofence_file", e.geofenceFile),
	)
	go e.run()
	return nil
}

func (e *Engine) loadPersisted(ctx context.Context) error {
	allow, ok, err := e.deps.Store.Bool(ctx, KeyAllow)
	if err != nil {
		return fmt.Errorf("load %s: %w", KeyAllow, err)
	}
	if ok {
		e.allowed = allow
	}
	codes, ok, err := e.deps.Store.StringSet(ctx, KeyCountryCodes)
	if err != nil {
		return fmt.Errorf("load %s: %w", KeyCountryCodes, err)
	}
	if ok {
		e.codes = normalizeCodes(codes)
		e.codeSet = codeSet(e.codes)
	}
	if dir := e.cfg.GeofenceDataDir; dir != "" {
		if copied := filepath.Join(dir, geofenceCopyName); e.deps.Files.Exists(copied) {
			e.geofenceFile = copied
		}
	}
	return nil
}

// Close stops the engine. Requests still in flight, and any made afterwards,
// are answered with ResultModemError and ErrEngineClosed.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.queue.close()
		if e.unsubscribe != nil {
			e.unsubscribe()
		}
		close(e.stop)
		if e.started.Load() {
			<-e.done
		}

		// The loop has exited; what is left is owned here.
		for _, ev := range e.queue.drain() {
			if re, ok := ev.(requestEvent); ok {
				e.tracker.add(re.req)
			}
		}
		e.stopLocationWait()
		e.cancelIdleTimer()
		for _, r := range e.tracker.takeAll() {
			e.answerRequest(r, Response{Result: ResultModemError, Err: ErrEngineClosed})
		}
		e.releaseResolver()
		if e.ownedSched != nil {
			e.ownedSched.Close()
		}
		e.cancelBase()
		e.dispatch.release(dispatchReleaseTimeout)
		e.log.Info(context.Background(), "access engine closed")
	})
	return nil
}

// RequestAccessDecision asks whether satellite communication is allowed for
// subID at the current location. sink receives exactly one Response.
func (e *Engine) RequestAccessDecision(subID int, sink ResponseSink) {
	e.RequestAccessDecisionContext(context.Background(), subID, sink)
}

// RequestAccessDecisionContext is RequestAccessDecision with a parent context
// for tracing and request-scoped logging. A request_id already on ctx is kept
// for logs. Cancelling ctx does not abandon the request.
func (e *Engine) RequestAccessDecisionContext(ctx context.Context, subID int, sink ResponseSink) {
	id := uuid.NewString()
	ctx = context.WithoutCancel(ctx)
	if logging.RequestIDFromContext(ctx) == "" {
		ctx = logging.ContextWithRequestID(ctx, id)
	}
	ctx, span := e.tracer.Start(ctx, "access.RequestAccessDecision",
		trace.WithAttributes(
			attribute.String("request_id", logging.RequestIDFromContext(ctx)),
			attribute.Int("subscription_id", subID),
		))
	r := &request{
		id:        id,
		subID:     subID,
		sink:      sink,
		createdAt: e.deps.Scheduler.Now(),
		ctx:       ctx,
		span:      span,
		source:    sourceNone,
	}
	if e.closed.Load() || !e.queue.push(requestEvent{req: r}) {
		e.answerRequest(r, Response{Result: ResultModemError, Err: ErrEngineClosed})
	}
}

// Flush blocks until every queued event, including events queued while
// handling earlier ones, has been processed.
func (e *Engine) Flush(ctx context.Context) error {
	for {
		done := make(chan struct{})
		if e.closed.Load() || !e.queue.push(barrierEvent{done: done}) {
			return ErrEngineClosed
		}
		select {
		case <-done:
		case <-e.done:
			return ErrEngineClosed
		case <-ctx.Done():
			return ctx.Err()
		}
		if e.queue.len() == 0 {
			return nil
		}
	}
}

// Status returns a snapshot of engine state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if e.closed.Load() || !e.queue.push(inspectEvent{reply: reply}) {
		return Status{}, ErrEngineClosed
	}
	select {
	case st := <-reply:
		return st, nil
	case <-e.done:
		return Status{}, ErrEngineClosed
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// ResolverActive reports whether a geofence resolver is currently held.
func (e *Engine) ResolverActive() bool {
	e.resolverMu.Lock()
	defer e.resolverMu.Unlock()
	return e.resolver != nil
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		for _, ev := range e.queue.drain() {
			e.handle(ev)
		}
		select {
		case <-e.stop:
			return
		case <-e.queue.notify:
		}
	}
}

func (e *Engine) handle(ev event) {
	switch ev := ev.(type) {
	case requestEvent:
		e.handleRequest(ev.req)
	case supportedEvent:
		e.handleSupported(ev)
	case provisionedEvent:
		e.handleProvisioned(ev)
	case locationEvent:
		e.handleLocation(ev)
	case locationTimeoutEvent:
		e.handleLocationTimeout(ev)
	case idleTimeoutEvent:
		e.handleIdleTimeout(ev)
	case configUpdatedEvent:
		e.reload()
	case barrierEvent:
		close(ev.done)
	case inspectEvent:
		ev.reply <- e.snapshot()
	}
}

func (e *Engine) handleRequest(r *request) {
	e.tracker.add(r)
	e.metrics.SetInFlight(e.tracker.len())

	if !e.deps.Features.OEMSatelliteEnabled() {
		e.finish(r, Response{Result: ResultUnsupported})
		return
	}
	id := r.id
	e.deps.Controller.RequestIsSupported(r.ctx, r.subID, func(supported bool, err error) {
		e.queue.push(supportedEvent{id: id, supported: supported, err: err})
	})
}

func (e *Engine) handleSupported(ev supportedEvent) {
	r, ok := e.tracker.get(ev.id)
	if !ok {
		return
	}
	if ev.err != nil {
		e.fail(r, fmt.Errorf("query satellite support: %w", ev.err))
		return
	}
	if !ev.supported {
		e.succeed(r, false)
		return
	}
	id := r.id
	e.deps.Controller.RequestIsProvisioned(r.ctx, r.subID, func(provisioned bool, err error) {
		e.queue.push(provisionedEvent{id: id, provisioned: provisioned, err: err})
	})
}

func (e *Engine) handleProvisioned(ev provisionedEvent) {
	r, ok := e.tracker.get(ev.id)
	if !ok {
		return
	}
	if ev.err != nil {
		e.fail(r, fmt.Errorf("query satellite provisioning: %w", ev.err))
		return
	}
	if !ev.provisioned {
		e.log.Debug(r.ctx, "satellite not provisioned; continuing", logging.Int("subscription_id", r.subID))
	}
	e.resolveCountry(r)
}

func (e *Engine) resolveCountry(r *request) {
	if codes := e.deps.Countries.CurrentNetworkCountryCodes(); len(codes) > 0 {
		r.source = sourceNetwork
		e.succeed(r, allowedForCodes(codes, e.codeSet, e.allowed))
		return
	}
	if e.inEmergency() {
		r.source = sourceOnDevice
		e.resolveLocation(r)
		return
	}
	if codes := cachedCountryCodes(e.deps.Countries); len(codes) > 0 {
		r.source = sourceCachedCountry
		e.succeed(r, allowedForCodes(codes, e.codeSet, e.allowed))
		return
	}
	r.source = sourceNone
	e.succeed(r, false)
}

func (e *Engine) inEmergency() bool {
	if e.deps.Calls.InEmergencyCall() {
		return true
	}
	for _, line := range e.deps.Calls.Lines() {
		if line != nil && line.InEmergencyCallbackMode() {
			return true
		}
	}
	return false
}

func (e *Engine) resolveLocation(r *request) {
	now := e.deps.Scheduler.Now()
	if loc := freshest(e.deps.Locations, now, e.cfg.FreshnessWindow); loc != nil {
		e.answerForLocation([]*request{r}, loc)
		return
	}
	e.tracker.joinWait(r)
	if e.locWaiting {
		return
	}
	e.startLocationWait()
}

func (e *Engine) startLocationWait() {
	e.locGen++
	gen := e.locGen
	ctx, cancel := context.WithCancel(e.baseCtx)
	e.locWaiting = true
	e.locCancel = cancel

	timeout := e.cfg.LocationWaitTimeout
	e.locTimerID = e.deps.Scheduler.Schedule(e.deps.Scheduler.Now().Add(timeout), func() {
		e.queue.push(locationTimeoutEvent{generation: gen})
	})
	e.log.Debug(ctx, "requesting current location",
		logging.String("provider", e.cfg.CurrentLocationProvider),
		logging.Duration("timeout", timeout),
	)
	e.deps.Locations.RequestCurrentLocation(ctx, e.cfg.CurrentLocationProvider, timeout, func(loc *Location) {
		e.queue.push(locationEvent{generation: gen, loc: loc})
	})
}

// stopLocationWait cancels the wait timer and the provider request.
func (e *Engine) stopLocationWait() {
	if e.locTimerID != "" {
		e.deps.Scheduler.Cancel(e.locTimerID)
		e.locTimerID = ""
	}
	if e.locCancel != nil {
		e.locCancel()
		e.locCancel = nil
	}
	e.locWaiting = false
}

func (e *Engine) handleLocation(ev locationEvent) {
	if !e.locWaiting || ev.generation != e.locGen {
		e.log.Debug(context.Background(), "ignoring stale location reply")
		return
	}
	e.stopLocationWait()
	waiting := e.stillTracked(e.tracker.takeWaiting())
	if ev.loc == nil {
		e.answerFromCache(waiting)
		return
	}
	e.answerForLocation(waiting, ev.loc)
}

func (e *Engine) handleLocationTimeout(ev locationTimeoutEvent) {
	if !e.locWaiting || ev.generation != e.locGen {
		return
	}
	e.locTimerID = ""
	e.stopLocationWait()
	waiting := e.stillTracked(e.tracker.takeWaiting())
	e.log.Warn(context.Background(), "timed out waiting for current location",
		logging.Int("waiting", len(waiting)),
	)
	e.answerFromCache(waiting)
}

func (e *Engine) stillTracked(reqs []*request) []*request {
	out := reqs[:0]
	for _, r := range reqs {
		if _, ok := e.tracker.get(r.id); ok {
			out = append(out, r)
		}
	}
	return out
}

// answerFromCache answers reqs with the last evidence-backed answer when it is
// still valid. Serving from the cache does not refresh it.
func (e *Engine) answerFromCache(reqs []*request) {
	now := e.deps.Scheduler.Now()
	if e.answer.valid(now, e.cfg.AnswerCacheValidity) {
		for _, r := range reqs {
			e.finish(r, Response{Result: ResultSuccess, Allowed: e.answer.allowed})
		}
		return
	}
	for _, r := range reqs {
		e.finish(r, Response{Result: ResultLocationNotAvailable})
	}
}

func (e *Engine) answerForLocation(reqs []*request, loc *Location) {
	token := geofence.NewToken(loc.Latitude, loc.Longitude, e.cfg.TokenPrecision)
	allowed, err := e.lookup(token)
	for _, r := range reqs {
		if err != nil {
			e.fail(r, err)
			continue
		}
		e.succeed(r, allowed)
	}
}

// lookup answers token from the access cache, building the resolver on a miss.
func (e *Engine) lookup(token geofence.Token) (bool, error) {
	if allowed, ok := e.cache.Get(token); ok {
		e.metrics.ObserveCacheLookup(true)
		return allowed, nil
	}
	e.metrics.ObserveCacheLookup(false)

	res, err := e.ensureResolver()
	if err != nil {
		return false, err
	}
	allowed, err := res.AllowedAt(token)
	if err != nil {
		e.releaseResolver()
		return false, fmt.Errorf("geofence lookup %s: %w", token, err)
	}
	e.cache.Put(token, allowed)
	e.restartIdleTimer()
	return allowed, nil
}

func (e *Engine) ensureResolver() (geofence.Resolver, error) {
	e.resolverMu.Lock()
	defer e.resolverMu.Unlock()
	if e.resolver != nil {
		return e.resolver, nil
	}
	if e.geofenceFile == "" {
		e.metrics.ObserveResolverBuild(ErrNoGeofenceFile)
		return nil, ErrNoGeofenceFile
	}
	res, err := e.deps.Resolvers(e.geofenceFile, e.allowed)
	e.metrics.ObserveResolverBuild(err)
	if err != nil {
		return nil, fmt.Errorf("open geofence %s: %w", e.geofenceFile, err)
	}
	e.resolver = res
	e.log.Debug(context.Background(), "geofence resolver built", logging.String("path", e.geofenceFile))
	return res, nil
}

func (e *Engine) releaseResolver() {
	e.resolverMu.Lock()
	res := e.resolver
	e.resolver = nil
	e.resolverMu.Unlock()
	if res == nil {
		return
	}
	if err := res.Close(); err != nil {
		e.log.Warn(context.Background(), "close geofence resolver", logging.Error(err))
	}
}

func (e *Engine) restartIdleTimer() {
	e.cancelIdleTimer()
	gen := e.idleGen
	e.idleTimerID = e.deps.Scheduler.Schedule(e.deps.Scheduler.Now().Add(e.cfg.ResolverIdleTimeout), func() {
		e.queue.push(idleTimeoutEvent{generation: gen})
	})
}

func (e *Engine) cancelIdleTimer() {
	if e.idleTimerID != "" {
		e.deps.Scheduler.Cancel(e.idleTimerID)
		e.idleTimerID = ""
	}
	e.idleGen++
}

func (e *Engine) handleIdleTimeout(ev idleTimeoutEvent) {
	if e.idleTimerID == "" || ev.generation != e.idleGen {
		return
	}
	e.idleTimerID = ""
	e.releaseResolver()
	e.log.Debug(context.Background(), "geofence resolver released after idle timeout")
}

// succeed answers r with SUCCESS. Only answers backed by country or location
// evidence are remembered for the location-timeout fallback; the conservative
// false given without evidence is not.
func (e *Engine) succeed(r *request, allowed bool) {
	if r.source != sourceNone {
		e.answer = answerCache{set: true, allowed: allowed, at: e.deps.Scheduler.Now()}
	}
	e.finish(r, Response{Result: ResultSuccess, Allowed: allowed})
}

func (e *Engine) fail(r *request, err error) {
	e.finish(r, Response{Result: resultFromError(err), Err: err})
}

// finish removes r and answers it. A request that is no longer tracked has
// already been answered.
func (e *Engine) finish(r *request, resp Response) {
	if _, ok := e.tracker.remove(r.id); !ok {
		return
	}
	e.metrics.SetInFlight(e.tracker.len())
	e.answerRequest(r, resp)
}

func (e *Engine) answerRequest(r *request, resp Response) {
	latency := e.deps.Scheduler.Now().Sub(r.createdAt)
	fields := []logging.Field{
		logging.Int("subscription_id", r.subID),
		logging.String("result", resp.Result.String()),
		logging.Bool("allowed", resp.Allowed),
		logging.String("source", r.source),
		logging.Duration("latency", latency),
	}
	if resp.Err != nil {
		fields = append(fields, logging.Error(resp.Err))
		e.log.Warn(r.ctx, "access decision failed", fields...)
	} else {
		e.log.Info(r.ctx, "access decision", fields...)
	}
	e.metrics.ObserveDecision(resp.Result.String(), r.source, latency)

	if r.span != nil {
		r.span.SetAttributes(
			attribute.String("access.result", resp.Result.String()),
			attribute.Bool("access.allowed", resp.Allowed),
			attribute.String("access.source", r.source),
		)
		if resp.Err != nil {
			r.span.RecordError(resp.Err)
		}
		r.span.End()
	}
	e.dispatch.dispatch(r.sink, resp)
}

func (e *Engine) snapshot() Status {
	return Status{
		InFlight:           e.tracker.len(),
		WaitingForLocation: len(e.tracker.waiting),
		LocationWaitArmed:  e.locTimerID != "",
		IdleTimerArmed:     e.idleTimerID != "",
		ResolverActive:     e.ResolverActive(),
		AccessCacheSize:    e.cache.Len(),
		AnswerCacheSet:     e.answer.set,
		AnswerCacheAllowed: e.answer.allowed,
		AnswerCacheSetAt:   e.answer.at,
		Allowed:            e.allowed,
		CountryCodes:       append([]string(nil), e.codes...),
		GeofenceFile:       e.geofenceFile,
		ReloadsAccepted:    e.reloadsAccepted,
		ReloadsRejected:    e.reloadsRejected,
	}
}
