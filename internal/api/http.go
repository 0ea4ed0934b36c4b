// Package api exposes the access engine over HTTP and carries the gRPC server
// interceptors used by accessd.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/signalsfoundry/satellite-access/internal/access"
	"github.com/signalsfoundry/satellite-access/internal/logging"
)

const (
	requestIDHeader  = "X-Request-ID"
	defaultWaitLimit = 60 * time.Second
	maxConfigBody    = 1 << 20
)

// Decider is the part of the access engine the HTTP surface drives.
type Decider interface {
	RequestAccessDecisionContext(ctx context.Context, subID int, sink access.ResponseSink)
	Status(ctx context.Context) (access.Status, error)
}

// ConfigPublisher accepts remote config documents, typically by notifying the
// engine's config subscription.
type ConfigPublisher interface {
	SetRemoteConfig(rc *access.RemoteConfig)
}

// HandlerOption customises NewHandler.
type HandlerOption func(*handler)

// WithConfigPublisher enables PUT /v1/remote-config.
func WithConfigPublisher(p ConfigPublisher) HandlerOption {
	return func(h *handler) { h.publisher = p }
}

// WithMetricsHandler mounts m at /metrics.
func WithMetricsHandler(m http.Handler) HandlerOption {
	return func(h *handler) { h.metrics = m }
}

// WithWaitLimit bounds how long GET /v1/access waits for an answer.
func WithWaitLimit(d time.Duration) HandlerOption {
	return func(h *handler) {
		if d > 0 {
			h.waitLimit = d
		}
	}
}

type handler struct {
	decider   Decider
	publisher ConfigPublisher
	metrics   http.Handler
	log       logging.Logger
	waitLimit time.Duration
}

// NewHandler returns the accessd HTTP API:
//
//	GET /v1/access?subscription=N  access decision for subscription N
//	GET /v1/status                 engine state snapshot
//	PUT /v1/remote-config          publish a remote config (optional)
//	GET /healthz                   liveness
//	GET /metrics                   Prometheus metrics (optional)
func NewHandler(d Decider, log logging.Logger, opts ...HandlerOption) http.Handler {
	if log == nil {
		log = logging.Noop()
	}
	h := &handler{decider: d, log: log, waitLimit: defaultWaitLimit}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/access", h.access)
	mux.HandleFunc("GET /v1/status", h.status)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.publisher != nil {
		mux.HandleFunc("PUT /v1/remote-config", h.remoteConfig)
	}
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	return withRequestID(mux)
}

// withRequestID propagates X-Request-ID into the request context, minting one
// when absent, and echoes it on the response.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if incoming := r.Header.Get(requestIDHeader); incoming != "" {
			ctx = logging.ContextWithRequestID(ctx, incoming)
		}
		ctx, id := logging.EnsureRequestID(ctx)
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type decisionBody struct {
	RequestID      string `json:"request_id,omitempty"`
	SubscriptionID int    `json:"subscription_id"`
	Result         string `json:"result"`
	Allowed        bool   `json:"allowed"`
	Error          string `json:"error,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (h *handler) access(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("subscription")
	subID, err := strconv.Atoi(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "subscription must be an integer"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.waitLimit)
	defer cancel()

	answer := make(chan access.Response, 1)
	h.decider.RequestAccessDecisionContext(ctx, subID, access.ResponseFunc(func(resp access.Response) {
		answer <- resp
	}))

	select {
	case resp := <-answer:
		body := decisionBody{
			RequestID:      logging.RequestIDFromContext(ctx),
			SubscriptionID: subID,
			Result:         resp.Result.String(),
			Allowed:        resp.Result == access.ResultSuccess && resp.Allowed,
		}
		if resp.Err != nil {
			body.Error = resp.Err.Error()
		}
		writeJSON(w, StatusForResult(resp.Result), body)
	case <-ctx.Done():
		h.log.Warn(ctx, "access decision not answered in time",
			logging.Int("subscription_id", subID),
			logging.Duration("wait_limit", h.waitLimit),
		)
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: "access decision still pending"})
	}
}

type statusBody struct {
	InFlight           int        `json:"in_flight"`
	WaitingForLocation int        `json:"waiting_for_location"`
	LocationWaitArmed  bool       `json:"location_wait_armed"`
	IdleTimerArmed     bool       `json:"idle_timer_armed"`
	ResolverActive     bool       `json:"resolver_active"`
	AccessCacheSize    int        `json:"access_cache_size"`
	AnswerCacheAllowed *bool      `json:"answer_cache_allowed,omitempty"`
	AnswerCacheSetAt   *time.Time `json:"answer_cache_set_at,omitempty"`
	Allowed            bool       `json:"allowed"`
	CountryCodes       []string   `json:"country_codes"`
	GeofenceFile       string     `json:"geofence_file,omitempty"`
	ReloadsAccepted    int        `json:"reloads_accepted"`
	ReloadsRejected    int        `json:"reloads_rejected"`
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.decider.Status(r.Context())
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, access.ErrEngineClosed) {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, errorBody{Error: err.Error()})
		return
	}
	body := statusBody{
		InFlight:           st.InFlight,
		WaitingForLocation: st.WaitingForLocation,
		LocationWaitArmed:  st.LocationWaitArmed,
		IdleTimerArmed:     st.IdleTimerArmed,
		ResolverActive:     st.ResolverActive,
		AccessCacheSize:    st.AccessCacheSize,
		Allowed:            st.Allowed,
		CountryCodes:       st.CountryCodes,
		GeofenceFile:       st.GeofenceFile,
		ReloadsAccepted:    st.ReloadsAccepted,
		ReloadsRejected:    st.ReloadsRejected,
	}
	if body.CountryCodes == nil {
		body.CountryCodes = []string{}
	}
	if st.AnswerCacheSet {
		allowed, at := st.AnswerCacheAllowed, st.AnswerCacheSetAt
		body.AnswerCacheAllowed = &allowed
		body.AnswerCacheSetAt = &at
	}
	writeJSON(w, http.StatusOK, body)
}

type remoteConfigBody struct {
	CountryCodes    []string `json:"country_codes"`
	IsAllowedRegion *bool    `json:"is_allowed_region"`
	GeofenceFile    string   `json:"geofence_file"`
}

// remoteConfig publishes the document as-is; validation happens in the
// engine's reload path and shows up in /v1/status and the reload metrics.
func (h *handler) remoteConfig(w http.ResponseWriter, r *http.Request) {
	var body remoteConfigBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "decode remote config: " + err.Error()})
		return
	}
	h.publisher.SetRemoteConfig(&access.RemoteConfig{
		CountryCodes:    body.CountryCodes,
		IsAllowedRegion: body.IsAllowedRegion,
		GeofenceFile:    body.GeofenceFile,
	})
	h.log.Info(r.Context(), "remote config published",
		logging.Int("country_codes", len(body.CountryCodes)),
		logging.String("geofence_file", body.GeofenceFile),
	)
	w.WriteHeader(http.StatusAccepted)
}

// StatusForResult maps an access result onto an HTTP status code.
func StatusForResult(r access.Result) int {
	switch r {
	case access.ResultSuccess:
		return http.StatusOK
	case access.ResultUnsupported:
		return http.StatusNotImplemented
	case access.ResultModemError:
		return http.StatusBadGateway
	case access.ResultLocationNotAvailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
