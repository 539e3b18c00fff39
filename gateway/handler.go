package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	promclient "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

var log = logging.Logger("gateway")

// Options tune the HTTP boundary.
type Options struct {
	// RateLimit is the number of API requests per second accepted overall.
	// Zero disables the limit.
	RateLimit int64
	// PerHostPerMinute limits requests from a single remote host. Zero
	// disables the limit.
	PerHostPerMinute int64
	// Timeout bounds the handling of a single request.
	Timeout time.Duration
	// Registry receives the metrics exporter; nil uses the default registry.
	Registry *promclient.Registry
}

// Handler returns the receiver http.Handler, to be mounted as-is on the server.
// Background work of the handler stops when ctx is done.
func Handler(ctx context.Context, pm PaymentAPI, opts Options) (http.Handler, error) {
	m := mux.NewRouter()

	api := &paymentHandler{pm: pm}
	r := mux.NewRouter()
	r.Handle("/api/1/payments", timed("payments", api.registerPayment)).Methods(http.MethodPost)
	r.Handle("/api/1/channels", timed("channels", api.listChannels)).Methods(http.MethodGet)
	r.Handle("/api/1/channels/{sender}/{block}", timed("channel", api.getChannel)).Methods(http.MethodGet)
	r.Handle("/api/1/channels/{sender}/{block}", timed("close", api.closeChannel)).Methods(http.MethodDelete)

	var apiHandler http.Handler = r
	if opts.Timeout > 0 {
		apiHandler = http.TimeoutHandler(apiHandler, opts.Timeout, `{"error":"request timed out"}`)
	}
	// long lived, must not sit behind the timeout handler
	m.HandleFunc("/api/1/disputes", api.streamDisputes).Methods(http.MethodGet)
	m.PathPrefix("/api/1/").Handler(apiHandler)

	registry := opts.Registry
	if registry == nil {
		registry = promclient.DefaultRegisterer.(*promclient.Registry)
	}
	exporter, err := prometheus.NewExporter(prometheus.Options{
		Registry:  registry,
		Namespace: "paych",
	})
	if err != nil {
		return nil, err
	}
	m.Handle("/debug/metrics", exporter)
	m.HandleFunc("/health/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	m.HandleFunc("/health/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !pm.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	return NewRateLimitHandler(ctx, withRequestID(m), opts.RateLimit, opts.PerHostPerMinute, time.Minute), nil
}

// RateLimitHandler rejects requests above a global rate and above a per
// host rate with 429.
type RateLimitHandler struct {
	handler http.Handler
	limiter *rate.Limiter

	perMinute int64

	mu    sync.Mutex
	hosts map[string]*hostLimiter

	cleanupDone chan struct{}
}

type hostLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimitHandler wraps handler. cleanupInterval controls how often idle
// per host limiters are dropped, until ctx is done; zero never drops them.
func NewRateLimitHandler(ctx context.Context, handler http.Handler, rateLimit int64, perMinute int64, cleanupInterval time.Duration) *RateLimitHandler {
	h := &RateLimitHandler{
		handler:     handler,
		limiter:     limiterFromRateLimit(rateLimit),
		perMinute:   perMinute,
		hosts:       make(map[string]*hostLimiter),
		cleanupDone: make(chan struct{}),
	}
	if perMinute > 0 && cleanupInterval > 0 {
		go h.cleanup(ctx, cleanupInterval)
	} else {
		close(h.cleanupDone)
	}
	return h
}

func (h *RateLimitHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	if h.perMinute == 0 {
		h.handler.ServeHTTP(w, r)
		return
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	h.mu.Lock()
	hl, ok := h.hosts[host]
	if !ok {
		hl = &hostLimiter{
			limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(h.perMinute)), int(h.perMinute)),
		}
		h.hosts[host] = hl
	}
	hl.lastSeen = time.Now()
	allowed := hl.limiter.Allow()
	h.mu.Unlock()

	if !allowed {
		log.Debugw("rate limited", "host", host)
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	h.handler.ServeHTTP(w, r)
}

func (h *RateLimitHandler) cleanup(ctx context.Context, interval time.Duration) {
	defer close(h.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		h.mu.Lock()
		for host, hl := range h.hosts {
			if time.Since(hl.lastSeen) > time.Minute {
				delete(h.hosts, host)
			}
		}
		h.mu.Unlock()
	}
}

func limiterFromRateLimit(rateLimit int64) *rate.Limiter {
	if rateLimit == 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Second/time.Duration(rateLimit)), int(rateLimit))
}
