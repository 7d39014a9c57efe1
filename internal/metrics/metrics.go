// Package metrics exposes Prometheus collectors for the event channel, build
// watches, and the relay server.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	framesTotal                *prometheus.CounterVec
	eventsDeliveredTotal       prometheus.Counter
	eventsDroppedTotal         prometheus.Counter
	reconnectsTotal            prometheus.Counter
	channelConnected           prometheus.Gauge
	channelSubscribers         prometheus.Gauge
	watchOutcomesTotal         *prometheus.CounterVec
	relayClients               prometheus.Gauge
	relayBroadcastsTotal       prometheus.Counter
	relayClientsDroppedTotal   prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Frame results recorded by ObserveFrame.
const (
	FrameAccepted  = "accepted"
	FrameMalformed = "malformed"
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		framesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildwatch_frames_total",
				Help: "Inbound event frames, labeled by decode result.",
			},
			[]string{"result"},
		)

		eventsDeliveredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "buildwatch_events_delivered_total",
				Help: "Decoded events published to the channel's subscribers.",
			},
		)

		eventsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "buildwatch_events_dropped_total",
				Help: "Events dropped because a consumer buffer was full.",
			},
		)

		reconnectsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "buildwatch_reconnects_total",
				Help: "Connection attempts made after a lost or failed connection.",
			},
		)

		channelConnected = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "buildwatch_channel_connected",
				Help: "Number of event channels currently connected to the backend.",
			},
		)

		channelSubscribers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "buildwatch_channel_subscribers",
				Help: "Number of active event channel subscriptions.",
			},
		)

		watchOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildwatch_watch_outcomes_total",
				Help: "Resolved build watches, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		relayClients = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "buildwatch_relay_clients",
				Help: "Websocket clients connected to the relay.",
			},
		)

		relayBroadcastsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "buildwatch_relay_broadcasts_total",
				Help: "Frames broadcast by the relay.",
			},
		)

		relayClientsDroppedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "buildwatch_relay_clients_dropped_total",
				Help: "Relay clients disconnected because their send buffer was full.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFrame counts an inbound frame by decode result.
func ObserveFrame(result string) {
	Init()
	framesTotal.WithLabelValues(result).Inc()
}

// ObserveDelivered counts an event published to subscribers.
func ObserveDelivered() {
	Init()
	eventsDeliveredTotal.Inc()
}

// ObserveDropped counts events dropped because a consumer fell behind.
func ObserveDropped(n int) {
	Init()
	if n > 0 {
		eventsDroppedTotal.Add(float64(n))
	}
}

// ObserveReconnect counts a reconnect attempt.
func ObserveReconnect() {
	Init()
	reconnectsTotal.Inc()
}

// SetConnected moves the connected gauge when a channel connects or drops.
func SetConnected(connected bool) {
	Init()
	if connected {
		channelConnected.Inc()
		return
	}
	channelConnected.Dec()
}

// IncSubscribers increments the active subscription gauge.
func IncSubscribers() {
	Init()
	channelSubscribers.Inc()
}

// DecSubscribers decrements the active subscription gauge.
func DecSubscribers() {
	Init()
	channelSubscribers.Dec()
}

// ObserveWatchOutcome counts a resolved watch.
func ObserveWatchOutcome(outcome string) {
	Init()
	watchOutcomesTotal.WithLabelValues(outcome).Inc()
}

// IncRelayClients increments the relay client gauge.
func IncRelayClients() {
	Init()
	relayClients.Inc()
}

// DecRelayClients decrements the relay client gauge.
func DecRelayClients() {
	Init()
	relayClients.Dec()
}

// ObserveBroadcast counts a relayed frame.
func ObserveBroadcast() {
	Init()
	relayBroadcastsTotal.Inc()
}

// ObserveClientDropped counts a relay client cut off for backpressure.
func ObserveClientDropped() {
	Init()
	relayClientsDroppedTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
