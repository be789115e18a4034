package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeblock",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests received",
	}, []string{"service", "method", "route", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codeblock",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"service", "method", "route", "status"})

	httpInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "codeblock",
		Name:      "http_in_flight_requests",
		Help:      "Current number of in-flight HTTP requests",
	}, []string{"service"})

	httpResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codeblock",
		Name:      "http_response_size_bytes",
		Help:      "Size of HTTP responses in bytes",
		Buckets:   prometheus.ExponentialBuckets(200, 2, 8),
	}, []string{"service", "method", "route", "status"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "codeblock",
		Name:      "active_sessions",
		Help:      "Number of live block sessions on this instance",
	})

	participants = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "codeblock",
		Name:      "participants",
		Help:      "Number of participants joined to a block session",
	})

	framesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeblock",
		Name:      "frames_delivered_total",
		Help:      "Frames queued for delivery to a participant",
	}, []string{"type"})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codeblock",
		Name:      "frames_dropped_total",
		Help:      "Frames dropped because the recipient was gone or too slow",
	}, []string{"type"})

	codeRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "codeblock",
		Name:      "code_rejections_total",
		Help:      "Code submissions rejected because the sender is not the mentor",
	})
)

func SessionOpened()          { activeSessions.Inc() }
func SessionClosed()          { activeSessions.Dec() }
func ParticipantJoined()      { participants.Inc() }
func ParticipantLeft()        { participants.Dec() }
func FrameDelivered(t string) { framesDelivered.WithLabelValues(t).Inc() }
func FrameDropped(t string)   { framesDropped.WithLabelValues(t).Inc() }
func CodeRejected()           { codeRejections.Inc() }

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps WebSocket upgrades working behind the middleware.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("codeblock metrics: underlying ResponseWriter does not support hijacking")
}

// Middleware records request metrics with Prometheus labels. The route label
// is the chi route pattern so block ids do not explode cardinality.
func Middleware(service string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			httpInFlight.WithLabelValues(service).Inc()
			defer httpInFlight.WithLabelValues(service).Dec()

			next.ServeHTTP(rec, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}

			labels := prometheus.Labels{
				"service": service,
				"method":  r.Method,
				"route":   route,
				"status":  strconv.Itoa(rec.status),
			}

			httpRequests.With(labels).Inc()
			httpLatency.With(labels).Observe(time.Since(start).Seconds())
			httpResponseSize.With(labels).Observe(float64(rec.bytes))
		})
	}
}

// Handler exposes the default Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
