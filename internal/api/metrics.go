package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CounterRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buda",
			Name:      "http_requests_total",
			Help:      "Control API requests by route and status code.",
		},
		[]string{"route", "code"},
	)
	CounterErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buda",
			Name:      "http_errors_total",
			Help:      "Control API error responses by error code.",
		},
		[]string{"desc"},
	)
	HistogramRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "buda",
			Name:      "http_request_duration_seconds",
			Help:      "Control API request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(CounterRequests)
	prometheus.MustRegister(CounterErrors)
	prometheus.MustRegister(HistogramRequestDuration)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// collectStats records request counts and latency per route template.
func collectStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		CounterRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		HistogramRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ServeMetrics exposes the default prometheus registry on addr until ctx is
// done.
func ServeMetrics(ctx context.Context, addr string) error {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: m, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
