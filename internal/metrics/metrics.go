// Package metrics собирает прометей-метрики HTTP-слоя и доменных событий.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Provider описывает точки учёта, используемые хендлерами и сервисом.
type Provider interface {
	IncRequestsTotal(endpoint string, status int)
	ObserveRequestDuration(endpoint string, duration time.Duration)
	AddPointsAwarded(points uint64)
	IncClaims()
	IncPriceRefreshes()
	Middleware(next http.Handler) http.Handler
}

type provider struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pointsAwarded   prometheus.Counter
	claimsTotal     prometheus.Counter
	priceRefreshes  prometheus.Counter
}

// NewProvider регистрирует метрики в реестре по умолчанию.
func NewProvider() Provider {
	return &provider{
		requestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "momentum_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"endpoint", "status"}),

		requestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "momentum_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),

		pointsAwarded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "momentum_points_awarded_total",
			Help: "Total reward points accrued across all goals",
		}),

		claimsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "momentum_claims_total",
			Help: "Total number of successful reward claims",
		}),

		priceRefreshes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "momentum_price_refresh_total",
			Help: "Total number of successful price cache refreshes",
		}),
	}
}

func (p *provider) IncRequestsTotal(endpoint string, status int) {
	p.requestsTotal.WithLabelValues(endpoint, httpStatusBucket(status)).Inc()
}

func (p *provider) ObserveRequestDuration(endpoint string, duration time.Duration) {
	p.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (p *provider) AddPointsAwarded(points uint64) {
	p.pointsAwarded.Add(float64(points))
}

func (p *provider) IncClaims() {
	p.claimsTotal.Inc()
}

func (p *provider) IncPriceRefreshes() {
	p.priceRefreshes.Inc()
}

// Middleware учитывает каждый запрос по шаблону маршрута и классу статуса.
// Шаблон вместо сырого пути: записи вида /api/user/goals/{number} не
// раздувают кардинальность метки.
func (p *provider) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}

		p.IncRequestsTotal(endpoint, sw.status)
		p.ObserveRequestDuration(endpoint, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func httpStatusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// NewNoop возвращает провайдера, отбрасывающего все наблюдения.
func NewNoop() Provider {
	return noop{}
}

type noop struct{}

func (noop) IncRequestsTotal(_ string, _ int)                 {}
func (noop) ObserveRequestDuration(_ string, _ time.Duration) {}
func (noop) AddPointsAwarded(_ uint64)                        {}
func (noop) IncClaims()                                       {}
func (noop) IncPriceRefreshes()                               {}
func (noop) Middleware(next http.Handler) http.Handler        { return next }
