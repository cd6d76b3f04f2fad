package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func swapRegistry(t *testing.T) {
	t.Helper()

	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = prometheus.NewRegistry()
		prometheus.DefaultGatherer = prometheus.DefaultRegisterer.(prometheus.Gatherer)
	})
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	swapRegistry(t)

	p, ok := NewProvider().(*provider)
	if !ok {
		t.Fatalf("NewProvider must return *provider")
	}

	r := chi.NewRouter()
	r.Use(p.Middleware)
	r.Delete("/api/user/goals/{number}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, path := range []string{"/api/user/goals/3", "/api/user/goals/4"} {
		req := httptest.NewRequest(http.MethodDelete, path, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	// Оба запроса ложатся в одну метку шаблона маршрута.
	got := testutil.ToFloat64(p.requestsTotal.WithLabelValues("/api/user/goals/{number}", "2xx"))
	if got != 2 {
		t.Fatalf("pattern counter = %v, want 2", got)
	}
	if leaked := testutil.ToFloat64(p.requestsTotal.WithLabelValues("/api/user/goals/3", "2xx")); leaked != 0 {
		t.Fatalf("raw path must not become a label value, counter = %v", leaked)
	}
}

func TestNoopProvider(t *testing.T) {
	m := NewNoop()

	// Методы no-op провайдера не должны паниковать.
	m.IncRequestsTotal("/test", 200)
	m.AddPointsAwarded(10)
	m.IncClaims()
	m.IncPriceRefreshes()

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))
	if rec.Result().StatusCode != http.StatusTeapot {
		t.Fatalf("noop middleware must pass requests through unchanged")
	}
}

func TestHttpStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := httpStatusBucket(tt.code); got != tt.want {
			t.Fatalf("httpStatusBucket(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
