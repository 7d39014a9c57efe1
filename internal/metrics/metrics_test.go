package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, framesTotal)
	require.NotNil(t, watchOutcomesTotal)
	require.NotNil(t, httpRequestsTotal)
}

func TestObserveFrame(t *testing.T) {
	Init()
	before := testutil.ToFloat64(framesTotal.WithLabelValues(FrameMalformed))
	ObserveFrame(FrameMalformed)
	ObserveFrame(FrameMalformed)
	require.InDelta(t, before+2, testutil.ToFloat64(framesTotal.WithLabelValues(FrameMalformed)), 1e-9)
}

func TestObserveDroppedIgnoresZero(t *testing.T) {
	Init()
	before := testutil.ToFloat64(eventsDroppedTotal)
	ObserveDropped(0)
	ObserveDropped(3)
	require.InDelta(t, before+3, testutil.ToFloat64(eventsDroppedTotal), 1e-9)
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/teapot", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teapot", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")), 1e-9)
}

func TestResponseWriterHijackUnsupported(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	_, _, err := rw.Hijack()
	require.Error(t, err)
}
