package interceptor

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kzs0/autotrace"
	"github.com/kzs0/autotrace/fanout"
	"github.com/kzs0/autotrace/metric"
	"github.com/kzs0/autotrace/scope"
)

func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	t.Cleanup(func() { Forget(engine) })
	return engine
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func TestInstallTracesRequests(t *testing.T) {
	engine := setupTestRouter(t)
	mock := mocktracer.New()
	app := Install(engine, autotrace.New([]opentracing.Tracer{mock}))

	app.GET("/items", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"items": []string{}})
	})

	rr := do(app, http.MethodGet, "/items")
	assert.Equal(t, http.StatusOK, rr.Code)

	spans := mock.FinishedSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, fanout.OperationName, spans[0].OperationName)
	assert.Equal(t, "/items", spans[0].Tag(fanout.TagRequestPath))
	assert.Equal(t, uint16(200), spans[0].Tag("http.status_code"))
	assert.Nil(t, spans[0].Tag("error"))
	assert.NotEmpty(t, rr.Header().Get("Mockpfx-Ids-Spanid"))
}

func TestInstallIsIdempotent(t *testing.T) {
	engine := setupTestRouter(t)
	mock := mocktracer.New()
	m := metric.NewWithRegistry(prometheus.NewRegistry())
	tracing := autotrace.New([]opentracing.Tracer{mock}, autotrace.WithMetrics(m))

	first := Install(engine, tracing)
	second := Install(engine, tracing)
	assert.Same(t, first, second)

	first.Use(func(c *gin.Context) { c.Next() })
	second.Use(func(c *gin.Context) { c.Next() })
	first.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Len(t, engine.Handlers, 3, "one tracing middleware plus the two registered")

	do(engine, http.MethodGet, "/")
	assert.Len(t, mock.FinishedSpans(), 1, "exactly one span per tracer")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.InstallsTotal.WithLabelValues("patched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InstallsTotal.WithLabelValues("noop")))
}

func TestMiddlewareIsPrepended(t *testing.T) {
	engine := setupTestRouter(t)
	mock := mocktracer.New()
	app := Install(engine, autotrace.New([]opentracing.Tracer{mock}))

	var sawScope bool
	app.Use(func(c *gin.Context) {
		_, sawScope = scope.Active(c.Request.Context())
		c.Next()
	})
	app.GET("/", func(c *gin.Context) {})

	do(engine, http.MethodGet, "/")
	assert.True(t, sawScope, "user middleware runs inside the tracing scope")
}

func TestUninstall(t *testing.T) {
	engine := setupTestRouter(t)
	mock := mocktracer.New()
	tracing := autotrace.New([]opentracing.Tracer{mock})

	assert.False(t, Uninstall(engine), "not installed yet")

	app := Install(engine, tracing)
	assert.True(t, Installed(engine))
	assert.True(t, Uninstall(engine))
	assert.False(t, Installed(engine))
	assert.False(t, Uninstall(engine))

	app.Use(func(c *gin.Context) { c.Next() })
	app.GET("/", func(c *gin.Context) {})
	assert.Len(t, engine.Handlers, 1, "no tracing middleware after uninstall")

	do(engine, http.MethodGet, "/")
	assert.Empty(t, mock.FinishedSpans())
}

func TestUninstallKeepsInsertedMiddleware(t *testing.T) {
	engine := setupTestRouter(t)
	mock := mocktracer.New()
	tracing := autotrace.New([]opentracing.Tracer{mock})

	app := Install(engine, tracing)
	app.GET("/", func(c *gin.Context) {})
	require.True(t, Uninstall(engine))

	do(engine, http.MethodGet, "/")
	assert.Len(t, mock.FinishedSpans(), 1, "chains built while installed stay traced")

	// reinstalling does not insert a second tracing middleware
	again := Install(engine, tracing)
	assert.NotSame(t, app, again)
	again.GET("/other", func(c *gin.Context) {})
	assert.Len(t, engine.Handlers, 1)

	do(engine, http.MethodGet, "/other")
	assert.Len(t, mock.FinishedSpans(), 2)
}

func TestTwoTracersServerError(t *testing.T) {
	engine := setupTestRouter(t)
	a, b := mocktracer.New(), mocktracer.New()
	app := Install(engine, autotrace.New([]opentracing.Tracer{a, b}))

	app.GET("/fail", func(c *gin.Context) {
		c.Status(http.StatusInternalServerError)
	})

	rr := do(engine, http.MethodGet, "/fail")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	for _, tracer := range []*mocktracer.MockTracer{a, b} {
		spans := tracer.FinishedSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, true, spans[0].Tag("error"))
		assert.Equal(t, uint16(500), spans[0].Tag("http.status_code"))
	}
}

func TestPanicWithRecovery(t *testing.T) {
	engine := setupTestRouter(t)
	mock := mocktracer.New()
	app := Install(engine, autotrace.New([]opentracing.Tracer{mock}))
	app.Use(gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, _ any) {
		c.AbortWithStatus(http.StatusInternalServerError)
	}))
	app.GET("/panic", func(c *gin.Context) { panic("boom") })

	rr := do(engine, http.MethodGet, "/panic")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, uint16(500), mock.FinishedSpans()[0].Tag("http.status_code"))
}

func TestPanicWithoutRecoveryPropagates(t *testing.T) {
	engine := setupTestRouter(t)
	mock := mocktracer.New()
	app := Install(engine, autotrace.New([]opentracing.Tracer{mock}))

	boom := errors.New("boom")
	app.GET("/panic", func(c *gin.Context) { panic(boom) })

	assert.PanicsWithError(t, "boom", func() { do(engine, http.MethodGet, "/panic") })
	spans := mock.FinishedSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, uint16(500), spans[0].Tag("http.status_code"))
	assert.Equal(t, true, spans[0].Tag("error"))
}

func TestMiddlewareWithoutInstall(t *testing.T) {
	engine := setupTestRouter(t)
	mock := mocktracer.New()
	engine.Use(Middleware(autotrace.New([]opentracing.Tracer{mock})))
	engine.GET("/items/:id", func(c *gin.Context) { c.String(http.StatusNotFound, "missing") })

	do(engine, http.MethodGet, "/items/7")

	span := mock.FinishedSpans()[0]
	assert.Equal(t, "/items/7", span.Tag(fanout.TagRequestPath))
	assert.Equal(t, uint16(404), span.Tag("http.status_code"))
	assert.Equal(t, true, span.Tag("error"))
}

func TestGroup(t *testing.T) {
	engine := setupTestRouter(t)
	mock := mocktracer.New()
	app := Install(engine, autotrace.New([]opentracing.Tracer{mock}))

	api := app.Group("/api")
	api.POST("/orders", func(c *gin.Context) { c.Status(http.StatusCreated) })
	assert.Same(t, engine, app.Engine())

	do(engine, http.MethodPost, "/api/orders")
	assert.Equal(t, uint16(201), mock.FinishedSpans()[0].Tag("http.status_code"))
}

func TestInstallNilTracing(t *testing.T) {
	engine := setupTestRouter(t)

	var app *App
	require.NotPanics(t, func() { app = Install(engine, nil) })
	app.GET("/", func(c *gin.Context) {
		set, ok := scope.Active(c.Request.Context())
		assert.True(t, ok)
		assert.Zero(t, set.Len())
		c.Status(http.StatusNoContent)
	})

	rr := do(engine, http.MethodGet, "/")
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestForgetReleasesEngine(t *testing.T) {
	engine := setupTestRouter(t)
	Install(engine, autotrace.New(nil))
	require.True(t, Installed(engine))

	Forget(engine)
	assert.False(t, Installed(engine))
	assert.False(t, Uninstall(engine), "a forgotten engine is not installed")

	mu.Lock()
	_, kept := registry[engine]
	mu.Unlock()
	assert.False(t, kept)
}
