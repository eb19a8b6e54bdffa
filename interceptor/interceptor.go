// Package interceptor attaches autotrace to a gin engine exactly once.
//
// Install wraps an engine in an App. The first handler or middleware
// registered through the App prepends the tracing middleware to the
// engine's chain; later registrations are plain gin registrations.
// Installing the same engine again returns the existing App, and the
// middleware is never inserted twice, also across Uninstall and Install.
//
// Usage:
//
//	engine := gin.New()
//	app := interceptor.Install(engine, tracing)
//	app.Use(gin.Recovery())
//	app.GET("/items", listItems)
//
// Engines that should not be wrapped can use Middleware directly.
package interceptor

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kzs0/autotrace"
	"github.com/kzs0/autotrace/fanout"
)

type entry struct {
	app       *App
	installed bool
	// patched is set once the tracing middleware is on the engine's chain
	// and is never cleared.
	patched bool
}

var (
	mu       sync.Mutex
	registry = make(map[*gin.Engine]*entry)
)

// App is an installed engine. Registrations made through it trigger the
// one-time insertion of the tracing middleware.
type App struct {
	engine  *gin.Engine
	tracing *autotrace.Tracing
}

// Install wraps engine with tracing. Calling it again for the same engine
// while installed is a no-op returning the same App. A nil tracing installs
// a middleware with no tracers.
//
// The engine stays in the package registry until Forget, also after
// Uninstall, so a re-install still knows the middleware is on the chain.
func Install(engine *gin.Engine, tracing *autotrace.Tracing) *App {
	if tracing == nil {
		tracing = autotrace.New(nil)
	}

	mu.Lock()
	defer mu.Unlock()

	e, ok := registry[engine]
	if ok && e.installed {
		tracing.Metrics().Installed(false)
		return e.app
	}
	if !ok {
		e = &entry{}
		registry[engine] = e
	}
	e.app = &App{engine: engine, tracing: tracing}
	e.installed = true

	tracing.Metrics().Installed(true)
	tracing.Logger().Debug("interceptor installed", zap.Int("tracers", len(tracing.Tracers())))
	return e.app
}

// Uninstall restores plain registration for engine. Middleware already on
// the chain stays there. It reports whether engine was installed.
func Uninstall(engine *gin.Engine) bool {
	mu.Lock()
	defer mu.Unlock()

	e, ok := registry[engine]
	if !ok || !e.installed {
		return false
	}
	e.installed = false
	return true
}

// Forget uninstalls engine and drops it from the registry. Use it for
// short-lived engines once they stop serving; installing a forgotten engine
// again inserts a second tracing middleware if one is already on its chain.
func Forget(engine *gin.Engine) {
	mu.Lock()
	defer mu.Unlock()
	delete(registry, engine)
}

// Installed reports whether engine is currently installed.
func Installed(engine *gin.Engine) bool {
	mu.Lock()
	defer mu.Unlock()
	e, ok := registry[engine]
	return ok && e.installed
}

// ensure prepends the tracing middleware on the first registration.
func (a *App) ensure() {
	mu.Lock()
	defer mu.Unlock()

	e := registry[a.engine]
	if e == nil || !e.installed || e.patched {
		return
	}
	a.engine.Use(Middleware(a.tracing))
	e.patched = true
}

// Use registers global middleware, after the tracing middleware.
func (a *App) Use(middleware ...gin.HandlerFunc) gin.IRoutes {
	a.ensure()
	return a.engine.Use(middleware...)
}

// Handle registers a route.
func (a *App) Handle(method, path string, handlers ...gin.HandlerFunc) gin.IRoutes {
	a.ensure()
	return a.engine.Handle(method, path, handlers...)
}

// GET is a shortcut for Handle(http.MethodGet, path, handlers...).
func (a *App) GET(path string, handlers ...gin.HandlerFunc) gin.IRoutes {
	return a.Handle(http.MethodGet, path, handlers...)
}

// POST is a shortcut for Handle(http.MethodPost, path, handlers...).
func (a *App) POST(path string, handlers ...gin.HandlerFunc) gin.IRoutes {
	return a.Handle(http.MethodPost, path, handlers...)
}

// Group creates a route group.
func (a *App) Group(path string, handlers ...gin.HandlerFunc) *gin.RouterGroup {
	a.ensure()
	return a.engine.Group(path, handlers...)
}

// Engine returns the wrapped engine.
func (a *App) Engine() *gin.Engine {
	return a.engine
}

// ServeHTTP implements http.Handler.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.engine.ServeHTTP(w, r)
}

// Middleware returns the tracing middleware as a gin handler.
func Middleware(tracing *autotrace.Tracing) gin.HandlerFunc {
	return func(c *gin.Context) {
		tracing.Around(c.Request.Context(), ginExchange{c}, func(ctx context.Context) {
			c.Request = c.Request.WithContext(ctx)
			c.Next()
		})
	}
}

type ginExchange struct {
	c *gin.Context
}

func (e ginExchange) Meta() fanout.RequestMeta    { return fanout.MetaFromRequest(e.c.Request) }
func (e ginExchange) RequestHeader() http.Header  { return e.c.Request.Header }
func (e ginExchange) ResponseHeader() http.Header { return e.c.Writer.Header() }
func (e ginExchange) Path() string                { return e.c.Request.URL.Path }

// Status treats a non-default status set with c.Status as final, since gin
// writes it only after the chain returns.
func (e ginExchange) Status() (int, bool) {
	status := e.c.Writer.Status()
	return status, e.c.Writer.Written() || status != http.StatusOK
}
