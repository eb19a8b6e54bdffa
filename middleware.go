package autotrace

import (
	"bufio"
	"context"
	"net"
	"net/http"

	"github.com/kzs0/autotrace/fanout"
)

// Handler wraps next so that every request runs inside a tracing scope.
//
// Usage:
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/items", handleItems)
//
//	http.ListenAndServe(":8080", tracing.Handler(mux))
func (t *Tracing) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		ex := &httpExchange{r: r, rw: rw}

		t.Around(r.Context(), ex, func(ctx context.Context) {
			ex.r = r.WithContext(ctx)
			next.ServeHTTP(rw, ex.r)
		})
	})
}

// HTTPMiddleware is Handler in the func(http.Handler) http.Handler shape
// routers expect.
func HTTPMiddleware(t *Tracing) func(http.Handler) http.Handler {
	return t.Handler
}

type httpExchange struct {
	r  *http.Request
	rw *responseWriter
}

func (e *httpExchange) Meta() fanout.RequestMeta    { return fanout.MetaFromRequest(e.r) }
func (e *httpExchange) RequestHeader() http.Header  { return e.r.Header }
func (e *httpExchange) ResponseHeader() http.Header { return e.rw.Header() }
func (e *httpExchange) Status() (int, bool)         { return e.rw.status, e.rw.wroteHeader }
func (e *httpExchange) Path() string                { return e.r.URL.Path }

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
