package fanout

import (
	"net/http"
	"strings"
)

// MetaFromRequest derives the span seed data from r. The scheme comes from
// the TLS state unless a proxy set X-Forwarded-Proto.
func MetaFromRequest(r *http.Request) RequestMeta {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme, _, _ = strings.Cut(proto, ",")
		scheme = strings.ToLower(strings.TrimSpace(scheme))
	}

	uri := r.RequestURI
	if uri == "" && r.URL != nil {
		uri = r.URL.RequestURI()
	}

	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}

	return RequestMeta{
		URL:        scheme + "://" + host + uri,
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
	}
}
