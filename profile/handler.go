// Package profile mounts the runtime profiling endpoints.
package profile

import (
	"net/http"
	"net/http/pprof"
)

// Prefix is the path all profiling endpoints live under.
const Prefix = "/debug/pprof/"

// runtimeProfiles are served by name, in addition to what the index links.
var runtimeProfiles = []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"}

// Register mounts the pprof index, the CPU profile and trace endpoints and
// the named runtime profiles on mux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc(Prefix, pprof.Index)
	mux.HandleFunc(Prefix+"cmdline", pprof.Cmdline)
	mux.HandleFunc(Prefix+"profile", pprof.Profile)
	mux.HandleFunc(Prefix+"symbol", pprof.Symbol)
	mux.HandleFunc(Prefix+"trace", pprof.Trace)
	for _, name := range runtimeProfiles {
		mux.Handle(Prefix+name, pprof.Handler(name))
	}
}
