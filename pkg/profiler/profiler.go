// Package profiler exposes the pprof endpoints on a loopback-only
// listener when relay is started with profiling enabled.
package profiler

import (
	"log"
	"net/http"
	"net/http/pprof"
	"time"
)

const profilerAddr = "localhost:19841"

// InitialiseProfiler starts the pprof HTTP listener in the background on
// a dedicated mux so the profiling surface never mixes with relay's own
// operational endpoints.
func InitialiseProfiler() {
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		server := &http.Server{
			Addr:         profilerAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		log.Println("Profiler is running on", profilerAddr)
		log.Println(server.ListenAndServe())
	}()
}
