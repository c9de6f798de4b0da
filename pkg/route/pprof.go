package route

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"time"

	"k8s.io/klog/v2"
)

func debugMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// StartDebugServer serves pprof on address until ctx is done. An empty
// address disables it.
func StartDebugServer(ctx context.Context, address string) {
	if len(address) == 0 {
		return
	}
	server := &http.Server{Addr: address, Handler: debugMux(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	go func() {
		klog.V(4).Infof("Debug Server starting on <%s>", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.ErrorS(err, "Debug Server error occurred")
		}
	}()
}
