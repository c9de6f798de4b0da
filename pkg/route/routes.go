package route

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/omnistat/omnistat/pkg/index"
	"github.com/omnistat/omnistat/pkg/version"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
)

const (
	versionPath = "/version"
	healthzPath = "/healthz"
	readyzPath  = "/readyz"
	metricsPath = "/metrics"
	rootPath    = "/"
	jobsPath    = "/jobs"
)

// DebugLogging wraps handler for debugging purposes
func DebugLogging(h httprouter.Handle, path string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		klog.V(5).Infof("%s %s from %s", r.Method, path, r.RemoteAddr)
		h(w, r, p)
	}
}

func AddVersion(router *httprouter.Router) {
	router.GET(versionPath, DebugLogging(VersionRoute, versionPath))
}

// VersionRoute returns the build version as JSON.
func VersionRoute(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, version.Get())
}

func AddReadyProbe(router *httprouter.Router, checker ...healthz.Checker) {
	addProbe(router, readyzPath, "readyz", checker...)
}

func AddHealthProbe(router *httprouter.Router, checker ...healthz.Checker) {
	addProbe(router, healthzPath, "healthz", checker...)
}

func addProbe(router *httprouter.Router, path, name string, checker ...healthz.Checker) {
	c := healthz.Ping
	if len(checker) > 0 {
		c = checker[0]
	}
	probeHandler := &healthz.Handler{
		Checks: map[string]healthz.Checker{name: c},
	}
	router.GET(path, func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		probeHandler.ServeHTTP(w, r)
	})
}

func AddMetricsHandle(router *httprouter.Router, metrics http.Handler) {
	handleFunc := func(writer http.ResponseWriter, request *http.Request, _ httprouter.Params) {
		metrics.ServeHTTP(writer, request)
	}
	router.GET(metricsPath, DebugLogging(handleFunc, metricsPath))
}

// JobLister returns the indexed jobs, or false while no scan has finished.
type JobLister interface {
	Jobs() ([]index.Job, bool)
}

// AddJobIndex serves the job list as a JSON array on / and /jobs.
func AddJobIndex(router *httprouter.Router, lister JobLister) {
	handle := JobIndexRoute(lister)
	router.GET(rootPath, DebugLogging(handle, rootPath))
	router.GET(jobsPath, DebugLogging(handle, jobsPath))
}

func JobIndexRoute(lister JobLister) httprouter.Handle {
	return func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		jobs, ok := lister.Jobs()
		if !ok {
			http.Error(w, "job index is not ready yet", http.StatusServiceUnavailable)
			return
		}
		if jobs == nil {
			jobs = []index.Job{}
		}
		writeJSON(w, jobs)
	}
}

func writeJSON(w http.ResponseWriter, value any) {
	body, err := json.Marshal(value)
	if err != nil {
		klog.ErrorS(err, "Failed to marshal response")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
