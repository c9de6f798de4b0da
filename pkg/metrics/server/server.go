package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/omnistat/omnistat/pkg/route"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/maps"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
)

type Middleware func(handler http.Handler) (http.Handler, error)

// Server exposes Prometheus collectors together with health, readiness,
// version and any extra routes of the embedding service.
type Server struct {
	mutex        sync.Mutex
	collectors   []prometheus.Collector
	labels       prometheus.Labels
	limiter      *rate.Limiter
	timeout      time.Duration
	bindAddress  string
	port         *int
	debugMetrics bool
	readyChecker healthz.Checker
	routes       []func(*httprouter.Router)
	httpServer   *http.Server
	middleware   Middleware
}

type klogErrLog struct{}

func (k klogErrLog) Println(v ...interface{}) {
	klog.Errorln(v...)
}

// cachedResponse is the last scrape answered in full. Scrapes refused by
// the limiter are served from it.
type cachedResponse struct {
	mutex  sync.RWMutex
	header http.Header
	status int
	body   []byte
}

func (c *cachedResponse) store(header http.Header, status int, body []byte) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.header = header.Clone()
	c.status = status
	c.body = bytes.Clone(body)
}

func (c *cachedResponse) replay(w http.ResponseWriter) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.status != http.StatusOK {
		return false
	}
	maps.Copy(w.Header(), c.header)
	w.Header().Set("X-Rate-Limited", "true")
	w.WriteHeader(c.status)
	_, _ = w.Write(c.body)
	return true
}

type responseRecorder struct {
	http.ResponseWriter
	buffer bytes.Buffer
	status int
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.buffer.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) metricsHandler() (http.Handler, error) {
	registry := prometheus.NewRegistry()
	var registerer prometheus.Registerer = registry
	if len(s.labels) > 0 {
		registerer = prometheus.WrapRegistererWith(s.labels, registerer)
	}
	all := s.collectors
	if s.debugMetrics {
		all = append([]prometheus.Collector{
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		}, all...)
	}
	for _, collector := range all {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}

	metricHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		Registry:      registerer,
		ErrorLog:      klogErrLog{},
		Timeout:       s.timeout,
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
	metricHandler = promhttp.InstrumentMetricHandler(registerer, metricHandler)
	if s.limiter == nil {
		return metricHandler, nil
	}
	cache := &cachedResponse{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			if !cache.replay(w) {
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
			}
			return
		}
		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		metricHandler.ServeHTTP(recorder, r)
		cache.store(w.Header(), recorder.status, recorder.buffer.Bytes())
	}), nil
}

// Handler builds the router served by Start.
func (s *Server) Handler() (http.Handler, error) {
	handler, err := s.metricsHandler()
	if err != nil {
		return nil, err
	}
	if s.middleware != nil {
		if handler, err = s.middleware(handler); err != nil {
			return nil, err
		}
	}
	router := httprouter.New()
	route.AddHealthProbe(router)
	if s.readyChecker != nil {
		route.AddReadyProbe(router, s.readyChecker)
	} else {
		route.AddReadyProbe(router)
	}
	route.AddVersion(router)
	route.AddMetricsHandle(router, handler)
	for _, register := range s.routes {
		register(router)
	}
	return router, nil
}

func (s *Server) Address() string {
	return net.JoinHostPort(s.bindAddress, strconv.Itoa(*s.port))
}

// Start serves until ctx is done. A server can only be started once.
func (s *Server) Start(ctx context.Context) error {
	if !s.mutex.TryLock() {
		return fmt.Errorf("metrics service has been started and cannot be restarted again")
	}
	defer s.mutex.Unlock()

	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.Address(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		klog.Infof("Stopping metrics service")
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			klog.ErrorS(err, "error while stopping metrics service")
		}
	}()

	klog.Infof("Metrics server starting on <%s>", s.Address())
	if err = s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}

type Option func(*Server)

func WithPort(port *int) Option {
	return func(s *Server) {
		s.port = port
	}
}

func WithBindAddress(address string) Option {
	return func(s *Server) {
		s.bindAddress = address
	}
}

func WithLimiter(limiter *rate.Limiter) Option {
	return func(s *Server) {
		s.limiter = limiter
	}
}

func WithTimeoutSecond(seconds uint) Option {
	return func(s *Server) {
		s.timeout = time.Duration(seconds) * time.Second
	}
}

func WithMiddleware(fn Middleware) Option {
	return func(s *Server) {
		s.middleware = fn
	}
}

func WithLabels(labels prometheus.Labels) Option {
	return func(s *Server) {
		if s.labels == nil {
			s.labels = prometheus.Labels{}
		}
		maps.Copy(s.labels, labels)
	}
}

func WithCollectors(cs ...prometheus.Collector) Option {
	return func(s *Server) {
		s.collectors = append(s.collectors, cs...)
	}
}

func WithDebugMetrics(b bool) Option {
	return func(s *Server) {
		s.debugMetrics = b
	}
}

// WithReadyChecker backs /readyz. Without it the server is ready as soon as
// it serves.
func WithReadyChecker(checker healthz.Checker) Option {
	return func(s *Server) {
		s.readyChecker = checker
	}
}

// WithRoutes registers extra routes next to the built-in ones.
func WithRoutes(register func(router *httprouter.Router)) Option {
	return func(s *Server) {
		s.routes = append(s.routes, register)
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{bindAddress: "0.0.0.0"}
	for _, opt := range opts {
		opt(s)
	}
	if s.port == nil {
		s.port = ptr.To[int](8080)
	}
	return s
}
