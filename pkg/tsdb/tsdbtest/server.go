// Package tsdbtest provides a small in-process stand-in for a time-series
// server exposing the health, native export and native import endpoints.
// Series travel as JSON lines, which is enough to observe what the
// orchestrator moves between servers.
package tsdbtest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/julienschmidt/httprouter"
	"github.com/omnistat/omnistat/pkg/util"
)

// Series is one exported time series.
type Series struct {
	Metric     map[string]string `json:"metric"`
	Values     []float64         `json:"values"`
	Timestamps []int64           `json:"timestamps"`
}

// Name returns the metric name of the series.
func (s Series) Name() string {
	return s.Metric["__name__"]
}

// NewSeries builds a single-sample series.
func NewSeries(name string, value float64, timestamp int64, labels ...string) Series {
	metric := map[string]string{"__name__": name}
	for i := 0; i+1 < len(labels); i += 2 {
		metric[labels[i]] = labels[i+1]
	}
	return Series{Metric: metric, Values: []float64{value}, Timestamps: []int64{timestamp}}
}

type Server struct {
	mutex      sync.Mutex
	series     []Series
	failExport atomic.Bool
	failImport atomic.Bool
	unhealthy  atomic.Bool
	exports    atomic.Int32
	imports    atomic.Int32
}

func NewServer(series ...Series) *Server {
	return &Server{series: slices.Clone(series)}
}

func (s *Server) SetFailExport(b bool) { s.failExport.Store(b) }
func (s *Server) SetFailImport(b bool) { s.failImport.Store(b) }
func (s *Server) SetUnhealthy(b bool)  { s.unhealthy.Store(b) }
func (s *Server) Exports() int         { return int(s.exports.Load()) }
func (s *Server) Imports() int         { return int(s.imports.Load()) }

// Series returns a copy of the stored series.
func (s *Server) Series() []Series {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return slices.Clone(s.series)
}

// Names returns the sorted metric names of all stored series.
func (s *Server) Names() []string {
	var names []string
	for _, series := range s.Series() {
		names = append(names, series.Name())
	}
	slices.Sort(names)
	return names
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET(util.HealthPath, s.health)
	router.GET(util.ExportPath, s.export)
	router.POST(util.ImportPath, s.importNative)
	return router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if s.unhealthy.Load() {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	_, _ = fmt.Fprint(w, "OK")
}

func (s *Server) export(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.exports.Add(1)
	if s.failExport.Load() {
		http.Error(w, "export disabled", http.StatusInternalServerError)
		return
	}
	matcher, err := parseMatch(r.URL.Query().Get("match[]"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if err = WriteSeries(w, slices.DeleteFunc(s.Series(), func(series Series) bool {
		return !matcher(series.Name())
	})); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) importNative(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.imports.Add(1)
	if s.failImport.Load() {
		http.Error(w, "import disabled", http.StatusInternalServerError)
		return
	}
	series, err := ReadSeries(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mutex.Lock()
	s.series = append(s.series, series...)
	s.mutex.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// parseMatch understands the selectors the orchestrator sends:
// {}, {__name__=~"re"} and {__name__!~"re"}.
func parseMatch(selector string) (func(string) bool, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" || selector == "{}" {
		return func(string) bool { return true }, nil
	}
	expr := regexp.MustCompile(`^\{__name__(=~|!~)"(.*)"\}$`)
	parts := expr.FindStringSubmatch(selector)
	if parts == nil {
		return nil, fmt.Errorf("unsupported selector %q", selector)
	}
	re, err := regexp.Compile("^(?:" + parts[2] + ")$")
	if err != nil {
		return nil, err
	}
	negate := parts[1] == "!~"
	return func(name string) bool {
		return re.MatchString(name) != negate
	}, nil
}

func WriteSeries(w io.Writer, series []Series) error {
	encoder := json.NewEncoder(w)
	for _, s := range series {
		if err := encoder.Encode(s); err != nil {
			return err
		}
	}
	return nil
}

func ReadSeries(r io.Reader) ([]Series, error) {
	var series []Series
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var s Series
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			return nil, fmt.Errorf("decode series: %w", err)
		}
		series = append(series, s)
	}
	return series, scanner.Err()
}

// LoadFile reads series persisted with SaveFile. A missing file yields no
// series.
func LoadFile(path string) ([]Series, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() {
		_ = file.Close()
	}()
	return ReadSeries(file)
}

func SaveFile(path string, series []Series) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err = WriteSeries(file, series); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
