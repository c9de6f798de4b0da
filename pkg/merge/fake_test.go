package merge

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	mergeconfig "github.com/omnistat/omnistat/pkg/config/merge"
	"github.com/omnistat/omnistat/pkg/tsdb/supervisor"
	"github.com/omnistat/omnistat/pkg/tsdb/tsdbtest"
	"github.com/omnistat/omnistat/pkg/util"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"
)

type fakeServer struct {
	address string
	storage string
	backend *tsdbtest.Server
	http    *httptest.Server
}

func (f *fakeServer) URL(path string) string {
	return f.http.URL + path
}

func (f *fakeServer) String() string {
	return fmt.Sprintf("fake(%s, %s)", f.address, f.storage)
}

// fakeSupervisor serves each storage directory from an in-process fake and
// persists its series on Stop, like a real server flushing on shutdown.
type fakeSupervisor struct {
	mutex   sync.Mutex
	running map[string]*fakeServer
	starts  map[string]int
	stops   map[string]int
	kills   map[string]int
	calls   []string

	failStart   sets.Set[string]
	stopTimeout sets.Set[string]
	failExport  sets.Set[string]
	failImport  sets.Set[string]
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		running:     map[string]*fakeServer{},
		starts:      map[string]int{},
		stops:       map[string]int{},
		kills:       map[string]int{},
		failStart:   sets.New[string](),
		stopTimeout: sets.New[string](),
		failExport:  sets.New[string](),
		failImport:  sets.New[string](),
	}
}

func (f *fakeSupervisor) Start(_ context.Context, address, storagePath string, _ ...string) (Server, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	name := filepath.Base(storagePath)
	f.calls = append(f.calls, "start "+name)
	if _, ok := f.running[address]; ok {
		return nil, fmt.Errorf("%w: %s", supervisor.ErrAddressInUse, address)
	}
	if f.failStart.Has(name) {
		return nil, fmt.Errorf("%w: %s", supervisor.ErrUnreachable, address)
	}
	series, err := tsdbtest.StoredSeries(storagePath)
	if err != nil {
		return nil, err
	}
	backend := tsdbtest.NewServer(series...)
	backend.SetFailExport(f.failExport.Has(name))
	backend.SetFailImport(f.failImport.Has(name))
	server := &fakeServer{
		address: address,
		storage: storagePath,
		backend: backend,
		http:    httptest.NewServer(backend.Handler()),
	}
	f.running[address] = server
	f.starts[name]++
	return server, nil
}

func (f *fakeSupervisor) Stop(_ context.Context, s Server) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	server := s.(*fakeServer)
	name := filepath.Base(server.storage)
	f.calls = append(f.calls, "stop "+name)
	if f.stopTimeout.Has(name) {
		return fmt.Errorf("%w: %s", supervisor.ErrShutdownTimeout, server)
	}
	server.http.Close()
	delete(f.running, server.address)
	f.stops[name]++
	if err := os.MkdirAll(filepath.Join(server.storage, util.DataDirName), 0755); err != nil {
		return err
	}
	return tsdbtest.SaveFile(filepath.Join(server.storage, util.DataDirName, tsdbtest.SeriesFileName), server.backend.Series())
}

func (f *fakeSupervisor) Kill(s Server) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	server := s.(*fakeServer)
	name := filepath.Base(server.storage)
	f.calls = append(f.calls, "kill "+name)
	server.http.Close()
	delete(f.running, server.address)
	f.kills[name]++
	return nil
}

func seedSource(t *testing.T, root, name string, series ...tsdbtest.Series) string {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, tsdbtest.SeedStorage(path, series...))
	return path
}

func jobSeries(jobID string) []tsdbtest.Series {
	return []tsdbtest.Series{
		tsdbtest.NewSeries("rmsjob_info", 1, 1000, "jobid", jobID),
		tsdbtest.NewSeries("rocm_utilization_percentage", 88, 1000, "jobid", jobID, "card", "0"),
		tsdbtest.NewSeries("vm_rows_inserted_total", 3, 1000),
	}
}

func testConfig(t *testing.T, root string) *mergeconfig.Config {
	t.Helper()
	config := mergeconfig.Default()
	config.Mode = mergeconfig.ModeMulti
	config.SourceRoot = root
	config.TargetDir = filepath.Join(root, util.DefaultMergedDirName)
	config.TransferFile = filepath.Join(t.TempDir(), "transfer.bin")
	require.NoError(t, config.Validate())
	return &config
}
