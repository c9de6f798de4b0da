package tsdbtest

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/omnistat/omnistat/pkg/tsdb/probe"
	"github.com/omnistat/omnistat/pkg/util"
)

const (
	// EnvServer turns a test binary into a fake server process when set to 1.
	EnvServer = "OMNISTAT_TSDBTEST_SERVER"
	// EnvMode selects a misbehaviour of the fake server process.
	EnvMode = "OMNISTAT_TSDBTEST_MODE"

	ModeNeverReady      = "never-ready"
	ModeIgnoreInterrupt = "ignore-interrupt"
	ModeExitImmediately = "exit-immediately"

	// SeriesFileName holds the series of a fake server inside its data dir.
	SeriesFileName = "series.jsonl"
	// FakeVersionOutput is printed for -version.
	FakeVersionOutput = "victoria-metrics-20240301-120000-tags-v1.99.0-0-g1234abcd"
)

// ServerEnv returns the environment that makes a re-executed test binary
// behave as a fake server in the given mode.
func ServerEnv(mode string) []string {
	return []string{EnvServer + "=1", EnvMode + "=" + mode}
}

// RunIfRequested turns the current process into a fake server when EnvServer
// is set. Call it first thing in TestMain.
func RunIfRequested() {
	if os.Getenv(EnvServer) != "1" {
		return
	}
	os.Exit(serve(os.Args[1:], os.Getenv(EnvMode)))
}

// SeedStorage prepares a database directory the way a finished collection
// leaves it: a lock file, a data directory and the persisted series.
func SeedStorage(storagePath string, series ...Series) error {
	if err := os.MkdirAll(filepath.Join(storagePath, util.DataDirName), 0755); err != nil {
		return err
	}
	if err := util.TouchFile(probe.LockFilePath(storagePath)); err != nil {
		return err
	}
	return SaveFile(filepath.Join(storagePath, util.DataDirName, SeriesFileName), series)
}

// StoredSeries reads the series persisted by a stopped fake server.
func StoredSeries(storagePath string) ([]Series, error) {
	return LoadFile(filepath.Join(storagePath, util.DataDirName, SeriesFileName))
}

func serve(args []string, mode string) int {
	var address, storage string
	for _, arg := range args {
		name, value, _ := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		switch name {
		case "httpListenAddr":
			address = value
		case "storageDataPath":
			storage = value
		case "version":
			fmt.Println(FakeVersionOutput)
			return 0
		}
	}
	if mode == ModeExitImmediately {
		return 3
	}
	if address == "" || storage == "" {
		fmt.Fprintln(os.Stderr, "missing -httpListenAddr or -storageDataPath")
		return 2
	}
	if err := os.MkdirAll(filepath.Join(storage, util.DataDirName), 0755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	lock, err := probe.AcquireLock(probe.LockFilePath(storage))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() {
		_ = lock.Release()
	}()
	seriesFile := filepath.Join(storage, util.DataDirName, SeriesFileName)
	series, err := LoadFile(seriesFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	server := NewServer(series...)
	server.SetUnhealthy(mode == ModeNeverReady)

	listener, err := net.Listen("tcp", address)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	httpServer := &http.Server{Handler: server.Handler()}
	go func() {
		_ = httpServer.Serve(listener)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	for s := range sigChan {
		if mode == ModeIgnoreInterrupt && s == syscall.SIGINT {
			continue
		}
		break
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	if err = SaveFile(seriesFile, server.Series()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// FreeAddress returns a loopback address with a port that was free at the
// time of the call.
func FreeAddress() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer func() {
		_ = listener.Close()
	}()
	return listener.Addr().String(), nil
}
