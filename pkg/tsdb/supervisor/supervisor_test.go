package supervisor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/omnistat/omnistat/pkg/tsdb/probe"
	"github.com/omnistat/omnistat/pkg/tsdb/tsdbtest"
	"github.com/omnistat/omnistat/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	tsdbtest.RunIfRequested()
	os.Exit(m.Run())
}

func newTestSupervisor(t *testing.T, mode string, opts ...Option) *Supervisor {
	t.Helper()
	executable, err := os.Executable()
	require.NoError(t, err)
	opts = append([]Option{
		WithBinary(executable),
		WithEnv(tsdbtest.ServerEnv(mode)...),
		WithStartup(50*time.Millisecond, 10*time.Second),
		WithShutdown(50*time.Millisecond, 10*time.Second),
	}, opts...)
	return New(opts...)
}

func freeAddress(t *testing.T) string {
	t.Helper()
	address, err := tsdbtest.FreeAddress()
	require.NoError(t, err)
	return address
}

func TestSupervisor_StartStop(t *testing.T) {
	storage := filepath.Join(t.TempDir(), "jobA")
	require.NoError(t, tsdbtest.SeedStorage(storage,
		tsdbtest.NewSeries("rocm_utilization_percentage", 97, 1000, "card", "0")))

	s := newTestSupervisor(t, "")
	address := freeAddress(t)
	instance, err := s.Start(context.Background(), address, storage)
	require.NoError(t, err)
	assert.Equal(t, Ready, instance.State())
	assert.Equal(t, address, instance.Address())
	assert.Equal(t, storage, instance.StoragePath())
	assert.Positive(t, instance.PID())
	assert.True(t, probe.Healthy(context.Background(), instance.URL(util.HealthPath)))

	released, err := probe.TryLock(probe.LockFilePath(storage))
	require.NoError(t, err)
	assert.False(t, released, "running server must hold its storage lock")

	require.NoError(t, s.Stop(context.Background(), instance))
	assert.Equal(t, Stopped, instance.State())
	released, err = probe.TryLock(probe.LockFilePath(storage))
	require.NoError(t, err)
	assert.True(t, released)

	// Stopping twice is a no-op.
	require.NoError(t, s.Stop(context.Background(), instance))

	series, err := tsdbtest.StoredSeries(storage)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, "rocm_utilization_percentage", series[0].Name())
}

func TestSupervisor_StartAddressInUse(t *testing.T) {
	busy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer busy.Close()

	s := newTestSupervisor(t, "")
	_, err := s.Start(context.Background(), strings.TrimPrefix(busy.URL, "http://"), t.TempDir())
	assert.ErrorIs(t, err, ErrAddressInUse)
}

func TestSupervisor_StartAddressHeldBySilentListener(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		// Accept and hold connections without ever answering.
		var held []net.Conn
		for {
			conn, err := listener.Accept()
			if err != nil {
				for _, c := range held {
					_ = c.Close()
				}
				return
			}
			held = append(held, conn)
		}
	}()

	s := newTestSupervisor(t, "", WithStartup(50*time.Millisecond, 500*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()

	start := time.Now()
	instance, err := s.Start(ctx, listener.Addr().String(), t.TempDir())
	assert.ErrorIs(t, err, ErrAddressInUse)
	assert.Nil(t, instance)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSupervisor_StartNeverReady(t *testing.T) {
	storage := t.TempDir()
	s := newTestSupervisor(t, tsdbtest.ModeNeverReady,
		WithStartup(50*time.Millisecond, 500*time.Millisecond))

	start := time.Now()
	instance, err := s.Start(context.Background(), freeAddress(t), storage)
	require.ErrorIs(t, err, ErrUnreachable)
	assert.Nil(t, instance)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)

	// The unready server was terminated and gave its storage back.
	released, err := probe.TryLock(probe.LockFilePath(storage))
	require.NoError(t, err)
	assert.True(t, released)
}

func TestSupervisor_StartExitedChild(t *testing.T) {
	s := newTestSupervisor(t, tsdbtest.ModeExitImmediately)

	start := time.Now()
	_, err := s.Start(context.Background(), freeAddress(t), t.TempDir())
	require.ErrorIs(t, err, ErrUnreachable)
	assert.Less(t, time.Since(start), 5*time.Second, "an exited child must fail fast")
}

func TestSupervisor_StartMissingBinary(t *testing.T) {
	s := New(WithBinary(filepath.Join(t.TempDir(), "no-such-server")))
	_, err := s.Start(context.Background(), freeAddress(t), t.TempDir())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestSupervisor_StopTimeoutThenKill(t *testing.T) {
	storage := t.TempDir()
	s := newTestSupervisor(t, tsdbtest.ModeIgnoreInterrupt,
		WithShutdown(50*time.Millisecond, 300*time.Millisecond))

	instance, err := s.Start(context.Background(), freeAddress(t), storage)
	require.NoError(t, err)

	err = s.Stop(context.Background(), instance)
	require.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Equal(t, Stopping, instance.State())

	require.NoError(t, s.Kill(instance))
	assert.Equal(t, Stopped, instance.State())
	released, err := probe.TryLock(probe.LockFilePath(storage))
	require.NoError(t, err)
	assert.True(t, released)
}

func TestSupervisor_AttachByPIDFile(t *testing.T) {
	storage := t.TempDir()
	s := newTestSupervisor(t, "")
	address := freeAddress(t)
	instance, err := s.Start(context.Background(), address, storage)
	require.NoError(t, err)

	pidFile := filepath.Join(storage, util.PIDFileName)
	require.NoError(t, WritePIDFile(pidFile, instance))

	attached, err := Attach(pidFile, address, storage)
	require.NoError(t, err)
	assert.Equal(t, instance.PID(), attached.PID())
	assert.Equal(t, Ready, attached.State())

	require.NoError(t, s.Stop(context.Background(), attached))
	assert.Equal(t, Stopped, attached.State())
}

func TestAttach_InvalidPIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), util.PIDFileName)
	_, err := Attach(pidFile, "127.0.0.1:1", t.TempDir())
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(pidFile, []byte("not-a-pid\n"), 0644))
	_, err = Attach(pidFile, "127.0.0.1:1", t.TempDir())
	assert.Error(t, err)
}

func TestSupervisor_ServerArgs(t *testing.T) {
	s := New(WithRetention("30d"))
	args := s.ServerArgs("127.0.0.1:9091", "/data/jobA", "-memory.allowedPercent=10")
	assert.Equal(t, []string{
		"-httpListenAddr=127.0.0.1:9091",
		"-storageDataPath=/data/jobA",
		"-retentionPeriod=30d",
		"-search.disableCache",
		"-memory.allowedPercent=10",
	}, args)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "Starting", Starting.String())
	assert.Equal(t, "Ready", Ready.String())
	assert.Equal(t, "Stopping", Stopping.String())
	assert.Equal(t, "Stopped", Stopped.String())
	assert.Equal(t, "Failed", Failed.String())
	assert.Equal(t, "State(42)", State(42).String())
}
