package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/omnistat/omnistat/pkg/tsdb/probe"
	"github.com/omnistat/omnistat/pkg/util"
	"github.com/shirou/gopsutil/v4/process"
	"k8s.io/klog/v2"
)

var (
	// ErrUnreachable means the server did not answer its health endpoint
	// before the startup timeout, or exited while starting.
	ErrUnreachable = errors.New("server unreachable")
	// ErrShutdownTimeout means the server kept its storage lock past the
	// shutdown timeout.
	ErrShutdownTimeout = errors.New("server shutdown timed out")
	// ErrAddressInUse means another server already answers on the address.
	ErrAddressInUse = errors.New("address already in use")
)

const (
	defaultStartupInterval  = time.Second
	defaultStartupTimeout   = 30 * time.Second
	defaultShutdownInterval = time.Second
	defaultShutdownTimeout  = 30 * time.Second
	defaultKillWait         = 5 * time.Second
)

// Supervisor starts and stops time-series server processes.
type Supervisor struct {
	binary           string
	retention        string
	healthPath       string
	startupInterval  time.Duration
	startupTimeout   time.Duration
	shutdownInterval time.Duration
	shutdownTimeout  time.Duration
	env              []string
	logFile          string
	detach           bool
}

type Option func(*Supervisor)

func WithBinary(binary string) Option {
	return func(s *Supervisor) {
		s.binary = binary
	}
}

func WithRetention(retention string) Option {
	return func(s *Supervisor) {
		s.retention = retention
	}
}

func WithHealthPath(path string) Option {
	return func(s *Supervisor) {
		s.healthPath = path
	}
}

func WithStartup(interval, timeout time.Duration) Option {
	return func(s *Supervisor) {
		s.startupInterval = interval
		s.startupTimeout = timeout
	}
}

func WithShutdown(interval, timeout time.Duration) Option {
	return func(s *Supervisor) {
		s.shutdownInterval = interval
		s.shutdownTimeout = timeout
	}
}

// WithEnv appends KEY=VALUE pairs to the server environment.
func WithEnv(env ...string) Option {
	return func(s *Supervisor) {
		s.env = append(s.env, env...)
	}
}

// WithLogFile appends server stdout and stderr to path.
func WithLogFile(path string) Option {
	return func(s *Supervisor) {
		s.logFile = path
	}
}

// WithDetach puts servers in their own process group so they outlive the
// invoking process and its terminal.
func WithDetach(detach bool) Option {
	return func(s *Supervisor) {
		s.detach = detach
	}
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		binary:           util.DefaultServerBinary,
		retention:        util.DefaultRetention,
		healthPath:       util.HealthPath,
		startupInterval:  defaultStartupInterval,
		startupTimeout:   defaultStartupTimeout,
		shutdownInterval: defaultShutdownInterval,
		shutdownTimeout:  defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerArgs returns the command line used to serve storagePath on address.
// The response cache is disabled because data is read right after it is
// written.
func (s *Supervisor) ServerArgs(address, storagePath string, extraArgs ...string) []string {
	args := []string{
		"-httpListenAddr=" + address,
		"-storageDataPath=" + storagePath,
		"-retentionPeriod=" + s.retention,
		"-search.disableCache",
	}
	return append(args, extraArgs...)
}

// Start launches a server for storagePath on address and waits for it to
// become ready. Any listener already bound to address, answering or not,
// yields ErrAddressInUse. A server that fails its readiness probe is terminated
// before ErrUnreachable is returned.
func (s *Supervisor) Start(ctx context.Context, address, storagePath string, extraArgs ...string) (*ServerInstance, error) {
	healthURL := util.BaseURL(address) + s.healthPath
	checkCtx, cancel := context.WithTimeout(ctx, s.startupTimeout)
	inUse := probe.Listening(checkCtx, address)
	cancel()
	if inUse {
		return nil, fmt.Errorf("%w: %s", ErrAddressInUse, address)
	}

	args := s.ServerArgs(address, storagePath, extraArgs...)
	cmd := exec.Command(s.binary, args...)
	cmd.Env = append(os.Environ(), s.env...)
	if s.detach {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
	var output io.WriteCloser
	if len(s.logFile) > 0 {
		file, err := os.OpenFile(s.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open server log: %w", err)
		}
		output = file
		cmd.Stdout = file
		cmd.Stderr = file
	}
	klog.V(4).Infof("Starting server: %s %v", s.binary, args)
	if err := cmd.Start(); err != nil {
		closeQuietly(output)
		return nil, fmt.Errorf("%w: start %s: %v", ErrUnreachable, s.binary, err)
	}
	proc, err := process.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		// The child exited before we could attach to it; reap it.
		_ = cmd.Wait()
		closeQuietly(output)
		return nil, fmt.Errorf("%w: %s exited during startup: %v", ErrUnreachable, address, err)
	}
	instance := newInstance(address, storagePath, proc, make(chan struct{}))
	go func() {
		instance.markExited(cmd.Wait())
		closeQuietly(output)
	}()

	err = probe.Poll(ctx, s.startupInterval, s.startupTimeout, func(ctx context.Context) (bool, error) {
		if exited, exitErr := instance.hasExited(); exited {
			return false, fmt.Errorf("server exited during startup: %v", exitErr)
		}
		return probe.Healthy(ctx, healthURL), nil
	})
	if err != nil {
		instance.setState(Failed)
		klog.Warningf("Server on %s (pid %d) did not become ready: %v", address, instance.PID(), err)
		s.terminate(instance)
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, address, err)
	}
	instance.setState(Ready)
	klog.V(4).Infof("Server ready: %s", instance)
	return instance, nil
}

// Stop interrupts the server and waits for it to release its storage lock.
// ErrShutdownTimeout is returned when the lock is still held after the
// shutdown timeout; the instance is then left in Stopping.
func (s *Supervisor) Stop(ctx context.Context, instance *ServerInstance) error {
	if instance == nil {
		return nil
	}
	if instance.State() == Stopped {
		return nil
	}
	instance.setState(Stopping)
	klog.V(4).Infof("Stopping %s", instance)
	if err := instance.signal(syscall.SIGINT); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	err := probe.WaitUntilStopped(ctx, instance.StoragePath(), s.shutdownInterval, s.shutdownTimeout)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrShutdownTimeout, instance, err)
	}
	// The lock is gone; give the process a moment to exit so its address is
	// free for the next server.
	if !instance.waitExited(s.shutdownTimeout) {
		klog.Warningf("Server pid %d released its lock but is still running", instance.PID())
	}
	instance.setState(Stopped)
	klog.V(4).Infof("Server stopped: %s", instance)
	return nil
}

// Kill forcibly terminates the server and waits briefly for it to go away.
func (s *Supervisor) Kill(instance *ServerInstance) error {
	if instance == nil || instance.State() == Stopped {
		return nil
	}
	klog.Warningf("Killing %s", instance)
	if err := instance.signal(syscall.SIGKILL); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	if !instance.waitExited(defaultKillWait) {
		return fmt.Errorf("pid %d still running after SIGKILL", instance.PID())
	}
	instance.setState(Stopped)
	return nil
}

// terminate cleans up a server that failed its readiness probe: interrupt,
// wait for it to exit, then kill.
func (s *Supervisor) terminate(instance *ServerInstance) {
	if err := instance.signal(syscall.SIGINT); errors.Is(err, ErrNotRunning) {
		return
	}
	if instance.waitExited(s.shutdownTimeout) {
		return
	}
	if err := instance.signal(syscall.SIGKILL); err != nil && !errors.Is(err, ErrNotRunning) {
		klog.ErrorS(err, "Unable to kill unready server", "pid", instance.PID())
		return
	}
	instance.waitExited(defaultKillWait)
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
