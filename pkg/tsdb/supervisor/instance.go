package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/omnistat/omnistat/pkg/tsdb/probe"
	"github.com/omnistat/omnistat/pkg/util"
	"github.com/shirou/gopsutil/v4/process"
)

// State is the lifecycle state of a ServerInstance.
type State int

const (
	Starting State = iota
	Ready
	Stopping
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "Starting"
	case Ready:
		return "Ready"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrNotRunning is returned when the server process no longer exists.
var ErrNotRunning = errors.New("server process is not running")

// ServerInstance is a running time-series server bound to one address and
// one storage directory.
type ServerInstance struct {
	mutex       sync.RWMutex
	address     string
	storagePath string
	pid         int
	state       State
	process     *process.Process
	// exited is closed once a child started by this process has been
	// reaped. It is nil for instances attached through a pid file.
	exited   chan struct{}
	exitErr  error
	exitOnce sync.Once
}

func newInstance(address, storagePath string, proc *process.Process, exited chan struct{}) *ServerInstance {
	return &ServerInstance{
		address:     address,
		storagePath: storagePath,
		pid:         int(proc.Pid),
		state:       Starting,
		process:     proc,
		exited:      exited,
	}
}

func (i *ServerInstance) Address() string {
	return i.address
}

func (i *ServerInstance) StoragePath() string {
	return i.storagePath
}

func (i *ServerInstance) PID() int {
	return i.pid
}

// URL returns the http URL of path on this instance.
func (i *ServerInstance) URL(path string) string {
	return util.BaseURL(i.address) + path
}

func (i *ServerInstance) State() State {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.state
}

func (i *ServerInstance) String() string {
	return fmt.Sprintf("server(pid=%d, addr=%s, storage=%s, state=%s)",
		i.pid, i.address, i.storagePath, i.State())
}

func (i *ServerInstance) setState(state State) {
	i.mutex.Lock()
	i.state = state
	i.mutex.Unlock()
}

func (i *ServerInstance) markExited(err error) {
	i.exitOnce.Do(func() {
		i.mutex.Lock()
		i.exitErr = err
		i.mutex.Unlock()
		close(i.exited)
	})
}

// hasExited reports whether an owned child has already been reaped, along
// with its wait error.
func (i *ServerInstance) hasExited() (bool, error) {
	if i.exited == nil {
		return false, nil
	}
	select {
	case <-i.exited:
		i.mutex.RLock()
		defer i.mutex.RUnlock()
		return true, i.exitErr
	default:
		return false, nil
	}
}

// Running reports whether the server process is still alive.
func (i *ServerInstance) Running(ctx context.Context) (bool, error) {
	if exited, _ := i.hasExited(); exited {
		return false, nil
	}
	return i.process.IsRunningWithContext(ctx)
}

func (i *ServerInstance) signal(sig syscall.Signal) error {
	if exited, _ := i.hasExited(); exited {
		return ErrNotRunning
	}
	if err := i.process.SendSignal(sig); err != nil {
		if errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
			return ErrNotRunning
		}
		return fmt.Errorf("send %v to pid %d: %w", sig, i.pid, err)
	}
	return nil
}

// waitExited blocks until the process is gone or timeout elapses.
func (i *ServerInstance) waitExited(timeout time.Duration) bool {
	if i.exited != nil {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-i.exited:
			return true
		case <-timer.C:
			return false
		}
	}
	err := probe.Poll(context.Background(), 100*time.Millisecond, timeout, func(ctx context.Context) (bool, error) {
		running, err := i.process.IsRunningWithContext(ctx)
		if err != nil {
			return false, nil
		}
		return !running, nil
	})
	return err == nil
}
