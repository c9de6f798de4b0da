// Package usermode runs one ephemeral time-series server for the lifetime
// of a batch job, owned by an unprivileged user.
package usermode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
	"github.com/omnistat/omnistat/pkg/tsdb/supervisor"
	"github.com/omnistat/omnistat/pkg/util"
	"k8s.io/klog/v2"
)

// ErrAlreadyRunning is returned by Start when the pid file names a live
// server.
var ErrAlreadyRunning = errors.New("server already running")

// DefaultServerArgs keeps the user-mode server from taking over a shared
// compute node.
var DefaultServerArgs = []string{"-memory.allowedPercent=10"}

type Config struct {
	DataDir string
	Address string
	// DieFile ends Run when removed. Defaults to <DataDir>/.omnistat-running.
	DieFile   string
	ExtraArgs []string
}

func (c Config) PIDFile() string {
	return filepath.Join(c.DataDir, util.PIDFileName)
}

func (c Config) dieFile() string {
	if len(c.DieFile) > 0 {
		return c.DieFile
	}
	return filepath.Join(c.DataDir, util.DieFileName)
}

// Session starts and stops the user-mode server of one data directory.
type Session struct {
	config     Config
	supervisor *supervisor.Supervisor
}

func NewSession(config Config, supervisor *supervisor.Supervisor) *Session {
	if config.ExtraArgs == nil {
		config.ExtraArgs = DefaultServerArgs
	}
	return &Session{config: config, supervisor: supervisor}
}

// Start launches the server, records its pid and waits for it to be ready.
func (s *Session) Start(ctx context.Context) (*supervisor.ServerInstance, error) {
	if err := os.MkdirAll(s.config.DataDir, 0755); err != nil {
		return nil, err
	}
	if instance, err := supervisor.Attach(s.config.PIDFile(), s.config.Address, s.config.DataDir); err == nil {
		if running, _ := instance.Running(ctx); running {
			return nil, fmt.Errorf("%w: pid %d from %s", ErrAlreadyRunning, instance.PID(), s.config.PIDFile())
		}
		klog.Infof("Removing stale pid file %s", s.config.PIDFile())
	}
	instance, err := s.supervisor.Start(ctx, s.config.Address, s.config.DataDir, s.config.ExtraArgs...)
	if err != nil {
		return nil, err
	}
	if err = supervisor.WritePIDFile(s.config.PIDFile(), instance); err != nil {
		klog.ErrorS(err, "Unable to write pid file", "file", s.config.PIDFile())
	}
	klog.Infof("Server started on %s with storage %s (pid %d)", instance.Address(), instance.StoragePath(), instance.PID())
	return instance, nil
}

// Stop gracefully stops the server recorded in the pid file. A missing pid
// file or a server that is already gone is not an error.
func (s *Session) Stop(ctx context.Context) error {
	instance, err := supervisor.Attach(s.config.PIDFile(), s.config.Address, s.config.DataDir)
	switch {
	case os.IsNotExist(err):
		klog.Infof("No pid file at %s, nothing to stop", s.config.PIDFile())
		return nil
	case errors.Is(err, supervisor.ErrNotRunning):
		klog.Infof("Server from %s is no longer running", s.config.PIDFile())
		return s.removePIDFile()
	case err != nil:
		return err
	}
	return s.stop(ctx, instance)
}

func (s *Session) stop(ctx context.Context, instance *supervisor.ServerInstance) error {
	if err := s.supervisor.Stop(ctx, instance); err != nil {
		return err
	}
	klog.Infof("Server pid %d stopped", instance.PID())
	return s.removePIDFile()
}

func (s *Session) removePIDFile() error {
	if err := os.Remove(s.config.PIDFile()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Run starts the server and keeps it up until the die file is removed or
// ctx is done, then stops it.
func (s *Session) Run(ctx context.Context) error {
	instance, err := s.Start(ctx)
	if err != nil {
		return err
	}
	dieFile := s.config.dieFile()
	waitErr := s.waitForDieFile(ctx, dieFile)
	if errors.Is(waitErr, context.Canceled) {
		waitErr = nil
	}
	if waitErr != nil {
		klog.ErrorS(waitErr, "Watching die file failed, stopping server", "file", dieFile)
		waitErr = fmt.Errorf("watch die file %s: %w", dieFile, waitErr)
	}
	_ = os.Remove(dieFile)
	if stopErr := s.stop(context.WithoutCancel(ctx), instance); stopErr != nil {
		if waitErr == nil {
			return stopErr
		}
		return multierror.Append(waitErr, stopErr)
	}
	return waitErr
}

func (s *Session) waitForDieFile(ctx context.Context, dieFile string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err = watcher.Add(filepath.Dir(dieFile)); err != nil {
		return err
	}
	if err = os.WriteFile(dieFile, []byte("Remove this file to stop the omnistat server\n"), 0644); err != nil {
		return err
	}
	klog.Infof("Die file created (%s)", dieFile)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(dieFile) {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				klog.Infof("Die file %s removed", dieFile)
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}
