package merge

import (
	"context"
	"fmt"

	"github.com/omnistat/omnistat/pkg/tsdb/supervisor"
)

// Server is a running time-series server as seen by the coordinator.
type Server interface {
	URL(path string) string
	String() string
}

// Supervisor starts and stops servers.
type Supervisor interface {
	Start(ctx context.Context, address, storagePath string, extraArgs ...string) (Server, error)
	Stop(ctx context.Context, server Server) error
	Kill(server Server) error
}

// Transferer moves series from a source server to a target server.
type Transferer interface {
	Export(ctx context.Context, sourceURL, filter string) (string, error)
	Import(ctx context.Context, targetURL, file string) error
	Remove(file string) error
}

type processSupervisor struct {
	supervisor *supervisor.Supervisor
}

// NewProcessSupervisor adapts a process supervisor to the coordinator.
func NewProcessSupervisor(s *supervisor.Supervisor) Supervisor {
	return &processSupervisor{supervisor: s}
}

func (p *processSupervisor) Start(ctx context.Context, address, storagePath string, extraArgs ...string) (Server, error) {
	instance, err := p.supervisor.Start(ctx, address, storagePath, extraArgs...)
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func (p *processSupervisor) Stop(ctx context.Context, server Server) error {
	instance, err := asInstance(server)
	if err != nil {
		return err
	}
	return p.supervisor.Stop(ctx, instance)
}

func (p *processSupervisor) Kill(server Server) error {
	instance, err := asInstance(server)
	if err != nil {
		return err
	}
	return p.supervisor.Kill(instance)
}

func asInstance(server Server) (*supervisor.ServerInstance, error) {
	instance, ok := server.(*supervisor.ServerInstance)
	if !ok {
		return nil, fmt.Errorf("unexpected server type %T", server)
	}
	return instance, nil
}
