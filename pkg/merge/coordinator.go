package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	mergeconfig "github.com/omnistat/omnistat/pkg/config/merge"
	"github.com/omnistat/omnistat/pkg/tsdb/supervisor"
	"github.com/omnistat/omnistat/pkg/util"
	"k8s.io/klog/v2"
)

// Coordinator runs one merge session. Build a new one per session.
type Coordinator struct {
	config     *mergeconfig.Config
	supervisor Supervisor
	transfer   Transferer
	output     io.Writer
	metrics    *sessionMetrics
	sessionID  string

	mutex sync.RWMutex
	state SessionState
}

type Option func(*Coordinator)

// WithOutput sets where the session summary line is printed.
func WithOutput(w io.Writer) Option {
	return func(c *Coordinator) {
		c.output = w
	}
}

// WithSessionID overrides the generated session ID.
func WithSessionID(id string) Option {
	return func(c *Coordinator) {
		c.sessionID = id
	}
}

func NewCoordinator(config *mergeconfig.Config, supervisor Supervisor, transfer Transferer, opts ...Option) *Coordinator {
	c := &Coordinator{
		config:     config,
		supervisor: supervisor,
		transfer:   transfer,
		output:     os.Stdout,
		metrics:    newSessionMetrics(),
		sessionID:  uuid.NewString(),
		state:      SessionInit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) SessionID() string {
	return c.sessionID
}

func (c *Coordinator) State() SessionState {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.state
}

func (c *Coordinator) setState(state SessionState) {
	c.mutex.Lock()
	c.state = state
	c.mutex.Unlock()
	klog.V(4).InfoS("Merge session state", "session", c.sessionID, "state", state)
}

// Run merges every candidate database into the target. Only target failures
// are returned as errors; source failures are recorded in the report and
// available through Report.Err.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	started := time.Now()
	report := &Report{SessionID: c.sessionID, Target: c.config.TargetDir}
	defer func() {
		report.Duration = time.Since(started)
		c.metrics.observe(report, c.State() == SessionDone)
		if len(c.config.MetricsTextfile) > 0 {
			if err := c.metrics.writeTextfile(c.config.MetricsTextfile); err != nil {
				klog.ErrorS(err, "Unable to write session metrics", "file", c.config.MetricsTextfile)
			}
		}
	}()
	klog.InfoS("Starting merge session", "session", c.sessionID, "config", c.config.String())

	databases, err := Discover(c.config)
	if err != nil {
		c.setState(SessionFailed)
		return report, err
	}
	klog.V(4).InfoS("Discovered candidate databases", "session", c.sessionID, "count", len(databases))

	c.setState(SessionTargetStarting)
	if err = os.MkdirAll(c.config.TargetDir, 0755); err != nil {
		c.setState(SessionFailed)
		return report, fmt.Errorf("%w: create %s: %v", ErrTargetUnreachable, c.config.TargetDir, err)
	}
	target, err := c.supervisor.Start(ctx, c.config.TargetAddress, c.config.TargetDir, c.config.ServerArgs...)
	if err != nil {
		c.setState(SessionFailed)
		klog.ErrorS(err, "Unable to start target server", "session", c.sessionID, "address", c.config.TargetAddress)
		return report, fmt.Errorf("%w: %v", ErrTargetUnreachable, err)
	}
	c.setState(SessionTargetReady)

	c.setState(SessionSourceProcessing)
	for _, db := range databases {
		if ctx.Err() != nil {
			report.Sources = append(report.Sources, SourceReport{
				Name: db.Name, Path: db.Path, State: SourceFailed, Err: ctx.Err(),
			})
			continue
		}
		report.Sources = append(report.Sources, c.processSource(ctx, target, db))
	}

	c.setState(SessionTargetStopping)
	// The target must release its storage even when the session was canceled.
	if err = c.supervisor.Stop(context.WithoutCancel(ctx), target); err != nil {
		c.setState(SessionFailed)
		klog.ErrorS(err, "Target server did not shut down", "session", c.sessionID, "server", target.String())
		return report, fmt.Errorf("%w: %v", ErrTargetShutdownTimeout, err)
	}
	c.setState(SessionDone)

	_, _ = fmt.Fprintf(c.output, "Loaded %d new database(s)\n", report.Merged())
	klog.InfoS("Merge session finished", "session", c.sessionID, "summary", report.String())
	return report, nil
}

func (c *Coordinator) processSource(ctx context.Context, target Server, db DatabaseDirectory) SourceReport {
	started := time.Now()
	result := SourceReport{Name: db.Name, Path: db.Path}
	finish := func(state SourceState, err error) SourceReport {
		result.State = state
		result.Err = err
		result.Duration = time.Since(started)
		switch state {
		case SourceFailed:
			klog.Warningf("Merge of %s failed: %v", db.Path, err)
		case SourceSkipped:
			klog.Infof("Skipping %s: %v", db.Path, err)
		}
		return result
	}
	logState := func(state SourceState) {
		klog.V(4).InfoS("Source state", "session", c.sessionID, "source", db.Name, "state", state)
	}

	logState(SourceValidating)
	if !db.Valid {
		return finish(SourceSkipped, fmt.Errorf("%w: %s needs %s and %s/",
			ErrInvalidSourceDirectory, db.Path, util.LockFileName, util.DataDirName))
	}
	if db.Merged && !c.config.ForceReload {
		return finish(SourceSkipped, fmt.Errorf("%w: pre-existing marker %s", ErrAlreadyMerged, db.MarkerPath))
	}

	logState(SourceStarting)
	source, err := c.supervisor.Start(ctx, c.config.SourceAddress, db.Path, c.config.ServerArgs...)
	if err != nil {
		return finish(SourceFailed, fmt.Errorf("%w: %v", ErrSourceUnreachable, err))
	}
	logState(SourceReady)

	logState(SourceExporting)
	file, exportErr := c.transfer.Export(ctx, source.URL(""), c.config.ExportFilter)

	logState(SourceStopping)
	if err = c.stopSource(ctx, source); err != nil {
		return finish(SourceFailed, err)
	}
	if exportErr != nil {
		return finish(SourceFailed, fmt.Errorf("%w: %v", ErrExportFailed, exportErr))
	}

	logState(SourceImporting)
	if err = c.transfer.Import(ctx, target.URL(""), file); err != nil {
		// The transfer file stays for inspection; the next export truncates it.
		return finish(SourceFailed, fmt.Errorf("%w: %v", ErrImportFailed, err))
	}
	if err = c.transfer.Remove(file); err != nil {
		klog.ErrorS(err, "Unable to remove transfer file", "file", file)
	}

	logState(SourceMarking)
	if err = util.TouchFile(db.MarkerPath); err != nil {
		return finish(SourceFailed, fmt.Errorf("write completion marker %s: %w", db.MarkerPath, err))
	}
	klog.Infof("Merged %s into %s", db.Path, c.config.TargetDir)
	return finish(SourceDone, nil)
}

// stopSource stops a source and kills it when it keeps its lock past the
// shutdown timeout, so the next source can bind the shared address.
func (c *Coordinator) stopSource(ctx context.Context, source Server) error {
	err := c.supervisor.Stop(context.WithoutCancel(ctx), source)
	if err == nil {
		return nil
	}
	if killErr := c.supervisor.Kill(source); killErr != nil {
		klog.ErrorS(killErr, "Unable to kill source server", "server", source.String())
	}
	if errors.Is(err, supervisor.ErrShutdownTimeout) {
		return fmt.Errorf("%w: %v", ErrSourceShutdownTimeout, err)
	}
	return err
}
