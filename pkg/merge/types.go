// Package merge drives merge sessions: one target server receives the data
// of every candidate source database, one source at a time.
package merge

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrTargetUnreachable      = errors.New("target unreachable")
	ErrTargetShutdownTimeout  = errors.New("target shutdown timed out")
	ErrSourceUnreachable      = errors.New("source unreachable")
	ErrExportFailed           = errors.New("export failed")
	ErrImportFailed           = errors.New("import failed")
	ErrSourceShutdownTimeout  = errors.New("source shutdown timed out")
	ErrInvalidSourceDirectory = errors.New("invalid source directory")
	ErrAlreadyMerged          = errors.New("already merged")
)

// SessionState is the state of a merge session.
type SessionState string

const (
	SessionInit             SessionState = "Init"
	SessionTargetStarting   SessionState = "TargetStarting"
	SessionTargetReady      SessionState = "TargetReady"
	SessionSourceProcessing SessionState = "SourceProcessing"
	SessionTargetStopping   SessionState = "TargetStopping"
	SessionDone             SessionState = "Done"
	SessionFailed           SessionState = "Failed"
)

// SourceState is the state of one source within a session.
type SourceState string

const (
	SourceValidating SourceState = "SourceValidating"
	SourceStarting   SourceState = "SourceStarting"
	SourceReady      SourceState = "SourceReady"
	SourceExporting  SourceState = "Exporting"
	SourceStopping   SourceState = "SourceStopping"
	SourceImporting  SourceState = "Importing"
	SourceMarking    SourceState = "Marking"
	SourceDone       SourceState = "SourceDone"
	SourceSkipped    SourceState = "SourceSkipped"
	SourceFailed     SourceState = "SourceFailed"
)

// DatabaseDirectory is one collected dataset found under the source root.
type DatabaseDirectory struct {
	Name string
	Path string
	// Valid is set when both the lock file and the data directory exist.
	Valid bool
	// MarkerPath is where the completion marker of this database lives.
	MarkerPath string
	// Merged is set when the completion marker already exists.
	Merged bool
}

// SourceReport is the outcome of one source.
type SourceReport struct {
	Name     string
	Path     string
	State    SourceState
	Err      error
	Duration time.Duration
}

// Report summarizes a merge session.
type Report struct {
	SessionID string
	Target    string
	Sources   []SourceReport
	Duration  time.Duration
}

// Merged returns the number of databases loaded by this session.
func (r *Report) Merged() int {
	return r.Count(SourceDone)
}

func (r *Report) Count(state SourceState) int {
	count := 0
	for _, source := range r.Sources {
		if source.State == state {
			count++
		}
	}
	return count
}

// Err joins the errors of all failed sources, or returns nil when none
// failed. Skipped sources are not errors.
func (r *Report) Err() error {
	var result *multierror.Error
	for _, source := range r.Sources {
		if source.State == SourceFailed {
			result = multierror.Append(result, fmt.Errorf("%s: %w", source.Name, source.Err))
		}
	}
	return result.ErrorOrNil()
}

func (r *Report) String() string {
	return fmt.Sprintf("session %s: %d merged, %d skipped, %d failed in %v",
		r.SessionID, r.Merged(), r.Count(SourceSkipped), r.Count(SourceFailed), r.Duration.Round(time.Millisecond))
}
