package index

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

var errNotScanned = errors.New("job index has not been scanned yet")

// Index keeps the result of the latest successful scan.
type Index struct {
	scanner *Scanner
	mutex   sync.RWMutex
	result  *Result
}

func New(scanner *Scanner) *Index {
	return &Index{scanner: scanner}
}

// Refresh runs one scan and replaces the served result.
func (i *Index) Refresh(ctx context.Context) error {
	result, err := i.scanner.Scan(ctx)
	if err != nil {
		return err
	}
	i.mutex.Lock()
	i.result = result
	i.mutex.Unlock()
	return nil
}

// Run scans once, then again every interval until ctx is done. A zero
// interval scans once.
func (i *Index) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		if err := i.Refresh(ctx); err != nil {
			klog.ErrorS(err, "Job index scan failed")
		}
		return
	}
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if err := i.Refresh(ctx); err != nil {
			klog.ErrorS(err, "Job index scan failed")
		}
	}, interval)
}

// Jobs returns the indexed jobs; ok is false until the first scan finished.
func (i *Index) Jobs() (jobs []Job, ok bool) {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	if i.result == nil {
		return nil, false
	}
	return slices.Clone(i.result.Jobs), true
}

// Result returns the latest scan result, or nil.
func (i *Index) Result() *Result {
	i.mutex.RLock()
	defer i.mutex.RUnlock()
	return i.result
}

// ReadyChecker fails until the first scan finished.
func (i *Index) ReadyChecker(_ *http.Request) error {
	if _, ok := i.Jobs(); !ok {
		return errNotScanned
	}
	return nil
}
