package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

// ErrTimedOut is returned when a probed condition did not hold before the
// wall-clock deadline of the wait.
var ErrTimedOut = errors.New("timed out")

// Condition is evaluated once per poll interval. Returning an error aborts
// the wait immediately.
type Condition func(ctx context.Context) (bool, error)

var httpClient = &http.Client{
	// Requests are bounded by the poll deadline; this only catches
	// connections that hang around after it.
	Timeout: 2 * time.Minute,
}

// Poll evaluates cond every interval until it holds or timeout has elapsed
// since the first attempt. The deadline is wall-clock based, so slow
// individual attempts cannot stretch the effective timeout.
func Poll(ctx context.Context, interval, timeout time.Duration, cond Condition) error {
	if interval <= 0 || timeout <= 0 {
		return fmt.Errorf("invalid poll parameters: interval=%v timeout=%v", interval, timeout)
	}
	start := time.Now()
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(ctx context.Context) (bool, error) {
		return cond(ctx)
	})
	if err == nil {
		return nil
	}
	if wait.Interrupted(err) {
		// Distinguish our own deadline from cancellation by the caller.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %v", ErrTimedOut, time.Since(start).Round(time.Millisecond))
	}
	return err
}

// Healthy issues a single GET against url and reports whether the server
// answered with a 2xx status.
func Healthy(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		klog.V(5).Infof("Invalid health request for %s: %v", url, err)
		return false
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		klog.V(5).Infof("Health probe %s failed: %v", url, err)
		return false
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	klog.V(5).Infof("Health probe %s returned %d", url, resp.StatusCode)
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Listening reports whether something accepts TCP connections on address.
// A listener that accepts but never answers HTTP still counts. The dial is
// bounded by ctx.
func Listening(ctx context.Context, address string) bool {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		klog.V(5).Infof("Nothing listening on %s: %v", address, err)
		return false
	}
	_ = conn.Close()
	return true
}

// HealthCondition adapts Healthy to a poll Condition.
func HealthCondition(url string) Condition {
	return func(ctx context.Context) (bool, error) {
		return Healthy(ctx, url), nil
	}
}

// WaitUntilReady polls url every interval until it answers with a 2xx
// status, returning ErrTimedOut once timeout has elapsed.
func WaitUntilReady(ctx context.Context, url string, interval, timeout time.Duration) error {
	klog.V(4).Infof("Waiting up to %v for %s to become ready", timeout, url)
	return Poll(ctx, interval, timeout, HealthCondition(url))
}

// WaitUntilStopped polls the advisory lock inside storagePath until it can
// be acquired, meaning the owning server has exited.
func WaitUntilStopped(ctx context.Context, storagePath string, interval, timeout time.Duration) error {
	lockFile := LockFilePath(storagePath)
	klog.V(4).Infof("Waiting up to %v for lock %s to be released", timeout, lockFile)
	return Poll(ctx, interval, timeout, func(ctx context.Context) (bool, error) {
		released, err := TryLock(lockFile)
		if err != nil {
			return false, err
		}
		klog.V(5).Infof("Lock %s released: %t", lockFile, released)
		return released, nil
	})
}
