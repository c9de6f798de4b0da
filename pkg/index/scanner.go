// Package index scans a time-series database for batch jobs and keeps the
// resulting job list for dashboards.
//
// A single range query over months of data forces a coarse step and blurs
// job boundaries, so the scan issues one query per day at a fine step and
// combines the windows per job.
package index

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/omnistat/omnistat/pkg/util"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

const day = 24 * time.Hour

// Job is one entry of the job index. Times are unix seconds.
type Job struct {
	JobID    string `json:"Job ID"`
	Time     int64  `json:"Time"`
	Start    int64  `json:"Start"`
	End      int64  `json:"End"`
	Duration int64  `json:"Duration"`
	Nodes    int    `json:"Number of nodes"`
}

// Window is the part of a job seen by one range query.
type Window struct {
	JobID string
	First time.Time
	Last  time.Time
	Nodes int
}

// Result is the outcome of one database scan.
type Result struct {
	Jobs     []Job
	Queries  int
	Failed   int
	Duration time.Duration
	Finished time.Time
}

type Scanner struct {
	api     v1.API
	query   string
	days    int
	step    time.Duration
	limit   int
	timeout time.Duration
	now     func() time.Time
}

type ScanOption func(*Scanner)

func WithQuery(query string) ScanOption {
	return func(s *Scanner) {
		s.query = query
	}
}

func WithDays(days int) ScanOption {
	return func(s *Scanner) {
		s.days = days
	}
}

func WithStep(step time.Duration) ScanOption {
	return func(s *Scanner) {
		s.step = step
	}
}

// WithLimit bounds the number of concurrent range queries.
func WithLimit(limit int) ScanOption {
	return func(s *Scanner) {
		s.limit = limit
	}
}

// WithTimeout bounds each range query.
func WithTimeout(timeout time.Duration) ScanOption {
	return func(s *Scanner) {
		s.timeout = timeout
	}
}

func withClock(now func() time.Time) ScanOption {
	return func(s *Scanner) {
		s.now = now
	}
}

// NewScanner builds a scanner for the server at address.
func NewScanner(address string, opts ...ScanOption) (*Scanner, error) {
	client, err := api.NewClient(api.Config{Address: util.BaseURL(address)})
	if err != nil {
		return nil, err
	}
	s := &Scanner{
		api:     v1.NewAPI(client),
		query:   util.DefaultScanJobsQuery,
		days:    365,
		step:    5 * time.Second,
		limit:   16,
		timeout: time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.days <= 0 || s.step <= 0 || s.limit <= 0 || s.timeout <= 0 {
		return nil, fmt.Errorf("days, step, limit and timeout must be greater than 0")
	}
	return s, nil
}

// Ranges returns the one-day query windows covering [now-days, now].
func (s *Scanner) Ranges() []v1.Range {
	start := s.now().Add(-time.Duration(s.days) * day).Truncate(time.Second)
	ranges := make([]v1.Range, 0, s.days)
	for i := 0; i < s.days; i++ {
		from := start.Add(time.Duration(i) * day)
		ranges = append(ranges, v1.Range{Start: from, End: from.Add(day), Step: s.step})
	}
	return ranges
}

// Scan queries every window and combines the results. Failed windows are
// counted and logged; they do not fail the scan.
func (s *Scanner) Scan(ctx context.Context) (*Result, error) {
	started := time.Now()
	ranges := s.Ranges()

	var (
		mutex   sync.Mutex
		windows []Window
		failed  int
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.limit)
	for _, r := range ranges {
		group.Go(func() error {
			found, err := s.scanRange(groupCtx, r)
			mutex.Lock()
			defer mutex.Unlock()
			if err != nil {
				klog.V(4).ErrorS(err, "Job scan query failed", "start", r.Start, "end", r.End)
				failed++
				return nil
			}
			windows = append(windows, found...)
			return nil
		})
	}
	_ = group.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &Result{
		Jobs:     Combine(windows, s.step),
		Queries:  len(ranges),
		Failed:   failed,
		Duration: time.Since(started),
		Finished: time.Now(),
	}
	klog.Infof("Scanned database in %.3f seconds: %d of %d queries succeeded, %d jobs",
		result.Duration.Seconds(), result.Queries-result.Failed, result.Queries, len(result.Jobs))
	return result, nil
}

func (s *Scanner) scanRange(ctx context.Context, r v1.Range) ([]Window, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	value, warnings, err := s.api.QueryRange(ctx, s.query, r)
	if err != nil {
		return nil, err
	}
	if len(warnings) > 0 {
		klog.V(5).Infof("Query warnings for %v: %v", r.Start, warnings)
	}
	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s", value.Type())
	}
	var windows []Window
	for _, stream := range matrix {
		if len(stream.Values) == 0 {
			continue
		}
		values := stream.Values
		windows = append(windows, Window{
			JobID: string(stream.Metric["jobid"]),
			First: values[0].Timestamp.Time(),
			Last:  values[len(values)-1].Timestamp.Time(),
			Nodes: int(values[len(values)/2].Value),
		})
	}
	return windows, nil
}

// Combine merges the windows of each job: earliest first sample, latest
// last sample and the largest node count. Start and End are padded by one
// step. Jobs are sorted by start time, then ID.
func Combine(windows []Window, step time.Duration) []Job {
	combined := map[string]Window{}
	for _, w := range windows {
		current, ok := combined[w.JobID]
		if !ok {
			combined[w.JobID] = w
			continue
		}
		if w.First.Before(current.First) {
			current.First = w.First
		}
		if w.Last.After(current.Last) {
			current.Last = w.Last
		}
		current.Nodes = max(current.Nodes, w.Nodes)
		combined[w.JobID] = current
	}

	pad := int64(step / time.Second)
	jobs := make([]Job, 0, len(combined))
	for id, w := range combined {
		first, last := w.First.Unix(), w.Last.Unix()
		jobs = append(jobs, Job{
			JobID:    id,
			Time:     first,
			Start:    first - pad,
			End:      last + pad,
			Duration: last - first,
			Nodes:    w.Nodes,
		})
	}
	slices.SortFunc(jobs, func(a, b Job) int {
		return cmp.Or(cmp.Compare(a.Start, b.Start), strings.Compare(a.JobID, b.JobID))
	})
	return jobs
}
