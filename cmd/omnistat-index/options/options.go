package options

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/omnistat/omnistat/pkg/util"
	pkgversion "github.com/omnistat/omnistat/pkg/version"
	"github.com/spf13/pflag"
)

type Options struct {
	ServerAddress  string
	Days           int
	Step           time.Duration
	Limit          int
	QueryTimeout   time.Duration
	RescanInterval time.Duration

	ServerBindPort   int
	PprofBindAddress string
	DebugMetrics     bool
}

const (
	defaultDays         = 365
	defaultStep         = 5 * time.Second
	defaultLimit        = 16
	defaultQueryTimeout = time.Second
)

func NewOptions() *Options {
	o := &Options{
		ServerAddress:  util.DefaultScanServerAddr,
		Days:           defaultDays,
		Step:           defaultStep,
		Limit:          defaultLimit,
		QueryTimeout:   defaultQueryTimeout,
		ServerBindPort: util.DefaultIndexBindPort,
	}
	if address := os.Getenv("OMNISTAT_INDEX_SERVER"); len(address) > 0 {
		o.ServerAddress = address
	}
	if days, err := strconv.Atoi(os.Getenv("OMNISTAT_INDEX_DAYS")); err == nil {
		o.Days = days
	}
	if interval, err := time.ParseDuration(os.Getenv("OMNISTAT_INDEX_RESCAN_INTERVAL")); err == nil {
		o.RescanInterval = interval
	}
	return o
}

var version bool

func (o *Options) InitFlags(fs *flag.FlagSet) {
	pflag.CommandLine.SortFlags = false
	pflag.StringVar(&o.ServerAddress, "address", o.ServerAddress, "Address of the time-series server to scan.")
	pflag.IntVar(&o.Days, "days", o.Days, "Number of days to scan, ending now.")
	pflag.DurationVar(&o.Step, "step", o.Step, "Query resolution.")
	pflag.IntVar(&o.Limit, "limit", o.Limit, "Maximum number of concurrent range queries.")
	pflag.DurationVar(&o.QueryTimeout, "timeout", o.QueryTimeout, "Timeout of each range query.")
	pflag.DurationVar(&o.RescanInterval, "rescan-interval", o.RescanInterval, "Rescan the database at this interval. (default scan once)")
	pflag.IntVar(&o.ServerBindPort, "server-bind-port", o.ServerBindPort, "The port on which the job index is served.")
	pflag.StringVar(&o.PprofBindAddress, "pprof-bind-address", o.PprofBindAddress, "The address the debugger listens on. (default disable service)")
	pflag.BoolVar(&o.DebugMetrics, "debug-metrics", o.DebugMetrics, "Expose Go runtime and process metrics.")
	pflag.BoolVar(&version, "version", false, "Print version information and quit.")
	pflag.CommandLine.AddGoFlagSet(fs)
	pflag.Parse()
}

func (o *Options) PrintAndExitIfRequested() {
	if version {
		fmt.Printf("%#v\n", pkgversion.Get())
		os.Exit(0)
	}
}
