package options

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/omnistat/omnistat/pkg/util"
	pkgversion "github.com/omnistat/omnistat/pkg/version"
	"github.com/spf13/pflag"
)

type Options struct {
	StartServer bool
	StopServer  bool
	Run         bool

	DataDir          string
	Address          string
	ServerBinary     string
	Retention        string
	LogFile          string
	DieFile          string
	ServerArgs       []string
	GoMaxProcs       int
	MinServerVersion string
	StartupTimeout   time.Duration
	StartupInterval  time.Duration
	ShutdownTimeout  time.Duration
	ShutdownInterval time.Duration
}

const (
	defaultGoMaxProcs        = 4
	defaultStartupTimeout    = 30 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
	defaultProbeInterval     = time.Second
	defaultUsermodeBinaryEnv = "OMNISTAT_VICTORIA_BINARY"
)

func NewOptions() *Options {
	o := &Options{
		DataDir:          util.DefaultUsermodeDataDir,
		Address:          util.DefaultUsermodeAddress,
		ServerBinary:     util.DefaultServerBinary,
		Retention:        util.DefaultRetention,
		LogFile:          util.DefaultUsermodeLogFile,
		GoMaxProcs:       defaultGoMaxProcs,
		MinServerVersion: util.MinimumServerVersion,
		StartupTimeout:   defaultStartupTimeout,
		StartupInterval:  defaultProbeInterval,
		ShutdownTimeout:  defaultShutdownTimeout,
		ShutdownInterval: defaultProbeInterval,
	}
	if dataDir := os.Getenv("OMNISTAT_PROMSERVER_DATADIR"); len(dataDir) > 0 {
		o.DataDir = dataDir
	}
	if binary := os.Getenv(defaultUsermodeBinaryEnv); len(binary) > 0 {
		o.ServerBinary = binary
	}
	return o
}

var version bool

func (o *Options) InitFlags(fs *flag.FlagSet) {
	pflag.CommandLine.SortFlags = false
	pflag.BoolVar(&o.StartServer, "start-server", o.StartServer, "Start the local time-series server and return once it is ready.")
	pflag.BoolVar(&o.StopServer, "stop-server", o.StopServer, "Stop the local time-series server started by --start-server.")
	pflag.BoolVar(&o.Run, "run", o.Run, "Start the local time-series server and keep it up until the die file is removed.")
	pflag.StringVar(&o.DataDir, "data-dir", o.DataDir, "Storage directory of the local server.")
	pflag.StringVar(&o.Address, "address", o.Address, "Listen address of the local server.")
	pflag.StringVar(&o.ServerBinary, "server-binary", o.ServerBinary, "Path of the time-series server binary.")
	pflag.StringVar(&o.Retention, "retention", o.Retention, "Retention period of the local server.")
	pflag.StringVar(&o.LogFile, "log-file", o.LogFile, "File receiving the server output.")
	pflag.StringVar(&o.DieFile, "die-file", o.DieFile, "File whose removal ends --run. (default <data-dir>/"+util.DieFileName+")")
	pflag.StringArrayVar(&o.ServerArgs, "server-arg", o.ServerArgs, "Extra server argument, repeatable. (default -memory.allowedPercent=10)")
	pflag.IntVar(&o.GoMaxProcs, "gomaxprocs", o.GoMaxProcs, "GOMAXPROCS of the server process. (0 keeps the inherited value)")
	pflag.StringVar(&o.MinServerVersion, "min-server-version", o.MinServerVersion, "Refuse server binaries older than this version. (empty disables the check)")
	pflag.DurationVar(&o.StartupTimeout, "startup-timeout", o.StartupTimeout, "Time to wait for the server to become ready.")
	pflag.DurationVar(&o.StartupInterval, "startup-interval", o.StartupInterval, "Readiness poll interval.")
	pflag.DurationVar(&o.ShutdownTimeout, "shutdown-timeout", o.ShutdownTimeout, "Time to wait for the server to release its storage lock.")
	pflag.DurationVar(&o.ShutdownInterval, "shutdown-interval", o.ShutdownInterval, "Storage lock poll interval.")
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

// Validate requires exactly one action.
func (o *Options) Validate() error {
	actions := 0
	for _, set := range []bool{o.StartServer, o.StopServer, o.Run} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("exactly one of --start-server, --stop-server or --run is required")
	}
	if o.StartupTimeout <= 0 || o.StartupInterval <= 0 || o.ShutdownTimeout <= 0 || o.ShutdownInterval <= 0 {
		return fmt.Errorf("timeouts and intervals must be greater than 0")
	}
	return nil
}
