package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/omnistat/omnistat/pkg/config/merge"
	pkgmerge "github.com/omnistat/omnistat/pkg/merge"
	"github.com/omnistat/omnistat/pkg/tsdb/supervisor"
	"github.com/omnistat/omnistat/pkg/tsdb/transfer"
	"github.com/omnistat/omnistat/pkg/util"
	"github.com/omnistat/omnistat/pkg/version"
	"github.com/urfave/cli/v2"
	"k8s.io/component-base/logs"
	"k8s.io/klog/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logs.FlushLogs()
		os.Exit(1)
	}
}

type flags struct {
	configFile string
	dataDir    string
	multiDir   string
	verbosity  int
}

func newApp() *cli.App {
	defaults := merge.Default()
	f := &flags{}

	cliFlags := []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "YAML file with merge settings. Flags that are set explicitly take precedence.",
			Destination: &f.configFile,
			EnvVars:     []string{"OMNISTAT_MERGE_CONFIG"},
		},
		&cli.StringFlag{
			Name:        "data-dir",
			Usage:       "Merge a single database directory (single-directory mode).",
			Destination: &f.dataDir,
			EnvVars:     []string{"OMNISTAT_DATA_DIR"},
		},
		&cli.StringFlag{
			Name:        "multi-dir",
			Usage:       "Merge every database directory found under this root (multi-directory mode).",
			Destination: &f.multiDir,
			EnvVars:     []string{"OMNISTAT_MULTI_DIR"},
		},
		&cli.StringFlag{
			Name:    "target-dir",
			Usage:   "Storage directory of the merged database. (default <multi-dir>/" + util.DefaultMergedDirName + ")",
			EnvVars: []string{"OMNISTAT_TARGET_DIR"},
		},
		&cli.BoolFlag{
			Name:    "force-reload",
			Usage:   "Merge databases again even when their completion marker exists.",
			EnvVars: []string{"OMNISTAT_FORCE_RELOAD"},
		},
		&cli.DurationFlag{
			Name:    "startup-timeout",
			Value:   defaults.StartupTimeout,
			Usage:   "Time to wait for a server to become ready.",
			EnvVars: []string{"OMNISTAT_STARTUP_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "startup-interval",
			Value:   defaults.StartupInterval,
			Usage:   "Readiness poll interval.",
			EnvVars: []string{"OMNISTAT_STARTUP_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Value:   defaults.ShutdownTimeout,
			Usage:   "Time to wait for a server to release its storage lock.",
			EnvVars: []string{"OMNISTAT_SHUTDOWN_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "shutdown-interval",
			Value:   defaults.ShutdownInterval,
			Usage:   "Storage lock poll interval.",
			EnvVars: []string{"OMNISTAT_SHUTDOWN_INTERVAL"},
		},
		&cli.StringFlag{
			Name:    "target-address",
			Value:   defaults.TargetAddress,
			Usage:   "Listen address of the target server.",
			EnvVars: []string{"OMNISTAT_TARGET_ADDRESS"},
		},
		&cli.StringFlag{
			Name:    "source-address",
			Value:   defaults.SourceAddress,
			Usage:   "Listen address shared by the source servers.",
			EnvVars: []string{"OMNISTAT_SOURCE_ADDRESS"},
		},
		&cli.StringFlag{
			Name:    "retention",
			Value:   defaults.Retention,
			Usage:   "Retention period of the merged database.",
			EnvVars: []string{"OMNISTAT_RETENTION"},
		},
		&cli.StringFlag{
			Name:    "transfer-file",
			Value:   defaults.TransferFile,
			Usage:   "Temporary file holding one exported database.",
			EnvVars: []string{"OMNISTAT_TRANSFER_FILE"},
		},
		&cli.StringFlag{
			Name:    "export-filter",
			Value:   defaults.ExportFilter,
			Usage:   "Series selector of the exported data.",
			EnvVars: []string{"OMNISTAT_EXPORT_FILTER"},
		},
		&cli.StringFlag{
			Name:    "marker-placement",
			Usage:   "Where completion markers are kept: \"target\" or \"source\". (default target in multi-directory mode, source otherwise)",
			EnvVars: []string{"OMNISTAT_MARKER_PLACEMENT"},
		},
		&cli.StringFlag{
			Name:    "marker-name",
			Value:   defaults.MarkerName,
			Usage:   "Completion marker file name for in-source markers.",
			EnvVars: []string{"OMNISTAT_MARKER_NAME"},
		},
		&cli.StringFlag{
			Name:    "server-binary",
			Value:   defaults.ServerBinary,
			Usage:   "Path of the time-series server binary.",
			EnvVars: []string{"OMNISTAT_VICTORIA_BINARY"},
		},
		&cli.StringSliceFlag{
			Name:    "server-arg",
			Usage:   "Extra server argument, repeatable.",
			EnvVars: []string{"OMNISTAT_SERVER_ARGS"},
		},
		&cli.StringFlag{
			Name:    "server-log-file",
			Usage:   "File receiving the output of every started server.",
			EnvVars: []string{"OMNISTAT_SERVER_LOG_FILE"},
		},
		&cli.StringFlag{
			Name:    "min-server-version",
			Value:   defaults.MinServerVersion,
			Usage:   "Refuse server binaries older than this version. Empty disables the check.",
			EnvVars: []string{"OMNISTAT_MIN_SERVER_VERSION"},
		},
		&cli.StringFlag{
			Name:    "metrics-textfile",
			Usage:   "Write session metrics to this file in the Prometheus text format.",
			EnvVars: []string{"OMNISTAT_METRICS_TEXTFILE"},
		},
		&cli.IntFlag{
			Name:        "v",
			Usage:       "Log level verbosity.",
			Destination: &f.verbosity,
			EnvVars:     []string{"OMNISTAT_LOG_VERBOSITY"},
		},
	}

	app := &cli.App{
		Name:            "omnistat-merge",
		Usage:           "omnistat-merge loads collected time-series databases into one merged database.",
		ArgsUsage:       " ",
		HideHelpCommand: true,
		Flags:           cliFlags,
		Before: func(c *cli.Context) error {
			if c.Args().Len() > 0 {
				return fmt.Errorf("arguments not supported: %v", c.Args().Slice())
			}
			logs.InitLogs()
			klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
			klog.InitFlags(klogFlags)
			return klogFlags.Set("v", strconv.Itoa(f.verbosity))
		},
		Action: func(c *cli.Context) error {
			config, err := newConfig(c, f)
			if err != nil {
				return err
			}
			klog.V(4).Infof("Current merge config: %s", config)
			return run(c.Context, config)
		},
		After: func(c *cli.Context) error {
			logs.FlushLogs()
			return nil
		},
		Version: version.Get().String(),
	}

	// We remove the -v alias for the version flag so as to not conflict with the -v flag used for klog.
	if versionFlag, ok := cli.VersionFlag.(*cli.BoolFlag); ok {
		versionFlag.Aliases = nil
	}
	return app
}

// newConfig layers explicitly set flags and environment variables over the
// YAML file and the defaults.
func newConfig(c *cli.Context, f *flags) (*merge.Config, error) {
	var mutations []func(*merge.Config)
	if len(f.dataDir) > 0 || len(f.multiDir) > 0 || len(f.configFile) == 0 {
		mode, root, err := merge.ResolveMode(f.dataDir, f.multiDir)
		if err != nil {
			return nil, err
		}
		mutations = append(mutations, func(config *merge.Config) {
			config.Mode = mode
			config.SourceRoot = root
		})
	}
	mutations = append(mutations, func(config *merge.Config) {
		setString := func(name string, dst *string) {
			if c.IsSet(name) {
				*dst = c.String(name)
			}
		}
		setString("target-dir", &config.TargetDir)
		setString("target-address", &config.TargetAddress)
		setString("source-address", &config.SourceAddress)
		setString("retention", &config.Retention)
		setString("transfer-file", &config.TransferFile)
		setString("export-filter", &config.ExportFilter)
		setString("marker-name", &config.MarkerName)
		setString("server-binary", &config.ServerBinary)
		setString("server-log-file", &config.ServerLogFile)
		setString("min-server-version", &config.MinServerVersion)
		setString("metrics-textfile", &config.MetricsTextfile)
		if c.IsSet("marker-placement") {
			config.MarkerPlacement = merge.MarkerPlacement(c.String("marker-placement"))
		}
		if c.IsSet("force-reload") {
			config.ForceReload = c.Bool("force-reload")
		}
		if c.IsSet("startup-timeout") {
			config.StartupTimeout = c.Duration("startup-timeout")
		}
		if c.IsSet("startup-interval") {
			config.StartupInterval = c.Duration("startup-interval")
		}
		if c.IsSet("shutdown-timeout") {
			config.ShutdownTimeout = c.Duration("shutdown-timeout")
		}
		if c.IsSet("shutdown-interval") {
			config.ShutdownInterval = c.Duration("shutdown-interval")
		}
		if c.IsSet("server-arg") {
			config.ServerArgs = c.StringSlice("server-arg")
		}
		if len(config.TargetDir) == 0 && config.Mode == merge.ModeMulti {
			config.TargetDir = filepath.Join(config.SourceRoot, config.MergedDirName)
		}
	})
	return merge.NewConfig(f.configFile, mutations...)
}

func run(parent context.Context, config *merge.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(config.MinServerVersion) > 0 {
		serverVersion, err := supervisor.CheckVersion(ctx, config.ServerBinary, config.MinServerVersion)
		if err != nil {
			return err
		}
		klog.V(4).Infof("Using %s version %s", config.ServerBinary, serverVersion)
	}

	processes := supervisor.New(
		supervisor.WithBinary(config.ServerBinary),
		supervisor.WithRetention(config.Retention),
		supervisor.WithStartup(config.StartupInterval, config.StartupTimeout),
		supervisor.WithShutdown(config.ShutdownInterval, config.ShutdownTimeout),
		supervisor.WithLogFile(config.ServerLogFile),
	)
	coordinator := pkgmerge.NewCoordinator(config,
		pkgmerge.NewProcessSupervisor(processes),
		transfer.NewAgent(config.TransferFile))
	report, err := coordinator.Run(ctx)
	if err != nil {
		return err
	}
	if sourceErr := report.Err(); sourceErr != nil {
		klog.Warningf("Some databases were not merged and can be retried: %v", sourceErr)
	}
	return nil
}
