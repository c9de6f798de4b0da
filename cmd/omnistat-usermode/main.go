package main

import (
	"context"
	"flag"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/omnistat/omnistat/cmd/omnistat-usermode/options"
	"github.com/omnistat/omnistat/pkg/tsdb/supervisor"
	"github.com/omnistat/omnistat/pkg/usermode"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(flag.CommandLine)
	opt := options.NewOptions()
	opt.InitFlags(flag.CommandLine)
	opt.PrintAndExitIfRequested()
	defer klog.Flush()

	if err := opt.Validate(); err != nil {
		klog.Errorf("Invalid options: %v", err)
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}
	dataDir, err := filepath.Abs(opt.DataDir)
	if err != nil {
		klog.Fatalf("Resolve data directory failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var env []string
	if opt.GoMaxProcs > 0 {
		env = append(env, "GOMAXPROCS="+strconv.Itoa(opt.GoMaxProcs))
	}
	if (opt.StartServer || opt.Run) && len(opt.MinServerVersion) > 0 {
		serverVersion, err := supervisor.CheckVersion(ctx, opt.ServerBinary, opt.MinServerVersion)
		if err != nil {
			klog.Errorf("Server binary check failed: %v", err)
			klog.FlushAndExit(klog.ExitFlushTimeout, 1)
		}
		klog.V(4).Infof("Using %s version %s", opt.ServerBinary, serverVersion)
	}

	session := usermode.NewSession(usermode.Config{
		DataDir:   dataDir,
		Address:   opt.Address,
		DieFile:   opt.DieFile,
		ExtraArgs: opt.ServerArgs,
	}, supervisor.New(
		supervisor.WithBinary(opt.ServerBinary),
		supervisor.WithRetention(opt.Retention),
		supervisor.WithStartup(opt.StartupInterval, opt.StartupTimeout),
		supervisor.WithShutdown(opt.ShutdownInterval, opt.ShutdownTimeout),
		supervisor.WithLogFile(opt.LogFile),
		supervisor.WithEnv(env...),
		// --start-server returns while the server keeps running.
		supervisor.WithDetach(opt.StartServer),
	))

	switch {
	case opt.StartServer:
		_, err = session.Start(ctx)
	case opt.StopServer:
		err = session.Stop(ctx)
	case opt.Run:
		err = session.Run(ctx)
	}
	if err != nil {
		klog.Errorf("omnistat-usermode failed: %v", err)
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}
}
