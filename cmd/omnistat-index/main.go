package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/omnistat/omnistat/cmd/omnistat-index/options"
	"github.com/omnistat/omnistat/pkg/index"
	"github.com/omnistat/omnistat/pkg/metrics/collector"
	"github.com/omnistat/omnistat/pkg/metrics/server"
	"github.com/omnistat/omnistat/pkg/route"
	"golang.org/x/time/rate"
	"k8s.io/component-base/logs"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(flag.CommandLine)
	opt := options.NewOptions()
	opt.InitFlags(flag.CommandLine)
	opt.PrintAndExitIfRequested()
	logs.InitLogs()
	defer logs.FlushLogs()

	scanner, err := index.NewScanner(opt.ServerAddress,
		index.WithDays(opt.Days),
		index.WithStep(opt.Step),
		index.WithLimit(opt.Limit),
		index.WithTimeout(opt.QueryTimeout))
	if err != nil {
		klog.Fatalf("Create database scanner failed: %v", err)
	}
	jobIndex := index.New(scanner)

	metricsServer := server.NewServer(
		server.WithPort(&opt.ServerBindPort),
		server.WithLimiter(rate.NewLimiter(rate.Every(time.Second), 1)),
		server.WithTimeoutSecond(30),
		server.WithDebugMetrics(opt.DebugMetrics),
		server.WithCollectors(
			collector.NewBuildInfoCollector("omnistat-index"),
			collector.NewJobIndexCollector(jobIndex)),
		server.WithReadyChecker(jobIndex.ReadyChecker),
		server.WithRoutes(func(router *httprouter.Router) {
			route.AddJobIndex(router, jobIndex)
		}))

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	route.StartDebugServer(ctx, opt.PprofBindAddress)

	go jobIndex.Run(ctx, opt.RescanInterval)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- metricsServer.Start(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	select {
	case s := <-sigChan:
		klog.Infof("Received signal %v, shutting down...", s)
		cancelCtx()
		<-serverErr
	case err = <-serverErr:
		klog.ErrorS(err, "Job index server stopped")
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}
}
