package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/anyproto/any-diag/app"
	"github.com/anyproto/any-diag/app/logger"
	"github.com/anyproto/any-diag/clientinfo"
	"github.com/anyproto/any-diag/config"
	"github.com/anyproto/any-diag/diagnostic"
	"github.com/anyproto/any-diag/metric"
	"github.com/anyproto/any-diag/rtc"
)

var log = logger.NewNamed("main")

var (
	flagConfigFile = flag.String("c", "etc/config.yml", "path to config file")
	flagStrict     = flag.Bool("strict", false, "exit non-zero when any probe fails")
	flagVersion    = flag.Bool("v", false, "show version and exit")
	flagHelp       = flag.Bool("h", false, "show help and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Println(app.VersionDescription())
		return
	}
	if *flagHelp {
		flag.PrintDefaults()
		return
	}

	ctx := context.Background()
	a := new(app.App)

	conf, err := config.NewFromFile(*flagConfigFile)
	if err != nil {
		// the harness is fully functional on compiled-in defaults
		log.Info("config file not loaded, using defaults", zap.String("path", *flagConfigFile), zap.Error(err))
		conf = &config.Config{}
	}
	a.Register(conf)
	Bootstrap(a)

	if err := a.Start(ctx); err != nil {
		log.Fatal("can't start app", zap.Error(err))
	}
	log.Info("app started", zap.String("version", a.Version()))

	d := a.MustComponent(diagnostic.CName).(diagnostic.Service)
	if err := d.RunAllTests(ctx); err != nil {
		log.Error("diagnostic run failed", zap.Error(err))
	}
	printSummary(d)

	closeCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		log.Fatal("close error", zap.Error(err))
	}
	if tally := d.Tally(); *flagStrict && tally.Fail > 0 {
		os.Exit(1)
	}
}

func Bootstrap(a *app.App) {
	a.Register(metric.New()).
		Register(rtc.New()).
		Register(clientinfo.New()).
		Register(diagnostic.New())
}

func printSummary(d diagnostic.Service) {
	if info := d.BrowserInfo(); info != nil {
		fmt.Printf("client: %s %s (transport=%v media=%v sockets=%v)\n",
			info.Name, info.Version,
			info.SupportsTransport, info.SupportsMediaDevices, info.SupportsSockets)
	}
	for _, res := range d.Results() {
		fmt.Printf("%-22s %-8s %6dms  %s\n", res.Test, res.Status, res.DurationMs, res.Message)
	}
	tally := d.Tally()
	fmt.Printf("pass: %d  fail: %d  warning: %d\n", tally.Pass, tally.Fail, tally.Warning)
}
