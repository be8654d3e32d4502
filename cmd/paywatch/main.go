package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"paywatch/internal/app"
	logx "paywatch/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "optional JSON/YAML config file; environment variables override it")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		logx.NewConsole("info").Error("startup failed", logx.Err(err))
		os.Exit(1)
	}
	if err := a.Run(ctx); err != nil {
		logx.NewConsole("info").Error("stopped with error", logx.Err(err))
		os.Exit(1)
	}
}
