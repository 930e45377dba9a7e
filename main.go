package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/ef-robotics/ailet/pkg/camera/execcam"
	_ "github.com/ef-robotics/ailet/pkg/camera/opencv"
	cleanup "github.com/ef-robotics/ailet/pkg/cleanup"
	collect "github.com/ef-robotics/ailet/pkg/collect"
	control "github.com/ef-robotics/ailet/pkg/control"
	recorder "github.com/ef-robotics/ailet/pkg/recorder"
)

func main() {
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()
	args := flag.Args()

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if len(args) < 1 {
		fmt.Println("missing command: [record, ctl, collect, cleanup]")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		slog.Info("stopping")
		cancel()
	}()

	var err error
	switch args[0] {
	case "record":
		err = recorder.Run(ctx, args[1:])
	case "ctl":
		err = control.Run(ctx, args[1:])
	case "collect":
		err = collect.Run(ctx, args[1:])
	case "cleanup":
		err = cleanup.Run(ctx, args[1:])
	default:
		err = fmt.Errorf("unknown command: %s", args[0])
	}

	if err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}
