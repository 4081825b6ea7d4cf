package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tariffpilot/tariffpilot/pkg/aemo"
	"github.com/tariffpilot/tariffpilot/pkg/amber"
	"github.com/tariffpilot/tariffpilot/pkg/engine"
	"github.com/tariffpilot/tariffpilot/pkg/log"
	"github.com/tariffpilot/tariffpilot/pkg/powerwall"
	"github.com/tariffpilot/tariffpilot/pkg/scheduler"
	"github.com/tariffpilot/tariffpilot/pkg/server"
	"github.com/tariffpilot/tariffpilot/pkg/singleton"
	"github.com/tariffpilot/tariffpilot/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	amberMap := amber.Configured()
	devices := powerwall.Configured()
	aemoClient := aemo.Configured()
	s := storage.Configured()
	eng := engine.Configured(s, amberMap, devices, aemoClient)
	stream := amber.ConfiguredStream()
	elector := singleton.Configured()

	streamToken := lflag.String("amber-stream-token", "", "API token for the live price stream")
	streamSiteID := lflag.String("amber-stream-site-id", "", "site ID for the live price stream")

	// init server
	srv := server.Configured(eng, s, stream)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	if err := eng.Validate(); err != nil {
		slog.Error("invalid engine configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()
	defer elector.Release(context.Background())

	// only one replica runs the background roles; the rest serve HTTP only
	runScheduler, err := elector.Acquire(ctx, singleton.RoleScheduler)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "scheduler election failed", "error", err)
		os.Exit(1)
	}
	if runScheduler {
		sched := scheduler.New(eng)
		if err := sched.Start(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to start scheduler", "error", err)
			os.Exit(1)
		}
	}

	if *streamToken != "" && *streamSiteID != "" {
		runStream, err := elector.Acquire(ctx, singleton.RoleWebSocket)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "websocket election failed", "error", err)
			os.Exit(1)
		}
		if runStream {
			stream.SetCredentials(*streamToken, *streamSiteID)
			stream.SetOnUpdate(eng.HandlePushPrices)
			go stream.Run(ctx)
		}
	} else {
		log.Ctx(ctx).InfoContext(ctx, "no stream credentials, relying on the polling fallback")
	}

	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
