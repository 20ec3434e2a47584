package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ssuji15/orca/internal/component"
	"github.com/ssuji15/orca/internal/config"
	"github.com/ssuji15/orca/internal/dispatcher"
	"github.com/ssuji15/orca/internal/invoker"
	"github.com/ssuji15/orca/internal/job_tracer"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/internal/trigger"
	"github.com/ssuji15/orca/internal/watchdog"
	"github.com/ssuji15/orca/internal/web"
	"github.com/ssuji15/orca/internal/web/middleware"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init(cfg.SERVICE_NAME)

	if cfg.TRACE_URL != "" {
		shutdownTracer, err := job_tracer.InitTracer(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
		if err != nil {
			log.Fatalf("error initialising trace: %v", err)
		}
		defer shutdownTracer(context.Background())
	}

	wdCfg, err := config.GetWatchdogConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	comp, err := component.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("component initialization error: %v", err)
	}

	jobs := comp.JobService()
	var inv invoker.Invoker
	var local *invoker.LocalInvoker
	if comp.Queue == nil {
		// standalone: operations and the watchdog run in this process
		local = invoker.NewLocalInvoker(dispatcher.NewHandler(jobs))
		inv = local
	} else {
		inv = invoker.NewQueueInvoker(comp.Queue)
	}

	wd := watchdog.New(jobs.Repository(), comp.Trigger(), inv, wdCfg.DEFAULT_TIMEOUT_MINUTES, watchdog.WithMetrics(comp.Metrics))
	if local != nil {
		go trigger.Schedule(ctx, comp.Trigger(), wdCfg.INTERVAL, func(ctx context.Context) error {
			_, err := wd.Run(ctx)
			return err
		})
	}

	server := web.NewServer(jobs, inv,
		web.WithWatchdog(wd),
		web.WithMetrics(comp.Registry),
		web.WithLimiter(middleware.NewLimiter(256, 64)),
	)

	srv := &http.Server{
		Addr:              cfg.HTTP_ADDR,
		Handler:           server.Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Log.Info().Str("addr", cfg.HTTP_ADDR).Msg("HTTP server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Log.Info().Msg("trying to shutdown server gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error().Err(err).Msg("graceful shutdown failed")
	}
	if local != nil {
		local.Wait()
	}

	done := make(chan struct{})
	go func() {
		comp.ShutDown(shutdownCtx)
		close(done)
	}()

	select {
	case <-done:
		logger.Log.Info().Msg("server shutdown gracefully.")
	case <-shutdownCtx.Done():
		logger.Log.Info().Msg("server graceful shutdown timedout..")
	}
}
