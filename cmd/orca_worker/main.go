package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ssuji15/orca/internal/component"
	"github.com/ssuji15/orca/internal/config"
	"github.com/ssuji15/orca/internal/dispatcher"
	"github.com/ssuji15/orca/internal/invoker"
	"github.com/ssuji15/orca/internal/job_tracer"
	"github.com/ssuji15/orca/internal/queue"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/internal/trigger"
	"github.com/ssuji15/orca/internal/watchdog"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.QUEUE_TYPE != "jetstream" {
		log.Fatalf("config error: orca_worker needs QUEUE_TYPE=jetstream, got %q", cfg.QUEUE_TYPE)
	}
	logger.Init(cfg.SERVICE_NAME)

	if cfg.TRACE_URL != "" {
		shutdownTracer, err := job_tracer.InitTracer(ctx, cfg.SERVICE_NAME, cfg.TRACE_URL)
		if err != nil {
			log.Fatalf("error initialising trace: %v", err)
		}
		defer shutdownTracer(context.Background())
	}

	natsCfg, err := config.GetNatsConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	wdCfg, err := config.GetWatchdogConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	comp, err := component.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("component initialization error: %v", err)
	}

	sub, err := comp.Queue.Subscribe(queue.OpsStreamSubjects, natsCfg.CONSUMER_NAME)
	if err != nil {
		log.Fatalf("unable to subscribe to operations: %v", err)
	}

	jobs := comp.JobService()
	inv := invoker.NewQueueInvoker(comp.Queue)
	wd := watchdog.New(jobs.Repository(), comp.Trigger(), inv, wdCfg.DEFAULT_TIMEOUT_MINUTES, watchdog.WithMetrics(comp.Metrics))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatcher.New(sub, dispatcher.NewHandler(jobs), dispatcher.WithProgressInterval(natsCfg.ACK_WAIT/3)).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		trigger.Schedule(ctx, comp.Trigger(), wdCfg.INTERVAL, func(ctx context.Context) error {
			_, err := wd.Run(ctx)
			return err
		})
	}()
	logger.Log.Info().Str("consumer", natsCfg.CONSUMER_NAME).Msg("worker started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Log.Info().Msg("trying to shutdown worker gracefully...")
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	comp.ShutDown(shutdownCtx)
	logger.Log.Info().Msg("worker shutdown gracefully.")
}
