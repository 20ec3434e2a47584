// Command echo_worker is a sample worker service. Every assignment reports
// Running, waits, then completes with its input as output.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	rgrpc "github.com/ssuji15/orca/internal/resource/grpc"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/internal/util"
	"github.com/ssuji15/orca/internal/worker"
)

func main() {
	addr := os.Getenv("WORKER_LISTEN_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	delay := 2 * time.Second
	if v := os.Getenv("ECHO_RUNTIME"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("config error: ECHO_RUNTIME: %v", err)
		}
		delay = d
	}
	logger.Init("echo_worker")

	lis, err := util.Listen(addr)
	if err != nil {
		log.Fatalf("unable to listen on %s: %v", addr, err)
	}

	svc := worker.NewService(worker.Echo(delay))
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	rgrpc.RegisterJobAssignmentsServer(grpcServer, svc)

	go func() {
		logger.Log.Info().Str("addr", addr).Msg("worker listening")
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("grpc server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	grpcServer.GracefulStop()
	svc.Stop()
}
