// Command container_worker is a worker service that runs every assignment as
// a container on docker or containerd.
package main

import (
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/ssuji15/orca/internal/config"
	rgrpc "github.com/ssuji15/orca/internal/resource/grpc"
	containerdservice "github.com/ssuji15/orca/internal/service/containerd_service"
	dockerservice "github.com/ssuji15/orca/internal/service/docker_service"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/internal/util"
	"github.com/ssuji15/orca/internal/worker"
	"github.com/ssuji15/orca/internal/worker/container"
)

type engine interface {
	container.Engine
	io.Closer
}

func main() {
	addr := os.Getenv("WORKER_LISTEN_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	cfg, err := config.GetContainerWorkerConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger.Init("container_worker")

	var e engine
	switch cfg.ENGINE {
	case "containerd":
		e, err = containerdservice.NewContainerdService(cfg.CONTAINERD_SOCKET, cfg.CONTAINERD_NAMESPACE)
	default:
		e, err = dockerservice.NewDockerService()
	}
	if err != nil {
		log.Fatalf("engine error: %v", err)
	}
	defer e.Close()

	lis, err := util.Listen(addr)
	if err != nil {
		log.Fatalf("unable to listen on %s: %v", addr, err)
	}

	svc := worker.NewService(container.NewRunner(e, cfg))
	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	rgrpc.RegisterJobAssignmentsServer(grpcServer, svc)

	go func() {
		logger.Log.Info().Str("addr", addr).Str("engine", cfg.ENGINE).Msg("worker listening")
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
