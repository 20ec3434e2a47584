package dockerservice

import (
	"context"
	"fmt"
	"sort"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	orcacontainer "github.com/ssuji15/orca/internal/worker/container"
)

const pidsLimit = int64(64)

// DockerService is the docker engine of container_worker.
type DockerService struct {
	docker *client.Client
}

func NewDockerService() (*DockerService, error) {
	dc, err := NewDockerClient()
	if err != nil {
		return nil, fmt.Errorf("unable to initialise docker: %w", err)
	}
	return &DockerService{
		docker: dc,
	}, nil
}

func (d *DockerService) Start(ctx context.Context, spec orcacontainer.Spec) (string, error) {
	hostCfg := &container.HostConfig{
		Runtime:     spec.Runtime,
		NetworkMode: container.NetworkMode(network.NetworkDefault),
		Resources: container.Resources{
			CPUPeriod: 100000,
			CPUQuota:  spec.CPUQuota,
			Memory:    spec.MemoryLimit,
			PidsLimit: ptr(pidsLimit),
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,exec,nosuid,mode=0777,size=67108864",
		},
	}
	cfg := &container.Config{
		Image:  spec.Image,
		Labels: spec.Labels,
		Env:    envList(spec.Env),
	}

	created, err := d.docker.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: &network.NetworkingConfig{},
		Name:             spec.Name,
	})
	if err != nil {
		return "", err
	}

	if _, err := d.docker.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		_ = d.Remove(context.WithoutCancel(ctx), created.ID)
		return "", err
	}
	return created.ID, nil
}

func (d *DockerService) Wait(ctx context.Context, id string) (int64, error) {
	res := d.docker.ContainerWait(ctx, id, client.ContainerWaitOptions{
		Condition: container.WaitConditionNotRunning,
	})
	select {
	case err := <-res.Error:
		return 0, err
	case status := <-res.Result:
		if status.Error != nil && status.Error.Message != "" {
			return status.StatusCode, fmt.Errorf("container %s: %s", id, status.Error.Message)
		}
		return status.StatusCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (d *DockerService) Remove(ctx context.Context, id string) error {
	timeout := 0
	if _, err := d.docker.ContainerStop(ctx, id, client.ContainerStopOptions{Timeout: &timeout}); err != nil {
		return err
	}
	_, err := d.docker.ContainerRemove(ctx, id, client.ContainerRemoveOptions{
		Force: true,
	})
	return err
}

func (d *DockerService) Close() error {
	return d.docker.Close()
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func ptr[T any](v T) *T {
	return &v
}
