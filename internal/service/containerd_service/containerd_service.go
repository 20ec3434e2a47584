package containerdservice

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/oci"
	"github.com/opencontainers/runtime-spec/specs-go"

	"github.com/ssuji15/orca/internal/service/logger"
	orcacontainer "github.com/ssuji15/orca/internal/worker/container"
)

const (
	cpuPeriod   = uint64(100000)
	pidsLimit   = int64(64)
	stopTimeout = 3 * time.Second
)

// ContainerdService is the containerd engine of container_worker.
type ContainerdService struct {
	containerd *containerd.Client
}

func NewContainerdService(socket, namespace string) (*ContainerdService, error) {
	cc, err := NewContainerdClient(socket, namespace)
	if err != nil {
		return nil, fmt.Errorf("unable to initialise containerd: %w", err)
	}
	return &ContainerdService{
		containerd: cc,
	}, nil
}

// image returns the local image, pulling and unpacking it when missing.
func (c *ContainerdService) image(ctx context.Context, ref string) (containerd.Image, error) {
	image, err := c.containerd.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}
	log := logger.FromContext(ctx)
	log.Info().Str("image", ref).Msg("pulling image")
	return c.containerd.Pull(ctx, ref, containerd.WithPullUnpack)
}

func (c *ContainerdService) Start(ctx context.Context, spec orcacontainer.Spec) (string, error) {
	image, err := c.image(ctx, spec.Image)
	if err != nil {
		return "", err
	}

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(envList(spec.Env)),
		oci.WithCPUCFS(spec.CPUQuota, cpuPeriod),
		oci.WithMemoryLimit(uint64(spec.MemoryLimit)),
		oci.WithPidsLimit(pidsLimit),
		oci.WithMounts([]specs.Mount{
			{
				Type:        "tmpfs",
				Source:      "tmpfs",
				Destination: "/tmp",
				Options:     []string{"nosuid", "nodev", "exec", "size=64m", "mode=1777"},
			},
		}),
	}

	opts := []containerd.NewContainerOpts{
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
		containerd.WithAdditionalContainerLabels(spec.Labels),
	}
	if spec.Runtime != "" {
		opts = append(opts, containerd.WithRuntime(spec.Runtime, nil))
	}

	container, err := c.containerd.NewContainer(ctx, spec.Name, opts...)
	if err != nil {
		return "", err
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		_ = container.Delete(context.WithoutCancel(ctx), containerd.WithSnapshotCleanup)
		return "", err
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(context.WithoutCancel(ctx))
		_ = container.Delete(context.WithoutCancel(ctx), containerd.WithSnapshotCleanup)
		return "", err
	}
	return container.ID(), nil
}

func (c *ContainerdService) Wait(ctx context.Context, id string) (int64, error) {
	container, err := c.containerd.LoadContainer(ctx, id)
	if err != nil {
		return 0, err
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return 0, err
	}
	exitC, err := task.Wait(ctx)
	if err != nil {
		return 0, err
	}
	select {
	case status := <-exitC:
		code, _, err := status.Result()
		return int64(code), err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (c *ContainerdService) Remove(ctx context.Context, id string) error {
	container, err := c.containerd.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if err := c.stopContainer(ctx, container); err != nil {
		return err
	}
	return container.Delete(ctx, containerd.WithSnapshotCleanup)
}

func (c *ContainerdService) Close() error {
	return c.containerd.Close()
}

func (c *ContainerdService) stopContainer(ctx context.Context, container containerd.Container) error {
	task, err := container.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return err
	}

	// wait is registered before the kill so the exit cannot be missed
	exitC, err := task.Wait(ctx)
	if err != nil {
		return err
	}
	if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
		if !errdefs.IsNotFound(err) && !strings.Contains(err.Error(), "process already finished") {
			return err
		}
	}

	select {
	case <-exitC:
	case <-time.After(stopTimeout):
		return fmt.Errorf("task %s did not exit within %s", container.ID(), stopTimeout)
	}

	_, err = task.Delete(ctx)
	return err
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
