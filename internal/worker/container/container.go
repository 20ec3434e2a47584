// Package container runs job assignments as containers. The job input is
// handed to the container as JSON in ORCA_JOB_INPUT; a zero exit status
// completes the job.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ssuji15/orca/internal/config"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/model"
)

const removeTimeout = 30 * time.Second

// Spec describes one container to start.
type Spec struct {
	Name        string
	Image       string
	Runtime     string
	CPUQuota    int64
	MemoryLimit int64
	Env         map[string]string
	Labels      map[string]string
}

// Engine is a container runtime.
type Engine interface {
	Start(ctx context.Context, spec Spec) (string, error)
	// Wait blocks until the container exits and returns its exit status.
	Wait(ctx context.Context, id string) (int64, error)
	// Remove stops the container if needed and deletes it.
	Remove(ctx context.Context, id string) error
}

// Runner implements worker.Runner on top of an Engine.
type Runner struct {
	engine Engine
	cfg    *config.ContainerWorkerConfig
}

func NewRunner(engine Engine, cfg *config.ContainerWorkerConfig) *Runner {
	return &Runner{engine: engine, cfg: cfg}
}

// Image resolves the image of a job profile.
func (r *Runner) Image(profile string) string {
	if image, ok := r.cfg.IMAGES[profile]; ok {
		return image
	}
	return profile
}

func (r *Runner) Run(ctx context.Context, req model.AssignmentRequest) (map[string]any, error) {
	input, err := json.Marshal(req.JobInput)
	if err != nil {
		return nil, fmt.Errorf("unable to encode job input: %w", err)
	}
	spec := Spec{
		Name:        containerName(req.ExecutionID),
		Image:       r.Image(req.JobProfileRef),
		Runtime:     r.cfg.RUNTIME,
		CPUQuota:    r.cfg.CPU_QUOTA,
		MemoryLimit: r.cfg.MEMORY_LIMIT,
		Env: map[string]string{
			"ORCA_JOB_ID":       req.JobID,
			"ORCA_EXECUTION_ID": req.ExecutionID,
			"ORCA_JOB_PROFILE":  req.JobProfileRef,
			"ORCA_JOB_INPUT":    string(input),
		},
		Labels: map[string]string{
			"orca.job":       req.JobID,
			"orca.execution": req.ExecutionID,
		},
	}

	id, err := r.engine.Start(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("unable to start container for %s: %w", spec.Image, err)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
		defer cancel()
		if err := r.engine.Remove(rctx, id); err != nil {
			log := logger.FromContext(ctx)
			log.Warn().Err(err).Str("container", id).Msg("unable to remove container")
		}
	}()

	code, err := r.engine.Wait(ctx, id)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("container %s exited with status %d", spec.Name, code)
	}
	return map[string]any{
		"container": spec.Name,
		"image":     spec.Image,
		"exitCode":  code,
	}, nil
}

// containerName derives a unique, runtime-safe name from an execution id
// such as "<jobId>/executions/2".
func containerName(executionID string) string {
	return "orca-" + strings.NewReplacer("/", "-", ":", "-").Replace(executionID)
}
