// Package worker is the worker-service side of job assignments. A Service
// accepts assignments over gRPC, runs each one with a Runner and reports the
// outcome to the assignment's notification endpoint.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	rgrpc "github.com/ssuji15/orca/internal/resource/grpc"
	"github.com/ssuji15/orca/internal/service/logger"
	"github.com/ssuji15/orca/model"
)

// Runner executes one assignment. It returns the job output, or an error that
// is reported as the job's failure. Run must return promptly once ctx ends.
type Runner interface {
	Run(ctx context.Context, req model.AssignmentRequest) (map[string]any, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req model.AssignmentRequest) (map[string]any, error)

func (f RunnerFunc) Run(ctx context.Context, req model.AssignmentRequest) (map[string]any, error) {
	return f(ctx, req)
}

type Option func(*Service)

func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// Service implements rgrpc.JobAssignmentsServer.
type Service struct {
	runner Runner
	client *http.Client

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(runner Runner, opts ...Option) *Service {
	s := &Service{
		runner:  runner,
		client:  &http.Client{Timeout: 10 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		running: map[string]context.CancelFunc{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Create(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := rgrpc.AssignmentRequestFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.NotificationEndpoint == "" {
		return nil, status.Errorf(codes.InvalidArgument, "assignment for %s has no notification endpoint", req.ExecutionID)
	}

	ref := "assignments/" + uuid.NewString()
	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.running[ref] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx, ref, req)
	}()
	return structpb.NewStruct(map[string]any{rgrpc.FieldAssignmentRef: ref})
}

// Cancel stops a running assignment. Unknown refs are not an error: the
// assignment may have finished already.
func (s *Service) Cancel(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	s.stop(in.GetFields()[rgrpc.FieldAssignmentRef].GetStringValue())
	return &emptypb.Empty{}, nil
}

func (s *Service) Delete(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	s.stop(in.GetFields()[rgrpc.FieldAssignmentRef].GetStringValue())
	return &emptypb.Empty{}, nil
}

// Running reports how many assignments are in flight.
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Stop cancels every assignment and waits for the runs to return.
func (s *Service) Stop() {
	s.mu.Lock()
	for ref, cancel := range s.running {
		cancel()
		delete(s.running, ref)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) stop(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.running[ref]; ok {
		cancel()
		delete(s.running, ref)
	}
}

func (s *Service) run(ctx context.Context, ref string, req model.AssignmentRequest) {
	defer s.stop(ref)
	log := logger.Log.With().Str("assignment", ref).Str("execution", req.ExecutionID).Logger()

	progress := 0
	if err := s.report(ctx, req.NotificationEndpoint, model.Notification{Status: model.StatusRunning, Progress: &progress}); err != nil {
		log.Error().Err(err).Msg("unable to report Running")
		return
	}

	out, err := s.runner.Run(ctx, req)
	if ctx.Err() != nil {
		// canceled or deleted: orca already knows
		log.Info().Msg("assignment canceled")
		return
	}

	final := model.Notification{Status: model.StatusCompleted, JobOutput: out}
	if err != nil {
		final = model.Notification{
			Status: model.StatusFailed,
			Error:  &model.Problem{Type: model.ProblemJobFailed, Title: "assignment failed", Detail: err.Error()},
		}
		log.Warn().Err(err).Msg("assignment failed")
	} else {
		done := 100
		final.Progress = &done
	}
	if err := s.report(ctx, req.NotificationEndpoint, final); err != nil {
		log.Error().Err(err).Str("status", string(final.Status)).Msg("unable to report outcome")
	}
}

func (s *Service) report(ctx context.Context, endpoint string, n model.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("notification endpoint answered %s", resp.Status)
	}
	return nil
}

// Echo completes every assignment with its input after delay.
func Echo(delay time.Duration) Runner {
	return RunnerFunc(func(ctx context.Context, req model.AssignmentRequest) (map[string]any, error) {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			return req.JobInput, nil
		}
	})
}
