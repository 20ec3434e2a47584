// Package testinfra starts the backing services of integration tests in
// containers.
package testinfra

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	minioSDK "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	MinioUser     = "minioadmin"
	MinioPassword = "minioadmin"

	startupTimeout = time.Minute
)

// Service is a running container and the address clients should use.
type Service struct {
	Container testcontainers.Container
	Endpoint  string
}

func (s *Service) Terminate(ctx context.Context) {
	if s != nil && s.Container != nil {
		_ = s.Container.Terminate(ctx)
	}
}

// start runs req and formats the endpoint from the mapped host and port.
func start(ctx context.Context, req testcontainers.ContainerRequest, port string, endpoint func(host, port string) string) (*Service, error) {
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to start %s: %w", req.Image, err)
	}
	s := &Service{Container: c}

	host, err := c.Host(ctx)
	if err != nil {
		s.Terminate(ctx)
		return nil, err
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		s.Terminate(ctx)
		return nil, err
	}
	s.Endpoint = endpoint(host, mapped.Port())
	return s, nil
}

// NATS starts a JetStream enabled server. Endpoint is a nats:// URL.
func NATS(ctx context.Context) (*Service, error) {
	return start(ctx, testcontainers.ContainerRequest{
		Image:        "nats:latest",
		ExposedPorts: []string{"4222/tcp"},
		Cmd:          []string{"-js"},
		WaitingFor:   wait.ForListeningPort("4222/tcp").WithStartupTimeout(startupTimeout),
	}, "4222", func(host, port string) string {
		return fmt.Sprintf("nats://%s:%s", host, port)
	})
}

// Redis starts a redis server. Endpoint is host:port.
func Redis(ctx context.Context) (*Service, error) {
	return start(ctx, testcontainers.ContainerRequest{
		Image:        "redis:latest",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(startupTimeout),
	}, "6379", func(host, port string) string {
		return host + ":" + port
	})
}

// Postgres starts a database named orca. Endpoint is a connection URL.
func Postgres(ctx context.Context) (*Service, error) {
	return start(ctx, testcontainers.ContainerRequest{
		Image:        "postgres:18",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "orca",
			"POSTGRES_PASSWORD": "orca123",
			"POSTGRES_DB":       "orca",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(startupTimeout),
	}, "5432", func(host, port string) string {
		return fmt.Sprintf("postgres://orca:orca123@%s:%s/orca?sslmode=disable", host, port)
	})
}

// MinIO starts an object store with MinioUser/MinioPassword. Endpoint is
// host:port.
func MinIO(ctx context.Context) (*Service, error) {
	return start(ctx, testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     MinioUser,
			"MINIO_ROOT_PASSWORD": MinioPassword,
		},
		Cmd: []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/ready").
			WithPort("9000").
			WithStartupTimeout(startupTimeout),
	}, "9000", func(host, port string) string {
		return host + ":" + port
	})
}

// CreateBucket makes bucket on the MinIO at endpoint unless it exists.
func CreateBucket(t *testing.T, endpoint, bucket string) {
	t.Helper()
	ctx := context.Background()

	client, err := minioSDK.New(endpoint, &minioSDK.Options{
		Creds: credentials.NewStaticV4(MinioUser, MinioPassword, ""),
	})
	require.NoError(t, err)

	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minioSDK.MakeBucketOptions{}))
	}
}
