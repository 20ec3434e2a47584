//go:build integration
// +build integration

package minio

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssuji15/orca/internal/config"
	"github.com/ssuji15/orca/internal/storage"
	"github.com/ssuji15/orca/internal/testinfra"
)

var minioSvc *testinfra.Service

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(0)
	}
	ctx := context.Background()
	var err error
	minioSvc, err = testinfra.MinIO(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	code := m.Run()
	minioSvc.Terminate(ctx)
	os.Exit(code)
}

func testConfig(bucket string) *config.MinioConfig {
	return &config.MinioConfig{
		URL:           minioSvc.Endpoint,
		OUTPUT_BUCKET: bucket,
		ACCESS_KEY:    testinfra.MinioUser,
		SECRET_KEY:    testinfra.MinioPassword,
	}
}

func TestNewMinioClient(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		expectErr bool
	}{
		{"Success with valid endpoint", "", false},
		{"Bad URL fails", "t//", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("outputs")
			if tt.url != "" {
				cfg.URL = tt.url
			}
			c, err := NewMinioClient(cfg)
			if tt.expectErr {
				require.Error(t, err)
				require.Nil(t, c)
			} else {
				require.NoError(t, err)
				require.Equal(t, "outputs", c.GetOutputBucket())
			}
		})
	}
}

func TestMinioClient_Upload(t *testing.T) {
	testinfra.CreateBucket(t, minioSvc.Endpoint, "outputs")
	ctx := context.Background()

	tests := []struct {
		name       string
		bucket     string
		objectPath string
		data       []byte
		expectErr  bool
	}{
		{"Upload output", "outputs", "jobs/j1/executions/1/output.json", []byte(`{"a":1}`), false},
		{"Upload empty object", "outputs", "jobs/j1/executions/2/output.json", []byte{}, false},
		{"Upload to missing bucket fails", "missing-bucket", "file.json", []byte("oops"), true},
		{"Empty path fails", "outputs", "", []byte("x"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewMinioClient(testConfig(tt.bucket))
			require.NoError(t, err)
			err = c.Upload(ctx, tt.objectPath, tt.data)
			if tt.expectErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestMinioClient_Download(t *testing.T) {
	testinfra.CreateBucket(t, minioSvc.Endpoint, "outputs")
	ctx := context.Background()

	c, err := NewMinioClient(testConfig("outputs"))
	require.NoError(t, err)

	content := []byte(`{"result":"ok"}`)
	require.NoError(t, c.Upload(ctx, "jobs/j2/executions/1/output.json", content))

	data, err := c.Download(ctx, "jobs/j2/executions/1/output.json")
	require.NoError(t, err)
	require.Equal(t, content, data)

	_, err = c.Download(ctx, "jobs/j2/executions/9/output.json")
	require.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestMinioClient_ShutDown(t *testing.T) {
	c, err := NewMinioClient(testConfig("outputs"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.ShutDown(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown timed out")
	}
}
