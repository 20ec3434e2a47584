package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssuji15/orca/internal/config"
	"github.com/ssuji15/orca/internal/job_tracer"
	"github.com/ssuji15/orca/internal/storage"
	"github.com/ssuji15/orca/internal/util"
)

// MinioClient wraps the MinIO SDK client.
type MinioClient struct {
	client    *minio.Client
	bucket    string
	transport *http.Transport
}

func NewMinioClient(cfg *config.MinioConfig) (*MinioClient, error) {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   50,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       120 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		DisableCompression: true,
		DisableKeepAlives:  false,
	}

	cli, err := minio.New(cfg.URL, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.ACCESS_KEY, cfg.SECRET_KEY, ""),
		Secure:    cfg.USE_SSL,
		Transport: transport,
	})
	if err != nil {
		return nil, err
	}

	return &MinioClient{client: cli, bucket: cfg.OUTPUT_BUCKET, transport: transport}, nil
}

func (m *MinioClient) GetOutputBucket() string {
	return m.bucket
}

func (m *MinioClient) Upload(ctx context.Context, objectPath string, data []byte) error {
	ctx, span := job_tracer.GetTracer().Start(ctx, "MinIO/Upload",
		trace.WithAttributes(attribute.String("object", objectPath)))
	defer span.End()

	if objectPath == "" {
		err := fmt.Errorf("object path cannot be empty")
		util.RecordSpanError(span, err)
		return err
	}

	_, err := m.client.PutObject(ctx, m.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (m *MinioClient) Download(ctx context.Context, objectPath string) ([]byte, error) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "MinIO/Download",
		trace.WithAttributes(attribute.String("object", objectPath)))
	defer span.End()

	object, err := m.client.GetObject(ctx, m.bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer object.Close()

	// GetObject is lazy; Stat surfaces a missing key
	if _, err := object.Stat(); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, objectPath)
		}
		util.RecordSpanError(span, err)
		return nil, err
	}

	data, err := io.ReadAll(object)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	return data, nil
}

func (m *MinioClient) ShutDown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		m.transport.CloseIdleConnections()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}
