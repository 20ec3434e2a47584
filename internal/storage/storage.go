package storage

import (
	"context"
	"errors"
)

var ErrObjectNotFound = errors.New("storage: object not found")

// Storage archives execution outputs as opaque objects.
type Storage interface {
	Upload(ctx context.Context, objectPath string, data []byte) error
	Download(ctx context.Context, objectPath string) ([]byte, error)
	GetOutputBucket() string
	ShutDown(ctx context.Context)
}
