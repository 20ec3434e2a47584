package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ssuji15/orca/model"
)

// Client is the worker service transport of resource.Manager.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient connects lazily to addr. Extra options are appended after the
// defaults, so tests can swap in a custom dialer.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("could not create worker client for %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) CreateAssignment(ctx context.Context, req model.AssignmentRequest) (string, error) {
	in, err := toStruct(req)
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, createMethod, in, out); err != nil {
		return "", err
	}
	ref, ok := out.GetFields()[FieldAssignmentRef]
	if !ok {
		return "", fmt.Errorf("worker response has no %s", FieldAssignmentRef)
	}
	return ref.GetStringValue(), nil
}

func (c *Client) CancelAssignment(ctx context.Context, ref string) error {
	return c.conn.Invoke(ctx, cancelMethod, refStruct(ref), new(emptypb.Empty))
}

func (c *Client) DeleteAssignment(ctx context.Context, ref string) error {
	return c.conn.Invoke(ctx, deleteMethod, refStruct(ref), new(emptypb.Empty))
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func refStruct(ref string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		FieldAssignmentRef: structpb.NewStringValue(ref),
	}}
}

// toStruct goes through JSON so the struct carries the same field names as
// the REST representation.
func toStruct(req model.AssignmentRequest) (*structpb.Struct, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("failed to encode assignment request: %w", err)
	}
	return s, nil
}

// AssignmentRequestFromStruct decodes the payload a worker receives in Create.
func AssignmentRequestFromStruct(s *structpb.Struct) (model.AssignmentRequest, error) {
	var req model.AssignmentRequest
	b, err := protojson.Marshal(s)
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(b, &req); err != nil {
		return req, fmt.Errorf("failed to decode assignment request: %w", err)
	}
	return req, nil
}
