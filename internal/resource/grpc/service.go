package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "orca.worker.v1.JobAssignments"

	createMethod = "/" + ServiceName + "/Create"
	cancelMethod = "/" + ServiceName + "/Cancel"
	deleteMethod = "/" + ServiceName + "/Delete"
)

// Field names used in the request and response structs.
const (
	FieldAssignmentRef = "assignmentRef"
)

// JobAssignmentsServer is implemented by worker services. Create receives an
// AssignmentRequest as a struct and answers with {"assignmentRef": "..."};
// Cancel and Delete receive {"assignmentRef": "..."}.
type JobAssignmentsServer interface {
	Create(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
	Delete(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
}

func RegisterJobAssignmentsServer(s grpc.ServiceRegistrar, srv JobAssignmentsServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobAssignmentsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Create", Handler: createHandler},
		{MethodName: "Cancel", Handler: cancelHandler},
		{MethodName: "Delete", Handler: deleteHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "orca/worker/v1/assignments.proto",
}

func createHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobAssignmentsServer).Create(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: createMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(JobAssignmentsServer).Create(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func cancelHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobAssignmentsServer).Cancel(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: cancelMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(JobAssignmentsServer).Cancel(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func deleteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobAssignmentsServer).Delete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deleteMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(JobAssignmentsServer).Delete(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
