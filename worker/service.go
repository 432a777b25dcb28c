// Package worker is a gRPC service that runs applications for a remote coflow.
//
// Messages are google.protobuf.Struct values, so the service needs
// no generated code. Use Invoke with the method names below from a client.
package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/imagvfx/coflow"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the full name of the worker service.
const ServiceName = "coflow.Worker"

// Full method names of the worker service.
const (
	MethodRun    = "/" + ServiceName + "/Run"
	MethodStatus = "/" + ServiceName + "/Status"
	MethodCancel = "/" + ServiceName + "/Cancel"
	MethodList   = "/" + ServiceName + "/List"
	MethodRead   = "/" + ServiceName + "/Read"
	MethodFree   = "/" + ServiceName + "/Free"
)

// Service is what a worker does. Server implements it.
type Service interface {
	Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	List(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Read(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Free(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func handler(call func(Service, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(Service), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: method,
		}
		h := func(ctx context.Context, req any) (any, error) {
			return call(srv.(Service), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, h)
	}
}

// ServiceDesc describes the worker service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: handler(Service.Run, MethodRun)},
		{MethodName: "Status", Handler: handler(Service.Status, MethodStatus)},
		{MethodName: "Cancel", Handler: handler(Service.Cancel, MethodCancel)},
		{MethodName: "List", Handler: handler(Service.List, MethodList)},
		{MethodName: "Read", Handler: handler(Service.Read, MethodRead)},
		{MethodName: "Free", Handler: handler(Service.Free, MethodFree)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coflow/worker",
}

// Register registers s to a grpc server.
func Register(g *grpc.Server, s Service) {
	g.RegisterService(&ServiceDesc, s)
}

var codeOf = []struct {
	err  error
	code codes.Code
}{
	{coflow.ErrUnknownJob, codes.NotFound},
	{coflow.ErrMaxCapacityReached, codes.ResourceExhausted},
	{coflow.ErrResourceNotReady, codes.Unavailable},
	{coflow.ErrInvalidArgument, codes.InvalidArgument},
	{coflow.ErrInvalidState, codes.FailedPrecondition},
}

// ToStatus converts a coflow error into a grpc status error,
// so a client can tell what went wrong.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	for _, c := range codeOf {
		if errors.Is(err, c.err) {
			return status.Error(c.code, err.Error())
		}
	}
	return status.Error(codes.Unknown, err.Error())
}

// FromStatus converts a grpc status error back into a coflow error.
// An unreachable worker is not ready.
func FromStatus(err error) error {
	if err == nil {
		return nil
	}
	s, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, c := range codeOf {
		if s.Code() == c.code {
			return fmt.Errorf("%w: %v", c.err, s.Message())
		}
	}
	if s.Code() == codes.DeadlineExceeded {
		return fmt.Errorf("%w: %v", coflow.ErrResourceNotReady, s.Message())
	}
	return errors.New(s.Message())
}
