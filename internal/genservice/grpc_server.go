package genservice

import (
	"context"
	"errors"

	"github.com/ChuLiYu/scene-forge/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName         = "scene_forge.v1.GenerationService"
	methodSubmit        = "/" + serviceName + "/Submit"
	methodGetStatus     = "/" + serviceName + "/GetStatus"
	methodFetchMetadata = "/" + serviceName + "/FetchMetadata"
)

// Messages are google.protobuf.Struct on the wire, so no generated stubs
// are needed on either side.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Submit", methodSubmit, serveSubmit),
		unaryMethod("GetStatus", methodGetStatus, serveGetStatus),
		unaryMethod("FetchMetadata", methodFetchMetadata, serveFetchMetadata),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "scene_forge/v1/generation.proto",
}

// RegisterGRPCServer exposes svc on s.
func RegisterGRPCServer(s grpc.ServiceRegistrar, svc Service) {
	s.RegisterService(&serviceDesc, svc)
}

type structHandler func(ctx context.Context, svc Service, req *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name, fullMethod string, h structHandler) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return h(ctx, srv.(Service), req.(*structpb.Struct))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func serveSubmit(ctx context.Context, svc Service, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	resp, err := svc.Submit(ctx, types.Key(fields["key"].GetStringValue()), fields["description"].GetStringValue())
	if err != nil {
		return nil, toRPCError(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"task_id": string(resp.TaskID),
		"status":  resp.Status.WireName(),
	})
}

func serveGetStatus(ctx context.Context, svc Service, req *structpb.Struct) (*structpb.Struct, error) {
	taskID := types.TaskID(req.GetFields()["task_id"].GetStringValue())
	report, err := svc.GetStatus(ctx, taskID)
	if err != nil {
		return nil, toRPCError(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"status":    report.Status.WireName(),
		"progress":  report.Progress,
		"model_url": report.ModelURL,
		"error":     report.Error,
	})
}

func serveFetchMetadata(ctx context.Context, svc Service, req *structpb.Struct) (*structpb.Struct, error) {
	meta, err := svc.FetchMetadata(ctx, req.GetFields()["model_url"].GetStringValue())
	if err != nil {
		return nil, toRPCError(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"url":        meta.URL,
		"size_bytes": meta.SizeBytes,
		"format":     meta.Format,
	})
}

func toRPCError(err error) error {
	switch {
	case errors.Is(err, ErrTaskNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrEmptyDescription):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
