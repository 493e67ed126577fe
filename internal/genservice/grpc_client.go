package genservice

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/scene-forge/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCClient is an implementation of Service that talks to a remote
// generation backend via gRPC.
type GRPCClient struct {
	conn grpc.ClientConnInterface
}

// NewGRPCClient creates a new GRPCClient.
// conn should be an established gRPC connection.
func NewGRPCClient(conn grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{conn: conn}
}

// Submit sends a generation request to the remote backend.
func (c *GRPCClient) Submit(ctx context.Context, key types.Key, description string) (SubmitResponse, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"key":         string(key),
		"description": description,
	})
	if err != nil {
		return SubmitResponse{}, fmt.Errorf("encode submit request: %w", err)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodSubmit, req, resp); err != nil {
		return SubmitResponse{}, fromRPCError("submit", err)
	}

	fields := resp.GetFields()
	st, err := types.ParseWireStatus(fields["status"].GetStringValue())
	if err != nil {
		return SubmitResponse{}, err
	}

	return SubmitResponse{
		TaskID: types.TaskID(fields["task_id"].GetStringValue()),
		Status: st,
	}, nil
}

// GetStatus fetches the current status of a remote task.
func (c *GRPCClient) GetStatus(ctx context.Context, taskID types.TaskID) (types.StatusReport, error) {
	req, err := structpb.NewStruct(map[string]interface{}{"task_id": string(taskID)})
	if err != nil {
		return types.StatusReport{}, fmt.Errorf("encode status request: %w", err)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodGetStatus, req, resp); err != nil {
		return types.StatusReport{}, fromRPCError("get status", err)
	}

	fields := resp.GetFields()
	st, err := types.ParseWireStatus(fields["status"].GetStringValue())
	if err != nil {
		return types.StatusReport{}, err
	}

	return types.StatusReport{
		Status:   st,
		Progress: int(fields["progress"].GetNumberValue()),
		ModelURL: fields["model_url"].GetStringValue(),
		Error:    fields["error"].GetStringValue(),
	}, nil
}

// FetchMetadata asks the backend for model size and format.
func (c *GRPCClient) FetchMetadata(ctx context.Context, modelURL string) (types.ModelMetadata, error) {
	req, err := structpb.NewStruct(map[string]interface{}{"model_url": modelURL})
	if err != nil {
		return types.ModelMetadata{}, fmt.Errorf("encode metadata request: %w", err)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodFetchMetadata, req, resp); err != nil {
		return types.ModelMetadata{}, fromRPCError("fetch metadata", err)
	}

	fields := resp.GetFields()
	return types.ModelMetadata{
		URL:       fields["url"].GetStringValue(),
		SizeBytes: int64(fields["size_bytes"].GetNumberValue()),
		Format:    fields["format"].GetStringValue(),
	}, nil
}

// fromRPCError maps gRPC status codes back onto the package errors.
func fromRPCError(op string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("rpc %s failed: %w", op, err)
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrTaskNotFound, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrEmptyDescription, st.Message())
	default:
		return fmt.Errorf("rpc %s failed: %w", op, err)
	}
}
