// ============================================================================
// Scene-Forge External Generation Service
// ============================================================================
//
// Package: internal/genservice
// File: service.go
// Purpose: Contract of the remote 3D generation service and its transports.
//
// Implementations:
//   - Simulated:  in-memory backend that derives state from elapsed time
//   - GRPCClient: talks to a remote backend over gRPC (see grpc_client.go)
//
//   RegisterGRPCServer exposes any Service over gRPC, so the simulated
//   backend can run as its own process (`scene-forge backend`).
//
// ============================================================================

package genservice

import (
	"context"
	"errors"

	"github.com/ChuLiYu/scene-forge/pkg/types"
)

var (
	// ErrTaskNotFound 外部服務不認得此 taskId
	ErrTaskNotFound = errors.New("generation task not found")
	// ErrEmptyDescription 提交的描述為空
	ErrEmptyDescription = errors.New("description is required")
)

// SubmitResponse is the reply of Submit. Status is always QUEUED on success.
type SubmitResponse struct {
	TaskID types.TaskID     `json:"task_id"`
	Status types.TaskStatus `json:"status"`
}

// Service is the external generation collaborator.
type Service interface {
	// Submit starts a generation job for (key, description).
	Submit(ctx context.Context, key types.Key, description string) (SubmitResponse, error)

	// GetStatus reports status, progress and, once succeeded, the model URL.
	// Unknown task ids yield ErrTaskNotFound.
	GetStatus(ctx context.Context, taskID types.TaskID) (types.StatusReport, error)

	// FetchMetadata returns size and format of a generated model.
	FetchMetadata(ctx context.Context, modelURL string) (types.ModelMetadata, error)
}
