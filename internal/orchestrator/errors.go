package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/scene-forge/internal/metrics"
	"github.com/ChuLiYu/scene-forge/internal/poller"
	"github.com/ChuLiYu/scene-forge/pkg/types"
)

var (
	// ErrCancelled 任務被本地取消
	ErrCancelled = errors.New("generation cancelled")
	// ErrStopped orchestrator 已停止
	ErrStopped = errors.New("orchestrator stopped")
)

// SubmissionError 提交在重試後仍失敗
type SubmissionError struct {
	Key types.Key
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit generation for %s: %v", e.Key, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// failureReason 將錯誤分類為 metrics 標籤
func failureReason(err error) string {
	var subErr *SubmissionError
	var genErr *poller.GenerationFailure
	switch {
	case errors.As(err, &subErr):
		return metrics.ReasonSubmission
	case errors.As(err, &genErr):
		return metrics.ReasonGeneration
	case errors.Is(err, poller.ErrPollingTimeout):
		return metrics.ReasonTimeout
	default:
		return metrics.ReasonOther
	}
}

func isShutdown(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) && ctx.Err() != nil
}
