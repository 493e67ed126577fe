// ============================================================================
// Scene-Forge Polling Engine
// ============================================================================
//
// Package: internal/poller
// File: poller.go
// Purpose: Repeatedly reads a remote task's status until it becomes terminal
//          or the deadline passes.
//
// Loop:
//   deadline = now + Timeout
//   while now < deadline:
//     report = retry.Do(GetStatus)   ← fetch errors abort polling
//     onProgress(report)             ← every read, not only changes
//     SUCCEEDED → return report
//     FAILED    → *GenerationFailure
//     sleep Interval
//   → ErrPollingTimeout
//
// The engine never derives state on its own; it only consumes what the
// collaborator reports.
//
// ============================================================================

package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/scene-forge/internal/retry"
	"github.com/ChuLiYu/scene-forge/pkg/types"
)

var log = slog.Default()

const (
	DefaultInterval = 1500 * time.Millisecond
	DefaultTimeout  = 120000 * time.Millisecond

	// DefaultFailureMessage is used when the service reports FAILED without a message.
	DefaultFailureMessage = "3D generation failed"
)

// ErrPollingTimeout is returned when the deadline passes without a terminal status.
var ErrPollingTimeout = errors.New("3D generation timed out")

// GenerationFailure carries the message of a service-reported FAILED status.
type GenerationFailure struct {
	TaskID  types.TaskID
	Message string
}

func (e *GenerationFailure) Error() string {
	return fmt.Sprintf("generation %s failed: %s", e.TaskID, e.Message)
}

// StatusFetcher is the slice of the generation service the poller needs.
type StatusFetcher interface {
	GetStatus(ctx context.Context, taskID types.TaskID) (types.StatusReport, error)
}

// ProgressFunc receives every intermediate status read.
type ProgressFunc func(report types.StatusReport)

// Config holds the polling cadence.
type Config struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
	Retry    retry.Policy  `yaml:"-"`
}

// DefaultConfig returns the 1.5s / 120s cadence used by the orchestrator.
func DefaultConfig() Config {
	return Config{
		Interval: DefaultInterval,
		Timeout:  DefaultTimeout,
		Retry:    retry.DefaultPolicy(),
	}
}

// Poller runs the polling loop against a StatusFetcher.
type Poller struct {
	fetcher StatusFetcher
	cfg     Config
}

// New creates a Poller. Zero Interval/Timeout fall back to the defaults.
func New(fetcher StatusFetcher, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Poller{fetcher: fetcher, cfg: cfg}
}

// Config returns the effective configuration.
func (p *Poller) Config() Config {
	return p.cfg
}

// PollUntilTerminal polls taskID until SUCCEEDED, FAILED, or timeout.
func (p *Poller) PollUntilTerminal(ctx context.Context, taskID types.TaskID, onProgress ProgressFunc) (types.StatusReport, error) {
	start := time.Now()
	deadline := start.Add(p.cfg.Timeout)
	polls := 0

	for time.Now().Before(deadline) {
		report, err := retry.Do(ctx, p.cfg.Retry, func(ctx context.Context) (types.StatusReport, error) {
			return p.fetcher.GetStatus(ctx, taskID)
		})
		if err != nil {
			log.Error("Polling error", "taskID", taskID, "polls", polls, "error", err)
			return types.StatusReport{}, err
		}
		polls++

		if onProgress != nil {
			onProgress(report)
		}

		switch report.Status {
		case types.StatusSucceeded:
			log.Debug("Task succeeded", "taskID", taskID, "polls", polls, "elapsed", time.Since(start))
			return report, nil
		case types.StatusFailed:
			msg := report.Error
			if msg == "" {
				msg = DefaultFailureMessage
			}
			return report, &GenerationFailure{TaskID: taskID, Message: msg}
		}

		timer := time.NewTimer(p.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return types.StatusReport{}, ctx.Err()
		case <-timer.C:
		}
	}

	return types.StatusReport{}, fmt.Errorf("%w: task %s after %s (%d polls)",
		ErrPollingTimeout, taskID, time.Since(start).Round(time.Millisecond), polls)
}
