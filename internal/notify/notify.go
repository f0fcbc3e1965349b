// Package notify publishes job terminal-state notifications so downstream
// systems can react to finished crawls without polling the API.
package notify

import (
	"context"

	"schemagend/internal/jobs"
)

// Provider delivers job lifecycle notifications.
type Provider interface {
	JobFinished(ctx context.Context, jobID string, status jobs.Status, errText string) error
	Close() error
}

// NoOp discards all notifications.
type NoOp struct{}

// JobFinished implements Provider; it performs no action.
func (NoOp) JobFinished(context.Context, string, jobs.Status, string) error {
	return nil
}

// Close implements Provider; it performs no action.
func (NoOp) Close() error {
	return nil
}
