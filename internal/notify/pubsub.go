package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"schemagend/internal/jobs"
)

// PubSubProvider publishes job notifications to a Google Cloud Pub/Sub topic.
type PubSubProvider struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPubSubProvider creates a Pub/Sub client and verifies the topic exists.
// It authenticates using Application Default Credentials.
func NewPubSubProvider(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*PubSubProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("pubsub client close failed", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("check topic existence: %w", err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("pubsub client close failed", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", topicID, projectID)
	}
	return &PubSubProvider{client: client, topic: topic, logger: logger}, nil
}

type finishedMessage struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	FinishedAt string `json:"finished_at"`
}

// JobFinished publishes a JSON notification for the terminal state. The
// actual send is asynchronous; the Pub/Sub client batches and retries in the
// background, so this is fire-and-forget.
func (p *PubSubProvider) JobFinished(ctx context.Context, jobID string, status jobs.Status, errText string) error {
	payload, err := json.Marshal(finishedMessage{
		JobID:      jobID,
		Status:     string(status),
		Error:      errText,
		FinishedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{Data: payload})
	_ = result // fire-and-forget; errors surface in client logs
	return nil
}

// Close stops the topic's publisher and closes the client connection.
func (p *PubSubProvider) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
