package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"sandboxjudge/internal/common/mq"
	appErr "sandboxjudge/pkg/errors"
	"sandboxjudge/pkg/utils/contextkey"
	"sandboxjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// DefaultRerunTopic carries submission ids to judge again.
const DefaultRerunTopic = "judge.rerun"

// Resetter requeues one submission.
type Resetter interface {
	ResetToPending(ctx context.Context, id string) error
}

type rerunRequest struct {
	SubmissionID string `json:"submissionId"`
}

// RerunConsumer resets submissions named on the rerun topic to PENDING so
// the next dispatcher tick claims them again.
type RerunConsumer struct {
	consumer mq.Consumer
	topic    string
	repo     Resetter
	opts     mq.SubscribeOptions
}

func NewRerunConsumer(consumer mq.Consumer, topic string, repo Resetter, opts mq.SubscribeOptions) (*RerunConsumer, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if repo == nil {
		return nil, fmt.Errorf("resetter is required")
	}
	if topic == "" {
		topic = DefaultRerunTopic
	}
	return &RerunConsumer{consumer: consumer, topic: topic, repo: repo, opts: opts}, nil
}

// Register subscribes the handler; consumption begins when the consumer starts.
func (c *RerunConsumer) Register(ctx context.Context) error {
	opts := c.opts
	return c.consumer.Subscribe(ctx, c.topic, c.Handle, &opts)
}

// Handle accepts either {"submissionId": "..."} or a bare id. Unknown ids are
// dropped; store errors are returned so the message is retried.
func (c *RerunConsumer) Handle(ctx context.Context, msg *mq.Message) error {
	id, err := parseRerun(msg)
	if err != nil {
		logger.Warn(ctx, "drop malformed rerun message", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	ctx = context.WithValue(ctx, contextkey.SubmissionID, id)
	if err := c.repo.ResetToPending(ctx, id); err != nil {
		if appErr.Is(err, appErr.SubmissionNotFound) {
			logger.Warn(ctx, "rerun requested for unknown submission")
			return nil
		}
		return err
	}
	logger.Info(ctx, "submission requeued for rerun")
	return nil
}

func parseRerun(msg *mq.Message) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("message is nil")
	}
	body := strings.TrimSpace(string(msg.Body))
	if strings.HasPrefix(body, "{") {
		var req rerunRequest
		if err := json.Unmarshal([]byte(body), &req); err != nil {
			return "", err
		}
		body = strings.TrimSpace(req.SubmissionID)
	}
	if body == "" {
		return "", fmt.Errorf("submission id is empty")
	}
	return body, nil
}
