package repository

import (
	"context"
	"fmt"

	"codex/internal/common/mq"
	"codex/internal/execution/model"
	appErr "codex/pkg/errors"

	"github.com/bytedance/sonic"
)

// DefaultVerdictTopic receives one message per terminal verdict.
const DefaultVerdictTopic = "submission.verdict"

// VerdictPublisher announces terminal verdicts to other services.
type VerdictPublisher interface {
	PublishVerdict(ctx context.Context, event model.StatusEvent) error
}

// MQVerdictPublisher publishes verdict events on a message broker, keyed by
// submission id.
type MQVerdictPublisher struct {
	publisher mq.Publisher
	topic     string
}

func NewMQVerdictPublisher(publisher mq.Publisher, topic string) *MQVerdictPublisher {
	if topic == "" {
		topic = DefaultVerdictTopic
	}
	return &MQVerdictPublisher{publisher: publisher, topic: topic}
}

func (p *MQVerdictPublisher) PublishVerdict(ctx context.Context, event model.StatusEvent) error {
	if p == nil || p.publisher == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("verdict publisher is not configured")
	}
	if event.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if !event.Status.IsTerminal() {
		return appErr.Newf(appErr.InvalidParams, "status %s is not terminal", event.Status)
	}
	payload, err := sonic.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal verdict event failed: %w", err)
	}
	message := mq.NewMessage(event.SubmissionID, payload)
	message.SetHeader("status", string(event.Status))
	if err := p.publisher.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.EventPublishFailed, "publish verdict for %s failed", event.SubmissionID)
	}
	return nil
}

var _ VerdictPublisher = (*MQVerdictPublisher)(nil)
