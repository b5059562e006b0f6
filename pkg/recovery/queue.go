package recovery

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const recoveryTopic = "platyfend.recovery"

// Job is one queued recovery unit: a webhook delivery whose routing failed
// and needs a repairing reconcile.
type Job struct {
	Provider       string    `json:"provider"`
	InstallationID string    `json:"installation_id"`
	Event          string    `json:"event"`
	FailedAt       time.Time `json:"failed_at"`
}

// Queue is an in-process recovery queue. Webhook ingress publishes failed
// deliveries; Run drains them into the Orchestrator. Jobs are always acked:
// the orchestrator owns retries, and a job that still fails is surfaced in
// logs and health checks rather than redelivered forever.
type Queue struct {
	pubsub *gochannel.GoChannel
	orch   *Orchestrator
	logger *log.Logger
}

// NewQueue creates a Queue with the given channel buffer.
func NewQueue(orch *Orchestrator, buffer int64, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.Default()
	}
	// Persistent delivery keeps jobs published before the consumer loop
	// subscribes, which covers startup ordering.
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: buffer,
		Persistent:          true,
	}, watermill.NewStdLogger(false, false))
	return &Queue{pubsub: pubsub, orch: orch, logger: logger}
}

// EnqueueWebhookFailure publishes a recovery job for a failed delivery.
func (q *Queue) EnqueueWebhookFailure(ctx context.Context, provider, installationID, event string) error {
	job := Job{
		Provider:       provider,
		InstallationID: installationID,
		Event:          event,
		FailedAt:       time.Now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	return q.pubsub.Publish(recoveryTopic, msg)
}

// Run consumes recovery jobs until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	messages, err := q.pubsub.Subscribe(ctx, recoveryTopic)
	if err != nil {
		return err
	}
	for msg := range messages {
		q.process(ctx, msg)
	}
	return nil
}

func (q *Queue) process(ctx context.Context, msg *message.Message) {
	// Ack unconditionally; see the type comment.
	defer msg.Ack()

	var job Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		q.logger.Printf("recovery job %s is malformed: %v", msg.UUID, err)
		return
	}
	q.logger.Printf("recovering installation %s/%s after failed %s delivery", job.Provider, job.InstallationID, job.Event)
	if err := q.orch.RecoverFromWebhookFailure(ctx, job.Provider, job.InstallationID); err != nil {
		q.logger.Printf("recovery for installation %s/%s failed: %v", job.Provider, job.InstallationID, err)
		return
	}
	q.logger.Printf("recovered installation %s/%s", job.Provider, job.InstallationID)
}

// Close shuts the underlying pub/sub down, ending Run.
func (q *Queue) Close() error {
	return q.pubsub.Close()
}
