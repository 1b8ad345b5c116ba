package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"taskshare/domain"
)

type cleanupMessage struct {
	TaskID     string `json:"taskId"`
	ScheduleAt int64  `json:"scheduledAt"`
}

// CleanupQueue carries comment cleanup jobs for deleted tasks.
type CleanupQueue struct {
	queue             *azqueue.QueueClient
	visibilityTimeout int32
	now               func() time.Time
}

// NewCleanupQueue creates a queue client for the named queue.
func NewCleanupQueue(connStr, name string, visibilityTimeout time.Duration) (*CleanupQueue, error) {
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	return &CleanupQueue{queue: q, visibilityTimeout: int32(visibilityTimeout / time.Second), now: time.Now}, nil
}

// ScheduleCleanup enqueues removal of the comments of taskID.
func (q *CleanupQueue) ScheduleCleanup(ctx context.Context, taskID string) error {
	data, err := sonic.Marshal(cleanupMessage{TaskID: taskID, ScheduleAt: q.now().UnixMilli()})
	if err != nil {
		return err
	}
	_, err = q.queue.EnqueueMessage(ctx, base64.StdEncoding.EncodeToString(data), nil)
	return err
}

// Dequeue returns the next job, or nil when the queue is empty. The job stays
// invisible to other workers until the visibility timeout expires.
func (q *CleanupQueue) Dequeue(ctx context.Context) (*domain.CleanupJob, error) {
	resp, err := q.queue.DequeueMessage(ctx, &azqueue.DequeueMessageOptions{VisibilityTimeout: &q.visibilityTimeout})
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	msg := resp.Messages[0]
	if msg.MessageID == nil || msg.PopReceipt == nil || msg.MessageText == nil {
		return nil, errors.New("cleanup queue returned an incomplete message")
	}
	job := &domain.CleanupJob{MessageID: *msg.MessageID, Receipt: *msg.PopReceipt}
	if msg.DequeueCount != nil {
		job.Attempt = int(*msg.DequeueCount)
	}
	body, err := decodeMessageText(*msg.MessageText)
	if err != nil {
		return job, fmt.Errorf("decode cleanup message %s: %w", job.MessageID, err)
	}
	job.TaskID = body.TaskID
	return job, nil
}

// Ack removes a processed job from the queue.
func (q *CleanupQueue) Ack(ctx context.Context, job *domain.CleanupJob) error {
	_, err := q.queue.DeleteMessage(ctx, job.MessageID, job.Receipt, nil)
	return err
}

func decodeMessageText(text string) (cleanupMessage, error) {
	var msg cleanupMessage
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		// tolerate messages enqueued as plain JSON by other tools
		data = []byte(text)
	}
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return cleanupMessage{}, err
	}
	if msg.TaskID == "" {
		return cleanupMessage{}, errors.New("missing taskId")
	}
	return msg, nil
}
