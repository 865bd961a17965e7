// Package queue owns the asynq task vocabulary shared by the API (producer)
// and the worker (consumer). Redis-backed asynq provides the durability and
// lease semantics: a task is visible to exactly one consumer while leased,
// redelivered after a crash, and retried with exponential backoff when the
// handler returns an error.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TaskConvertMedia is scheduled once per file entering the pipeline.
	TaskConvertMedia = "media:convert"

	// QueueName is the asynq queue all conversion tasks land on.
	QueueName = "default"
)

// Queue-level retry policy. These bound infrastructure retries (worker
// crashes, uncaught errors); business-logic retries are bounded separately by
// the FileRecord's own retry counter.
const (
	maxQueueRetry = 5
	taskTimeout   = 2 * time.Hour
	taskExpiry    = 48 * time.Hour
)

// ConvertPayload is serialized into the task so the worker knows which file
// to process without a database round-trip for the basics.
type ConvertPayload struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
}

// Client wraps an asynq client for enqueueing conversion jobs.
type Client struct {
	inner *asynq.Client
}

// NewClient builds a queue client for the given Redis connection options.
func NewClient(opt asynq.RedisClientOpt) *Client {
	return &Client{inner: asynq.NewClient(opt)}
}

// Close releases the underlying Redis connections.
func (c *Client) Close() error {
	return c.inner.Close()
}

// EnqueueConvert durably enqueues a conversion job.
func (c *Client) EnqueueConvert(ctx context.Context, payload ConvertPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(TaskConvertMedia, data)
	_, err = c.inner.EnqueueContext(ctx, task,
		asynq.MaxRetry(maxQueueRetry),
		asynq.Timeout(taskTimeout),
		asynq.Deadline(time.Now().Add(taskExpiry)),
	)
	if err != nil {
		return fmt.Errorf("enqueue convert task: %w", err)
	}
	return nil
}
