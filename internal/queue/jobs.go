package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// ProcessDocumentTask is scheduled each time a document is uploaded.
	ProcessDocumentTask = "document:process"
)

// ProcessPayload is serialized into the task payload so the worker knows
// which record to process and where its raw bytes are staged.
type ProcessPayload struct {
	DocumentID  string `json:"document_id"`
	RawKey      string `json:"raw_key"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
}

// Client wraps the asynq client with the processing queue's retry policy.
type Client struct {
	client     *asynq.Client
	maxRetries int
}

// NewClient constructs a Client. maxRetries bounds how often a failing
// pipeline run is retried before the document stays failed.
func NewClient(client *asynq.Client, maxRetries int) *Client {
	return &Client{client: client, maxRetries: maxRetries}
}

// EnqueueProcess enqueues a document processing job. The upload request
// returns as soon as the job is queued; it never waits on extraction.
func (c *Client) EnqueueProcess(ctx context.Context, payload ProcessPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(ProcessDocumentTask, data)
	if _, err := c.client.EnqueueContext(ctx, task, asynq.MaxRetry(c.maxRetries)); err != nil {
		return fmt.Errorf("enqueue process task: %w", err)
	}
	return nil
}
