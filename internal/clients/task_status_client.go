package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"paycore/internal/config"
)

// TaskStatusChecker answers whether an external task reached completion.
// Escrow release conditions are checked against it.
type TaskStatusChecker interface {
	TaskCompleted(ctx context.Context, taskRef string) (bool, error)
}

// TaskStatusClient queries the task collaborator's REST API.
type TaskStatusClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewTaskStatusClient creates the task status client.
func NewTaskStatusClient(cfg *config.TasksConfig) *TaskStatusClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &TaskStatusClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type taskStatusResponse struct {
	TaskRef string `json:"task_ref"`
	Status  string `json:"status"`
}

// TaskCompleted reports whether the referenced task is completed. Errors are
// returned as-is; the caller decides whether an unreachable collaborator
// blocks the operation.
func (c *TaskStatusClient) TaskCompleted(ctx context.Context, taskRef string) (bool, error) {
	url := fmt.Sprintf("%s/api/v1/tasks/%s/status", c.baseURL, taskRef)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("task status query failed for %s: %w", taskRef, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("task status query for %s returned HTTP %d", taskRef, resp.StatusCode)
	}

	var status taskStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, fmt.Errorf("invalid task status payload for %s: %w", taskRef, err)
	}
	return status.Status == "completed", nil
}
