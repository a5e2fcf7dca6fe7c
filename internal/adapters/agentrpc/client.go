package agentrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elev8tion/agentdesk/internal/core/domain"
	"github.com/elev8tion/agentdesk/internal/core/ports"
)

// Client implements ports.AgentWorker against the external agent
// service over HTTP. The worker executes asynchronously and posts
// progress/terminal callbacks to this process's callback endpoints.
type Client struct {
	baseURL     string
	callbackURL string
	client      *http.Client
}

var _ ports.AgentWorker = (*Client)(nil)

func NewClient(baseURL, callbackURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9090"
	}
	return &Client{
		baseURL:     baseURL,
		callbackURL: callbackURL,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

type startTaskRequest struct {
	JobID       string            `json:"job_id"`
	AgentType   string            `json:"agent_type"`
	ActionType  string            `json:"action_type"`
	Params      map[string]string `json:"params,omitempty"`
	CallbackURL string            `json:"callback_url"`
}

func (c *Client) StartTask(ctx context.Context, task domain.TaskSpec) error {
	body := startTaskRequest{
		JobID:       string(task.JobID),
		AgentType:   string(task.AgentType),
		ActionType:  string(task.ActionType),
		Params:      task.Params,
		CallbackURL: c.callbackURL,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/tasks", bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent worker connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("agent worker returned status: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) StopTask(ctx context.Context, id domain.JobID) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", c.baseURL+"/v1/tasks/"+string(id), nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent worker connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("agent worker returned status: %d", resp.StatusCode)
	}
	return nil
}
