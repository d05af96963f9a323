// SPDX-License-Identifier: MIT

// Package upstream implements the typed client for the annotation store
// (Label Studio compatible API): list unlabeled tasks, fetch task metadata,
// create annotations.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
)

// Task is the slice of upstream task metadata the middleware reads.
type Task struct {
	ID              int64
	FileName        string
	DurationSeconds float64
}

// Client talks to the annotation store for one project.
type Client struct {
	base      string
	token     string
	projectID int
	http      *http.Client
}

// Options configures a Client.
type Options struct {
	Token     string
	ProjectID int
	Timeout   time.Duration
}

// New creates a client for the given base URL.
func New(base string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base:      strings.TrimRight(base, "/"),
		token:     opts.Token,
		projectID: opts.ProjectID,
		http:      &http.Client{Timeout: timeout},
	}
}

type taskPayload struct {
	ID               int64                  `json:"id"`
	TotalAnnotations int                    `json:"total_annotations"`
	Data             map[string]interface{} `json:"data"`
}

// ListUnlabeledTaskIDs returns every task of the project with zero
// annotations. The result is a complete snapshot at the time of the call.
func (c *Client) ListUnlabeledTaskIDs(ctx context.Context) ([]int64, error) {
	u := fmt.Sprintf("%s/api/projects/%d/tasks/?page_size=-1", c.base, c.projectID)
	body, err := c.get(ctx, "list tasks", u)
	if err != nil {
		return nil, err
	}

	var tasks []taskPayload
	if err := json.Unmarshal(body, &tasks); err != nil {
		// Some deployments wrap the list in an envelope.
		var envelope struct {
			Tasks []taskPayload `json:"tasks"`
		}
		if err2 := json.Unmarshal(body, &envelope); err2 != nil {
			return nil, &APIError{Sentinel: ErrBadResponse, Operation: "list tasks", Err: err}
		}
		tasks = envelope.Tasks
	}

	ids := make([]int64, 0, len(tasks))
	for _, t := range tasks {
		if t.TotalAnnotations == 0 {
			ids = append(ids, t.ID)
		}
	}
	return ids, nil
}

// GetTask fetches file name and duration for a single task.
func (c *Client) GetTask(ctx context.Context, taskID int64) (*Task, error) {
	u := fmt.Sprintf("%s/api/tasks/%d/", c.base, taskID)
	body, err := c.get(ctx, "get task", u)
	if err != nil {
		return nil, err
	}

	var p taskPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &APIError{Sentinel: ErrBadResponse, Operation: "get task", Err: err}
	}

	t := &Task{ID: taskID}
	if v, ok := p.Data["file_name"].(string); ok && v != "" {
		t.FileName = v
	} else if v, ok := p.Data["audio"].(string); ok && v != "" {
		t.FileName = path.Base(v)
	}
	if v, ok := p.Data["duration"].(float64); ok && v >= 0 {
		t.DurationSeconds = v
	}
	if t.FileName == "" {
		return nil, &APIError{Sentinel: ErrBadResponse, Operation: "get task", Body: "task data carries no file name"}
	}
	return t, nil
}

// CreateAnnotation posts the transcription as an annotation and returns its
// ID. The upstream call is not idempotent; callers must invoke it at most
// once per successful submission.
func (c *Client) CreateAnnotation(ctx context.Context, taskID int64, text string, agentID int64) (int64, error) {
	payload := map[string]interface{}{
		"result": []map[string]interface{}{
			{
				"from_name": "transcription",
				"to_name":   "audio",
				"type":      "textarea",
				"value":     map[string]interface{}{"text": []string{text}},
			},
		},
		"meta": map[string]interface{}{"agent_id": agentID},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, &APIError{Sentinel: ErrBadResponse, Operation: "create annotation", Err: err}
	}

	u := fmt.Sprintf("%s/api/tasks/%d/annotations/", c.base, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return 0, &APIError{Sentinel: ErrUnavailable, Operation: "create annotation", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	res, err := c.http.Do(req)
	if err != nil {
		return 0, &APIError{Sentinel: ErrUnavailable, Operation: "create annotation", Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return 0, statusError("create annotation", res.StatusCode, body)
	}

	var created struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.ID == 0 {
		return 0, &APIError{Sentinel: ErrBadResponse, Operation: "create annotation", Err: err}
	}
	return created.ID, nil
}

// HealthCheck probes the project endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	u := fmt.Sprintf("%s/api/projects/%d/", c.base, c.projectID)
	_, err := c.get(ctx, "health", u)
	return err
}

func (c *Client) get(ctx context.Context, op, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &APIError{Sentinel: ErrUnavailable, Operation: op, Err: err}
	}
	c.authorize(req)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Sentinel: ErrUnavailable, Operation: op, Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return nil, &APIError{Sentinel: ErrUnavailable, Operation: op, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, statusError(op, res.StatusCode, body)
	}
	return body, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}
}

func statusError(op string, status int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	switch {
	case status == http.StatusNotFound:
		return &APIError{Sentinel: ErrNotFound, Operation: op, Status: status}
	case status >= 500:
		return &APIError{Sentinel: ErrServer, Operation: op, Status: status, Body: snippet}
	default:
		return &APIError{Sentinel: ErrRejected, Operation: op, Status: status, Body: snippet}
	}
}
