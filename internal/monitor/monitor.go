// Package monitor implements the idempotent progress-push client for the
// external task-monitor API. Every
// call is best-effort: failures log a warning and never abort the caller.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cklxx/orchestrate/internal/logging"
)

// idempotencyCacheSize bounds the LRU of recently-pushed update keys so
// update() calls are idempotent without an unbounded map.
const idempotencyCacheSize = 4096

// Client talks to TASK_MONITOR_API_URL. A nil/disabled Client degrades
// every call to a no-op.
type Client struct {
	baseURL string
	enabled bool
	http    *http.Client
	logger  logging.Logger
	seen    *lru.Cache[string, struct{}]
}

// New returns a Client. enabled mirrors TASK_MONITOR_ENABLED; when false,
// every method is a silent no-op regardless of baseURL.
func New(baseURL string, enabled bool, logger logging.Logger) *Client {
	cache, _ := lru.New[string, struct{}](idempotencyCacheSize)
	return &Client{
		baseURL: baseURL,
		enabled: enabled && baseURL != "",
		http:    &http.Client{Timeout: 5 * time.Second},
		logger:  logging.OrNop(logger),
		seen:    cache,
	}
}

// PlanSummary is the minimal shape register() announces.
type PlanSummary struct {
	TaskCount int `json:"task_count"`
	GroupMax  int `json:"group_max"`
}

// Counters accompany an update() call.
type Counters struct {
	Attempt int `json:"attempt"`
}

// Register announces a new session.
func (c *Client) Register(ctx context.Context, sessionID string, summary PlanSummary) {
	if c == nil || !c.enabled {
		return
	}
	c.post(ctx, "/sessions/"+sessionID+"/register", summary)
}

// Update pushes a task's state transition, deduplicated via an in-process
// LRU so repeated calls for the same (sessionID, taskID, state, attempt)
// tuple are idempotent even without server-side support.
func (c *Client) Update(ctx context.Context, sessionID, taskID, state string, counters Counters) {
	if c == nil || !c.enabled {
		return
	}
	key := fmt.Sprintf("%s|%s|%s|%d", sessionID, taskID, state, counters.Attempt)
	if c.seen != nil {
		if _, ok := c.seen.Get(key); ok {
			return
		}
		c.seen.Add(key, struct{}{})
	}
	c.post(ctx, "/sessions/"+sessionID+"/tasks/"+taskID, struct {
		State    string   `json:"state"`
		Counters Counters `json:"counters"`
	}{State: state, Counters: counters})
}

// Complete announces session completion.
func (c *Client) Complete(ctx context.Context, sessionID string, summary any) {
	if c == nil || !c.enabled {
		return
	}
	c.post(ctx, "/sessions/"+sessionID+"/complete", summary)
}

func (c *Client) post(ctx context.Context, path string, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		c.logger.Warn("monitor: marshal %s: %v", path, err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		c.logger.Warn("monitor: build request %s: %v", path, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("monitor: unreachable: %s: %v", path, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		c.logger.Warn("monitor: %s returned status %d", path, resp.StatusCode)
	}
}
