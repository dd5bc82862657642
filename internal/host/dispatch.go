package host

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flemzord/codeclaw/internal/bridge"
	"github.com/flemzord/codeclaw/internal/catalog"
	"github.com/flemzord/codeclaw/internal/sandbox"
	"github.com/flemzord/codeclaw/internal/security"
	"github.com/flemzord/codeclaw/internal/telemetry"
	"github.com/google/uuid"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Task timeouts.
const (
	DefaultTaskTimeout = 5 * time.Minute
	MaxTaskTimeout     = 15 * time.Minute

	// taskOverhead is added to the HTTP deadline so the worker can report
	// its own timeout before the request is cut.
	taskOverhead = 5 * time.Second
)

// TaskClientConfig configures a TaskClient.
type TaskClientConfig struct {
	// WorkerURL is the worker base URL.
	WorkerURL    string
	WorkerSecret string

	// CallbackURL is this host's externally reachable base URL.
	CallbackURL    string
	CallbackSecret string

	// Timeout is the end-to-end task timeout, capped at MaxTaskTimeout.
	Timeout time.Duration

	Client  *retryablehttp.Client
	Logger  *slog.Logger
	Audit   *security.AuditLogger
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
}

// TaskClient runs scripts on a remote worker whose tool calls come back
// to the Host. It has the same Execute shape as the local sandbox runner.
type TaskClient struct {
	host    *Host
	cfg     TaskClientConfig
	client  *retryablehttp.Client
	timeout time.Duration
	tracer  trace.Tracer
}

// NewTaskClient creates a TaskClient dispatching on behalf of h.
func NewTaskClient(h *Host, cfg TaskClientConfig) *TaskClient {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.WorkerURL = strings.TrimRight(cfg.WorkerURL, "/")
	client := cfg.Client
	if client == nil {
		client = retryablehttp.NewClient()
		// A task is not idempotent: never send it twice.
		client.RetryMax = 0
		client.Logger = nil
	}
	return &TaskClient{
		host:    h,
		cfg:     cfg,
		client:  client,
		timeout: ClampTimeout(cfg.Timeout),
		tracer:  telemetry.Tracer(cfg.Tracer),
	}
}

// ClampTimeout applies the task timeout default and ceiling.
func ClampTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTaskTimeout
	}
	return min(d, MaxTaskTimeout)
}

// Execute dispatches code to the worker with tools as its catalog and
// waits for the result. It never returns an error; dispatch failures are
// failed results.
func (c *TaskClient) Execute(ctx context.Context, tools *catalog.Table, code string) sandbox.RunResult {
	taskID := uuid.NewString()
	if tools == nil {
		tools = c.host.cfg.Tools
	}
	c.host.Bind(taskID, tools)
	defer c.host.Unbind(taskID)

	ctx, span := c.tracer.Start(ctx, "host.task", trace.WithAttributes(attribute.String("task.id", taskID)))
	start := time.Now()

	resp, err := c.dispatch(ctx, bridge.TaskRequest{
		TaskID:    taskID,
		Code:      code,
		TimeoutMs: c.timeout.Milliseconds(),
		Callback:  bridge.Callback{URL: c.cfg.CallbackURL, Secret: c.cfg.CallbackSecret},
		Tools:     bridge.Manifest(tools),
	})
	if err != nil {
		c.cfg.Logger.Warn("task dispatch failed", "task_id", taskID, "error", err)
		resp = bridge.TaskResponse{TaskID: taskID, Status: bridge.TaskFailed, Error: err.Error(), ExitCode: bridge.ExitFailed}
		if errors.Is(err, context.DeadlineExceeded) {
			resp.Status, resp.ExitCode = bridge.TaskTimedOut, bridge.ExitTimedOut
			resp.Error = fmt.Sprintf("%s after %s", sandbox.ErrTimeout, c.timeout)
		}
	}

	res := resp.RunResult()
	res.Duration = time.Since(start)

	c.cfg.Metrics.Task(string(resp.Status))
	c.cfg.Audit.Log(security.AuditEvent{
		Type:   security.EventTask,
		TaskID: taskID,
		Status: string(resp.Status),
		Detail: resp.Error,
	})
	c.cfg.Logger.Info("task finished",
		"task_id", taskID,
		"status", string(resp.Status),
		"tool_calls", len(res.Receipts),
		"duration", res.Duration,
	)
	span.SetAttributes(attribute.String("task.status", string(resp.Status)))
	var spanErr error
	if resp.Status != bridge.TaskCompleted {
		spanErr = errors.New(resp.Error)
	}
	telemetry.EndSpan(span, spanErr)
	return res
}

func (c *TaskClient) dispatch(ctx context.Context, task bridge.TaskRequest) (bridge.TaskResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout+taskOverhead)
	defer cancel()

	body, err := json.Marshal(task)
	if err != nil {
		return bridge.TaskResponse{}, err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WorkerURL+bridge.PathTasks, bytes.NewReader(body))
	if err != nil {
		return bridge.TaskResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.WorkerSecret != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.WorkerSecret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return bridge.TaskResponse{}, ctx.Err()
		}
		return bridge.TaskResponse{}, fmt.Errorf("sending task: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return bridge.TaskResponse{}, fmt.Errorf("worker returned %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var out bridge.TaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return bridge.TaskResponse{}, fmt.Errorf("decoding task response: %w", err)
	}
	return out, nil
}
