// Package worker runs scripts for a host. Each task brings its own tool
// manifest and callback; the sandbox inside the worker sees stubs whose
// every call is bridged back to the host.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/flemzord/codeclaw/internal/bridge"
	"github.com/flemzord/codeclaw/internal/sandbox"
	"github.com/flemzord/codeclaw/internal/security"
	"github.com/flemzord/codeclaw/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MaxTimeout caps the budget a task may ask for.
const MaxTimeout = 15 * time.Minute

var (
	ErrInvalidTask = errors.New("invalid task")
	errHostOnly    = errors.New("tool implementations run on the host")
)

// Config configures a Worker.
type Config struct {
	// Secret is the bearer token required on /tasks. Empty disables auth.
	Secret string

	// Timeout is the script budget for tasks that do not carry one.
	// Default sandbox.DefaultTimeout, the same as a local run.
	Timeout time.Duration

	MaxToolCalls int
	PreviewBytes int
	MaxLogLines  int

	// Bridge settings for calls back to the host.
	PollInterval time.Duration
	MaxWait      time.Duration
	Subscribe    bool

	MaxBodySize int

	Logger   *slog.Logger
	Audit    *security.AuditLogger
	Redactor *security.Redactor
	Metrics  *telemetry.Metrics
	Tracer   trace.Tracer
}

// Worker executes tasks.
type Worker struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a Worker.
func New(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = sandbox.DefaultTimeout
	}
	return &Worker{cfg: cfg, logger: cfg.Logger, tracer: telemetry.Tracer(cfg.Tracer)}
}

// Run executes one task. Failures are reported in the response.
func (w *Worker) Run(ctx context.Context, task bridge.TaskRequest) bridge.TaskResponse {
	ctx, span := w.tracer.Start(ctx, "worker.task", trace.WithAttributes(attribute.String("task.id", task.TaskID)))
	defer span.End()

	if err := validateTask(task); err != nil {
		return failedTask(task.TaskID, err)
	}
	tools, err := bridge.Compile(task.Tools, func(context.Context, any) (any, error) {
		return nil, errHostOnly
	})
	if err != nil {
		return failedTask(task.TaskID, fmt.Errorf("%w: %w", ErrInvalidTask, err))
	}

	invoker := bridge.New(bridge.Config{
		URL:          task.Callback.URL,
		Secret:       task.Callback.Secret,
		TaskID:       task.TaskID,
		PollInterval: w.cfg.PollInterval,
		MaxWait:      w.cfg.MaxWait,
		Subscribe:    w.cfg.Subscribe,
		Logger:       w.logger,
		Tracer:       w.cfg.Tracer,
	})
	runner := sandbox.New(sandbox.Config{
		Tools:        tools,
		Timeout:      w.taskTimeout(task.TimeoutMs),
		MaxToolCalls: w.cfg.MaxToolCalls,
		PreviewBytes: w.cfg.PreviewBytes,
		MaxLogLines:  w.cfg.MaxLogLines,
		Invoker:      invoker,
		Logger:       w.logger.With("task_id", task.TaskID),
		Audit:        w.cfg.Audit,
		Redactor:     w.cfg.Redactor,
		Metrics:      w.cfg.Metrics,
		Tracer:       w.cfg.Tracer,
	})

	resp := bridge.TaskResponseFrom(task.TaskID, runner.Run(ctx, task.Code))
	span.SetAttributes(attribute.String("task.status", string(resp.Status)))
	w.cfg.Metrics.Task(string(resp.Status))
	w.cfg.Audit.Log(security.AuditEvent{
		Type:   security.EventTask,
		TaskID: task.TaskID,
		Status: string(resp.Status),
		Detail: resp.Error,
	})
	return resp
}

func validateTask(task bridge.TaskRequest) error {
	switch {
	case task.TaskID == "":
		return fmt.Errorf("%w: taskId is required", ErrInvalidTask)
	case task.Callback.URL == "":
		return fmt.Errorf("%w: callback.url is required", ErrInvalidTask)
	}
	return nil
}

// taskTimeout is the budget the host asked for, which spans approval waits,
// or the worker's own script timeout when it asked for none.
func (w *Worker) taskTimeout(ms int64) time.Duration {
	if ms <= 0 {
		return min(w.cfg.Timeout, MaxTimeout)
	}
	return min(time.Duration(ms)*time.Millisecond, MaxTimeout)
}

func failedTask(id string, err error) bridge.TaskResponse {
	return bridge.TaskResponse{TaskID: id, Status: bridge.TaskFailed, Error: err.Error(), ExitCode: bridge.ExitFailed}
}

// Handler returns the worker's HTTP API.
func (w *Worker) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", w.cfg.Metrics.Handler())
	r.Group(func(r chi.Router) {
		r.Use(security.BearerAuth(w.cfg.Secret, w.cfg.Audit))
		r.Post(bridge.PathTasks, w.handleTask)
	})
	return r
}

func (w *Worker) handleTask(rw http.ResponseWriter, r *http.Request) {
	var task bridge.TaskRequest
	if err := security.DecodeJSON(r.Body, w.cfg.MaxBodySize, 0, &task); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, security.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		http.Error(rw, err.Error(), status)
		return
	}
	if err := validateTask(task); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	w.logger.Info("task received", "task_id", task.TaskID, "tools", len(task.Tools))
	writeJSON(rw, http.StatusOK, w.Run(r.Context(), task))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
