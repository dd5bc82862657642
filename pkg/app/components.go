package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flemzord/codeclaw/internal/agent"
	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/internal/config"
	"github.com/flemzord/codeclaw/internal/cron"
	"github.com/flemzord/codeclaw/internal/host"
	"github.com/flemzord/codeclaw/internal/provider"
	"github.com/flemzord/codeclaw/internal/sandbox"
	"github.com/flemzord/codeclaw/internal/security"
	"github.com/flemzord/codeclaw/internal/typecheck"
	"github.com/flemzord/codeclaw/internal/worker"
	"github.com/flemzord/codeclaw/modules/approvalstore/sqlite"
	"github.com/flemzord/codeclaw/modules/provider/anthropic"
	"github.com/flemzord/codeclaw/modules/provider/openaicompat"
)

// ErrNoModel is returned by Model when no model endpoint is configured.
var ErrNoModel = errors.New("app: no model endpoint configured")

// PolicyGate returns the configured policy in front of next. elevate opens
// a window during which ask-level paths are allowed.
func (a *App) PolicyGate(next approval.Gate, elevate time.Duration) *approval.PolicyGate {
	g := &approval.PolicyGate{Policy: a.Config.Approval.Policy, Next: next}
	if elevate > 0 {
		g.Elevated = approval.NewElevatedState()
		g.Elevated.Elevate(elevate)
		a.Logger.Warn("approval elevated: ask-level tools run without prompting", "for", elevate)
	}
	return g
}

// LocalRunner returns a sandbox runner executing tools in-process behind gate.
func (a *App) LocalRunner(gate approval.Gate) *sandbox.Runner {
	s := a.Config.Sandbox
	return sandbox.New(sandbox.Config{
		Tools:        a.Tools,
		Timeout:      s.Timeout,
		MaxToolCalls: s.MaxToolCalls,
		PreviewBytes: s.PreviewBytes,
		MaxLogLines:  s.MaxLogLines,
		Gate:         gate,
		Logger:       a.Logger,
		Audit:        a.Audit,
		Redactor:     a.Redactor,
		Metrics:      a.Metrics,
		Tracer:       a.Tracer,
	})
}

// Registry opens the configured approval store and returns a registry
// over it. The store is closed with the App.
func (a *App) Registry(ctx context.Context) (*approval.Registry, error) {
	var store approval.Store
	switch a.Config.Store.Driver {
	case config.StoreSQLite:
		s, err := sqlite.Open(ctx, a.Config.Store.SQLite)
		if err != nil {
			return nil, fmt.Errorf("app: approval store: %w", err)
		}
		a.onClose(func(context.Context) error { return s.Close() })
		store = s
	default:
		store = approval.NewMemoryStore()
	}
	ac := a.Config.Approval
	return approval.NewRegistry(store, approval.RegistryConfig{
		TTL:          ac.TTL,
		PollInterval: ac.PollInterval,
		Retention:    ac.Retention,
		Logger:       a.Logger,
	}), nil
}

// NewHost builds the host over reg.
func (a *App) NewHost(reg *approval.Registry) *host.Host {
	hc := a.Config.Host
	return host.New(host.Config{
		Tools:       a.Tools,
		Registry:    reg,
		Policy:      a.PolicyGate(nil, 0),
		RateLimiter: security.NewRateLimiter(hc.RateLimit),
		Secret:      hc.Secret,
		MaxBodySize: hc.MaxBodySize,
		Logger:      a.Logger.With("component", "host"),
		Audit:       a.Audit,
		Metrics:     a.Metrics,
		Tracer:      a.Tracer,
	})
}

// StartSweeper sweeps reg once and then on the configured schedule. The
// scheduler is stopped with the App.
func (a *App) StartSweeper(ctx context.Context, reg *approval.Registry) (*cron.Scheduler, error) {
	s := cron.NewScheduler(a.Logger)
	job := &cron.ApprovalSweepJob{Sweeper: reg, Logger: a.Logger, ScheduleExpr: a.Config.Approval.SweepSchedule}
	if err := s.RegisterJob(job); err != nil {
		return nil, err
	}
	if err := s.Trigger(ctx, job.Name()); err != nil {
		a.Logger.Warn("initial approval sweep failed", "error", err)
	}
	if err := s.Start(); err != nil {
		return nil, err
	}
	a.onClose(s.Stop)
	return s, nil
}

// TaskClient dispatches scripts from h to the configured worker.
func (a *App) TaskClient(h *host.Host) *host.TaskClient {
	hc := a.Config.Host
	return host.NewTaskClient(h, host.TaskClientConfig{
		WorkerURL:      hc.WorkerURL,
		WorkerSecret:   hc.WorkerSecret,
		CallbackURL:    hc.PublicURL,
		CallbackSecret: hc.Secret,
		Timeout:        hc.TaskTimeout,
		Logger:         a.Logger,
		Audit:          a.Audit,
		Metrics:        a.Metrics,
		Tracer:         a.Tracer,
	})
}

// NewWorker builds a worker from the worker and bridge sections.
func (a *App) NewWorker() *worker.Worker {
	wc, bc, sc := a.Config.Worker, a.Config.Bridge, a.Config.Sandbox
	return worker.New(worker.Config{
		Secret:       wc.Secret,
		Timeout:      sc.Timeout,
		MaxToolCalls: sc.MaxToolCalls,
		PreviewBytes: sc.PreviewBytes,
		MaxLogLines:  sc.MaxLogLines,
		PollInterval: bc.PollInterval,
		MaxWait:      bc.MaxWait,
		Subscribe:    bc.Subscribe,
		MaxBodySize:  wc.MaxBodySize,
		Logger:       a.Logger.With("component", "worker"),
		Audit:        a.Audit,
		Redactor:     a.Redactor,
		Metrics:      a.Metrics,
		Tracer:       a.Tracer,
	})
}

// Model builds the configured model endpoints behind a failover.
func (a *App) Model() (provider.Provider, error) {
	mc := a.Config.Model
	if len(mc.Providers)+len(mc.Anthropic) == 0 {
		return nil, ErrNoModel
	}
	providers := make([]provider.Provider, 0, len(mc.Providers)+len(mc.Anthropic))
	for i, pc := range mc.Providers {
		p, err := openaicompat.New(pc, a.Logger.With("model", pc.Model))
		if err != nil {
			return nil, fmt.Errorf("app: model.providers[%d]: %w", i, err)
		}
		providers = append(providers, p)
	}
	for i, ac := range mc.Anthropic {
		p, err := anthropic.New(ac, a.Logger.With("provider", "anthropic"))
		if err != nil {
			return nil, fmt.Errorf("app: model.anthropic[%d]: %w", i, err)
		}
		providers = append(providers, p)
	}
	f, err := provider.NewFailover(providers,
		provider.WithBackoff(mc.BackoffInitial, mc.BackoffMax),
		provider.WithLogger(a.Logger),
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// NewLoop builds the agent loop over model and runner.
func (a *App) NewLoop(model provider.Provider, runner agent.Runner, opts ...agent.Option) *agent.Loop {
	ac := a.Config.Agent
	cfg := agent.Config{
		MaxCodeRuns:         ac.MaxCodeRuns,
		MaxTypecheckRetries: ac.MaxTypecheckRetries,
		MaxTurns:            ac.MaxTurns,
		DiscoveryThreshold:  ac.DiscoveryThreshold,
		TokenBudget:         ac.TokenBudget,
		Timeout:             ac.Timeout,
		PreviewBytes:        ac.PreviewBytes,
		SystemPrompt:        ac.SystemPrompt,
	}
	base := []agent.Option{
		agent.WithLogger(a.Logger.With("component", "agent")),
		agent.WithMetrics(a.Metrics),
		agent.WithTracer(a.Tracer),
	}
	if ac.Typecheck != nil && !*ac.Typecheck {
		base = append(base, agent.WithChecker(typecheck.CheckerFunc(
			func(context.Context, string, string) ([]typecheck.Diagnostic, error) { return nil, nil },
		)))
	}
	return agent.NewLoop(model, runner, a.Tools, cfg, append(base, opts...)...)
}
