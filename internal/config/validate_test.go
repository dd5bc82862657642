package config

import (
	"strings"
	"testing"

	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/modules/provider/openaicompat"
)

func TestValidate_Default(t *testing.T) {
	t.Parallel()

	if err := Validate(Default()); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestValidate_Version(t *testing.T) {
	t.Parallel()

	tests := []struct {
		version string
		want    string
	}{
		{"", "version field is required"},
		{"99", "unsupported version"},
	}
	for _, tt := range tests {
		cfg := Default()
		cfg.Version = tt.version
		err := Validate(cfg)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("version %q: err = %v, want %q", tt.version, err, tt.want)
		}
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Sandbox.MaxToolCalls = -1
	cfg.Agent.MaxCodeRuns = -5
	cfg.Store.Driver = "postgres"
	cfg.Telemetry.LogLevel = "verbose"
	cfg.Approval.SweepSchedule = "every minute"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{
		"sandbox.max_tool_calls",
		"agent.max_code_runs",
		"store.driver",
		"telemetry.log_level",
		"approval.sweep_schedule",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestValidate_NegativeTypecheckRetriesAllowed(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Agent.MaxTypecheckRetries = -1
	if err := Validate(cfg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_Policy(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Approval.Policy = approval.Policy{
		Allow: []string{"fs.write"},
		Deny:  []string{"fs.write"},
	}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "approval.policy") {
		t.Errorf("err = %v, want policy conflict", err)
	}
}

func TestValidate_Model(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Model.Providers = []openaicompat.Config{
		{BaseURL: "https://api.example.com/v1", Model: "a"},
		{Model: "b"},
		{BaseURL: "https://api.example.com/v1"},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	if !strings.Contains(err.Error(), "providers[1]: base_url") || !strings.Contains(err.Error(), "providers[2]: model") {
		t.Errorf("err = %v", err)
	}
	if strings.Contains(err.Error(), "providers[0]") {
		t.Errorf("providers[0] is valid: %v", err)
	}
}

func TestValidate_WorkerURL(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Host.WorkerURL = "ftp://worker"
	if err := Validate(cfg); err == nil || !strings.Contains(err.Error(), "worker_url") {
		t.Errorf("err = %v", err)
	}
}
