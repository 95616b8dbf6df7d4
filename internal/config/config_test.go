package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsAndClamps(t *testing.T) {
	a := DefaultAccount()

	if got := a.AggregateWindow(true); got != 900*time.Millisecond {
		t.Errorf("aggregate window = %v", got)
	}
	a.DMAggregateWindowMs = 500
	if got := a.AggregateWindow(true); got != 500*time.Millisecond {
		t.Errorf("dm window override = %v", got)
	}
	if got := a.AggregateWindow(false); got != 900*time.Millisecond {
		t.Errorf("group window should keep base default, got %v", got)
	}

	if a.HTTPRetries() != 2 {
		t.Errorf("default http retries = %d", a.HTTPRetries())
	}
	zero := 0
	a.InboundMediaHTTPRetries = &zero
	if a.HTTPRetries() != 0 {
		t.Error("explicit zero retries must stay zero")
	}

	if a.TaskRetries() != 1 || a.TaskConcurrency() != 1 {
		t.Errorf("task defaults = %d/%d", a.TaskRetries(), a.TaskConcurrency())
	}
	big := 99
	a.TaskMaxRetries = &big
	a.TaskMaxConcurrency = 99
	if a.TaskRetries() != 5 || a.TaskConcurrency() != 8 {
		t.Errorf("task clamps = %d/%d", a.TaskRetries(), a.TaskConcurrency())
	}

	a.TaskMaxRuntimeMs = 1
	if a.TaskMaxRuntime() != 5*time.Second {
		t.Errorf("runtime floor = %v", a.TaskMaxRuntime())
	}
	a.TaskMaxRuntimeMs = int(time.Hour / time.Millisecond)
	if a.TaskMaxRuntime() != 10*time.Minute {
		t.Errorf("runtime ceiling = %v", a.TaskMaxRuntime())
	}

	if a.EffectiveInterruptPolicy() != InterruptAdaptive {
		t.Errorf("default interrupt policy = %s", a.EffectiveInterruptPolicy())
	}

	au := Automation{ReconcileIntervalMs: 1000}
	if au.ReconcileInterval() != 15*time.Second {
		t.Errorf("reconcile floor = %v", au.ReconcileInterval())
	}
}

func TestLoadJSON5WithEnvToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{
		// comments are allowed
		workspaceRoot: "/tmp/ws",
		accounts: {
			main: {
				wsUrl: "ws://127.0.0.1:3001",
			},
		},
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OPENCLAW_QQ_ACCESS_TOKEN", "tok-from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	acct := cfg.Accounts["main"]
	if acct.AccessToken != "tok-from-env" {
		t.Errorf("token = %q", acct.AccessToken)
	}
	if cfg.WorkspaceRoot != "/tmp/ws" {
		t.Errorf("workspace = %q", cfg.WorkspaceRoot)
	}
}

func TestValidateRejectsMissingWSURL(t *testing.T) {
	cfg := Default()
	cfg.Accounts["a"] = Account{AccessToken: "x"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing wsUrl")
	}
}
