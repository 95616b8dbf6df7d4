package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults for a single unnamed
// account. Callers normally Load a file over it.
func Default() *Config {
	return &Config{
		WorkspaceRoot: "~/.openclaw/workspace",
		Accounts:      map[string]Account{},
		Automation: Automation{
			ReconcileOnStartup: true,
			StrictAgentOnly:    true,
		},
	}
}

// DefaultAccount returns an Account with every toggle at its shipped default.
func DefaultAccount() Account {
	return Account{
		EnableDeduplication:        true,
		ReplyAbortOnTimeout:        true,
		RoutePreemptOldRun:         true,
		InterruptCoalesceEnabled:   true,
		OutboundFallbackOnDrop:     true,
		InboundMediaUseStream:      true,
		InboundMediaFallbackGetMsg: true,
		StreamTransportEnabled:     true,
		TaskIdempotencyEnabled:     true,
	}
}

// Load reads a JSON5 config file, then overlays env vars. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays values from the environment. The workspace env
// var replaces the file's workspace root; the token env vars only fill in
// accounts whose file token is empty, so a token set in the file wins.
// Tokens are never written back to disk.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OPENCLAW_QQ_WORKSPACE"); v != "" {
		c.WorkspaceRoot = v
	}
	if v := os.Getenv("OPENCLAW_QQ_ACCESS_TOKEN"); v != "" {
		for id, acct := range c.Accounts {
			if acct.AccessToken == "" {
				acct.AccessToken = v
				c.Accounts[id] = acct
			}
		}
	}
	if v := os.Getenv("OPENCLAW_QQ_MEDIA_PROXY_TOKEN"); v != "" {
		for id, acct := range c.Accounts {
			if acct.MediaProxyToken == "" {
				acct.MediaProxyToken = v
				c.Accounts[id] = acct
			}
		}
	}
}

// Validate rejects configs that cannot run: every account needs a wsUrl and
// an access token (file or env).
func (c *Config) Validate() error {
	for id, acct := range c.Accounts {
		if acct.WSURL == "" {
			return fmt.Errorf("config: account %s: wsUrl is required", id)
		}
		if acct.AccessToken == "" {
			return fmt.Errorf("config: account %s: accessToken is required (set OPENCLAW_QQ_ACCESS_TOKEN)", id)
		}
	}
	return nil
}

// WorkspacePath returns the expanded workspace root.
func (c *Config) WorkspacePath() string {
	return ExpandHome(c.WorkspaceRoot)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:])
	}
	return home
}
