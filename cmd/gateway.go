package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/agent"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/config"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/gateway"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway (also the default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if len(cfg.Accounts) == 0 {
		slog.Error("no accounts configured", "config", cfgPath)
		os.Exit(1)
	}
	if len(cfg.AgentCommand) == 0 {
		slog.Error("agentCommand is required — the gateway needs an agent runtime to dispatch turns to")
		os.Exit(1)
	}

	runner, err := agent.NewCommandRunner(cfg.AgentCommand, slog.Default())
	if err != nil {
		slog.Error("agent runner setup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var gws []*gateway.Gateway
	var wg sync.WaitGroup
	for id := range cfg.Accounts {
		acct := cfg.Accounts[id]
		gw := gateway.New(id, cfg, &acct, runner, slog.Default())
		gws = append(gws, gw)
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := gw.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("gateway stopped", "account", id, "error", err)
			}
		}(id)
	}

	// Hot reload: config changes re-read the file and swap automation
	// targets; transport settings need a restart.
	watcher := config.NewWatcher(slog.Default(), cfgPath)
	if err := watcher.Start(ctx); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				next, err := config.Load(cfgPath)
				if err != nil {
					slog.Warn("config reload failed", "error", err)
					continue
				}
				for _, gw := range gws {
					gw.Scheduler().UpdateTargets(next.Automation.Targets)
				}
				slog.Info("automation targets reloaded", "count", len(next.Automation.Targets))
			}
		}()
	}

	<-ctx.Done()
	slog.Info("shutting down")
	wg.Wait()
}
