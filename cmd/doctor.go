package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/xingyingyuzhui/openclaw-QQ/internal/config"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/protocol"
	"github.com/xingyingyuzhui/openclaw-QQ/internal/routing"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Validate the config and probe the OneBot endpoint",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("✗ config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ config parsed: %s\n", cfgPath)
	fmt.Printf("✓ workspace: %s\n", cfg.WorkspacePath())

	failed := false
	for _, t := range cfg.Automation.Targets {
		route := routing.NormalizeTarget(t.Route)
		if !routing.IsValidQQRoute(route) {
			fmt.Printf("✗ automation target %s: invalid route %q\n", t.ID, t.Route)
			failed = true
		}
	}

	for id, acct := range cfg.Accounts {
		fmt.Printf("— account %s: %s\n", id, acct.WSURL)
		client := protocol.New(acct.WSURL, acct.AccessToken, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client.Start(ctx)
		if client.WaitUntilConnected(ctx, 8*time.Second) {
			fmt.Printf("  ✓ socket connected (self_id=%d)\n", client.SelfID())
		} else {
			fmt.Printf("  ✗ socket unreachable\n")
			failed = true
		}
		client.Stop()
		cancel()
	}

	if failed {
		os.Exit(1)
	}
	fmt.Println("all checks passed")
}
