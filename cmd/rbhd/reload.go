package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/clusterfs/rbhd/internal/config"
)

func newReloadCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Ask a running rbhd serve process to reload its configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return triggerReload(cmd.Context())
		},
	}
	return cmd
}

// triggerReload POSTs to the local admin server's /reload endpoint
// rather than mutating config in this process, since the running
// daemon holds the live config.ReloadCoordinator this command needs
// to reach.
func triggerReload(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("rbhd: load config: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	url := fmt.Sprintf("http://%s/reload", cfg.Server.Addr)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("rbhd: build reload request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("rbhd: reload request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rbhd: reload rejected by %s: status %s", url, resp.Status)
	}
	fmt.Println("reload accepted")
	return nil
}
