package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/controlplane"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard against the status API",
	Long: `Opens the terminal dashboard against --api (default: the configured listen
address). When stdout is not a terminal it prints a plain status block every
refresh instead.`,
	RunE: runWatch,
}

var (
	watchRefresh time.Duration
	watchStart   bool
)

func init() {
	watchCmd.Flags().DurationVar(&watchRefresh, "refresh", tui.DefaultRefresh, "Refresh interval")
	watchCmd.Flags().BoolVar(&watchStart, "start", false, "Start a background API server when none is reachable")
}

func runWatch(cmd *cobra.Command, args []string) error {
	addr := apiAddr
	if addr == "" {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		addr = cfg.API.Listen
	}
	client := controlplane.NewClient(addr)

	if !isAPIRunning(cmd.Context(), client) {
		if !watchStart {
			return fmt.Errorf("status API not reachable at %s (start one with 'billnews serve' or pass --start)", client.BaseURL())
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Status API not running. Starting background service...")
		if err := startAPI(cmd.Context(), client, addr); err != nil {
			return fmt.Errorf("failed to start API: %w", err)
		}
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		ctx, stop := signalContext(cmd.Context())
		defer stop()
		return watchPlain(ctx, cmd, client)
	}

	if err := tui.New(client, watchRefresh).Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func watchPlain(ctx context.Context, cmd *cobra.Command, src tui.Source) error {
	ticker := time.NewTicker(watchRefresh)
	defer ticker.Stop()
	for {
		snap, err := tui.Fetch(ctx, src)
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "--- %s\n", snap.FetchedAt.Format(time.RFC3339))
			if err := tui.RenderPlain(cmd.OutOrStdout(), snap); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func isAPIRunning(ctx context.Context, client *controlplane.Client) bool {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err := client.Health(ctx)
	return err == nil
}

// startAPI launches "billnews serve" detached and waits for it to answer.
func startAPI(ctx context.Context, client *controlplane.Client, addr string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	args := []string{"serve", "--listen", addr}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	proc := exec.Command(exe, args...)
	configureDetached(proc)
	proc.Stdin = nil
	proc.Stdout = nil
	proc.Stderr = nil
	if err := proc.Start(); err != nil {
		return err
	}

	for i := 0; i < 20; i++ {
		if isAPIRunning(ctx, client) {
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	return fmt.Errorf("server started but API not reachable at %s", client.BaseURL())
}
