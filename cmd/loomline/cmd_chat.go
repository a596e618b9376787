package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/loomline/loomline/runtime/client"
	"github.com/loomline/loomline/runtime/hooks"
	"github.com/loomline/loomline/runtime/telemetry"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive chat session",
	Long: `Chat attaches to the workflow session in a full-screen terminal UI.
Type to answer input requests, ctrl+a toggles the artifact panel, ctrl+c
exits. The conversation continues where it left off on the next run.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := validateIdentity(cfg); err != nil {
		return err
	}

	// The TUI owns the terminal, so debug logs go to a file under the data
	// dir instead of stdout. Without --debug the runtime stays silent and
	// faults surface through the UI.
	ctx := context.Background()
	logger := telemetry.NewNoopLogger()
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		f, err := openDebugLog(cfg)
		if err != nil {
			return err
		}
		defer f.Close()
		ctx = log.Context(ctx, log.WithOutput(f), log.WithFormat(log.FormatJSON), log.WithDebug())
		logger = telemetry.NewClueLogger()
	}

	st, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ccfg, err := clientConfig(cfg, loadSessionID(cfg))
	if err != nil {
		return err
	}
	opts := []client.Option{
		client.WithStore(st),
		client.WithLogger(logger),
		client.WithMetrics(telemetry.NewClueMetrics()),
	}
	var cli *client.Client
	if cfg.Tap.Enabled {
		tap, closeTap, err := buildEventTap(cfg, func() string { return cli.SessionID() })
		if err != nil {
			return err
		}
		defer closeTap()
		opts = append(opts, client.WithEventTap(tap))
	}
	cli, err = client.New(ccfg, opts...)
	if err != nil {
		return err
	}

	// Notices arrive on the runtime's goroutines and are pumped into the
	// program through a channel the model re-arms after every receipt. The
	// send never blocks the inbound path; a dropped notice is repaired by
	// the next one because the model re-reads client state.
	notices := make(chan tea.Msg, 256)
	sub := cli.OnNotice(func(n hooks.Notice) {
		select {
		case notices <- noticeMsg{n: n}:
		default:
		}
	})
	defer sub.Close()
	defer cli.Teardown()

	attach := func() tea.Msg {
		if err := cli.Attach(ctx); err != nil {
			return attachFailedMsg{err: err}
		}
		if err := saveSessionID(cfg, cli.SessionID()); err != nil {
			return attachFailedMsg{err: err}
		}
		return attachDoneMsg{sessionID: cli.SessionID()}
	}

	p := tea.NewProgram(newChatModel(cfg, cli, notices, attach), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run ui: %w", err)
	}
	return nil
}

func openDebugLog(cfg config) (*os.File, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(cfg.DataDir, "loomline.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}
	return f, nil
}
