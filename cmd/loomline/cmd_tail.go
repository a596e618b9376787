package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/loomline/loomline/runtime/client"
	"github.com/loomline/loomline/runtime/hooks"
	"github.com/loomline/loomline/runtime/telemetry"
	"github.com/loomline/loomline/runtime/transcript"
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Attach to the session and print events until interrupted",
	Long: `Tail attaches to the workflow session and prints every conversation
event as one line on stdout. It never sends input; run "loomline chat" in
another terminal to answer input requests.`,
	Args: cobra.NoArgs,
	RunE: runTail,
}

func init() {
	rootCmd.AddCommand(tailCmd)
}

func runTail(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := validateIdentity(cfg); err != nil {
		return err
	}
	debug, _ := cmd.Flags().GetBool("debug")
	ctx := logContext(debug)

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
		client.WithLogger(telemetry.NewClueLogger()),
		client.WithMetrics(telemetry.NewClueMetrics()),
	}
	// The chat id is engine-confirmed during Attach, after the tap must
	// already be wired, so the stream id closure reads it from the client.
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

	sub := cli.OnNotice(func(n hooks.Notice) { printNotice(os.Stdout, n) })
	defer sub.Close()
	defer cli.Teardown()

	if err := cli.Attach(ctx); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	if err := saveSessionID(cfg, cli.SessionID()); err != nil {
		log.Errorf(ctx, err, "record session id")
	}
	log.Printf(ctx, "tailing session %s (ctrl-c to stop)", cli.SessionID())

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	err = <-errc
	log.Printf(ctx, "exiting (%v)", err)
	return nil
}

// printNotice renders one notice as one stdout line. Streaming messages are
// held back until the slot closes so each message prints exactly once.
func printNotice(w io.Writer, n hooks.Notice) {
	ts := time.Now().Format("15:04:05")
	switch v := n.(type) {
	case *hooks.MessageAppended:
		if v.Message.Streaming {
			return
		}
		fmt.Fprintf(w, "%s %s %s\n", ts, senderLabel(v.Message), v.Message.Content)
	case *hooks.MessageUpdated:
		if v.Message.Streaming {
			return
		}
		fmt.Fprintf(w, "%s %s %s\n", ts, senderLabel(v.Message), v.Message.Content)
	case *hooks.StatusChanged:
		fmt.Fprintf(w, "%s -- connection %s\n", ts, v.State)
	case *hooks.ArtifactChanged:
		if v.Snapshot == nil {
			fmt.Fprintf(w, "%s -- artifact closed\n", ts)
			return
		}
		fmt.Fprintf(w, "%s -- artifact %s updated\n", ts, v.Snapshot.ToolID)
	case *hooks.ToolInvoked:
		fmt.Fprintf(w, "%s -- tool %s invoked\n", ts, v.Invocation.ToolID)
	case *hooks.InputRequested:
		fmt.Fprintf(w, "%s -- input requested (%s): %s\n", ts, v.RequestID, v.Prompt)
	case *hooks.UsageUpdated:
		fmt.Fprintf(w, "%s -- usage in=%d out=%d total=%d\n", ts, v.Usage.InputTokens, v.Usage.OutputTokens, v.Usage.TotalTokens)
	case *hooks.RunFinished:
		fmt.Fprintf(w, "%s -- run complete\n", ts)
	case *hooks.Fault:
		fmt.Fprintf(w, "%s -- fault: %v\n", ts, v.Err)
	}
}

func senderLabel(m transcript.Message) string {
	switch m.Sender {
	case transcript.SenderUser:
		return "you:"
	case transcript.SenderSystem:
		return "system:"
	default:
		name := m.AgentName
		if name == "" {
			name = "agent"
		}
		return name + ":"
	}
}
