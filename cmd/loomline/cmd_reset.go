package main

import (
	"context"

	redisdriver "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"goa.design/clue/log"

	pulsetap "github.com/loomline/loomline/features/tap/pulse"
	clientspulse "github.com/loomline/loomline/features/tap/pulse/clients/pulse"
	"github.com/loomline/loomline/runtime/client"
	"github.com/loomline/loomline/runtime/telemetry"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Destroy the stored session state for this identity",
	Long: `Reset deletes the durable state recorded for the identity triple:
cursor, cache seed and artifact snapshot in the session store, the local
session pointer file, and the tap stream when one is configured. The next
chat starts from a clean slate.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := validateIdentity(cfg); err != nil {
		return err
	}
	debug, _ := cmd.Flags().GetBool("debug")
	ctx := logContext(debug)

	sessionID := loadSessionID(cfg)
	if sessionID == "" {
		log.Printf(ctx, "no stored session for %s/%s/%s", cfg.EnterpriseID, cfg.WorkflowName, cfg.UserID)
		return clearSessionID(cfg)
	}

	st, closeStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	ccfg, err := clientConfig(cfg, sessionID)
	if err != nil {
		return err
	}
	// Reset works unattached: it needs the store and the known chat id,
	// never the engine or the stream.
	cli, err := client.New(ccfg,
		client.WithStore(st),
		client.WithLogger(telemetry.NewClueLogger()),
		client.WithMetrics(telemetry.NewClueMetrics()),
	)
	if err != nil {
		return err
	}
	if err := cli.Reset(ctx); err != nil {
		return err
	}

	if cfg.Tap.Enabled {
		if err := destroyTapStream(ctx, cfg, sessionID); err != nil {
			// The stream may never have been created; state removal
			// already succeeded, so report and continue.
			log.Errorf(ctx, err, "destroy tap stream")
		}
	}
	if err := clearSessionID(cfg); err != nil {
		return err
	}
	log.Printf(ctx, "session %s reset", sessionID)
	return nil
}

// destroyTapStream removes the session's Pulse stream so observers do not
// replay a destroyed conversation.
func destroyTapStream(ctx context.Context, cfg config, sessionID string) error {
	rdb := redisdriver.NewClient(&redisdriver.Options{
		Addr:     cfg.Tap.RedisAddr,
		Password: cfg.Tap.RedisPassword,
	})
	defer func() { _ = rdb.Close() }()

	pc, err := clientspulse.New(clientspulse.Options{Redis: rdb})
	if err != nil {
		return err
	}
	tap, err := pulsetap.NewTap(pulsetap.Options{Client: pc, Session: sessionID})
	if err != nil {
		return err
	}
	return tap.Destroy(ctx)
}
