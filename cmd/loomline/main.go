// Command loomline is the reference front end for the Loomline runtime: an
// interactive chat TUI, a raw event tail and session administration, all
// speaking to the same engine through the runtime client.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	redisdriver "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	mongostore "github.com/loomline/loomline/features/store/mongo"
	clientsmongo "github.com/loomline/loomline/features/store/mongo/clients/mongo"
	redisstore "github.com/loomline/loomline/features/store/redis"
	sqlitestore "github.com/loomline/loomline/features/store/sqlite"
	pulsetap "github.com/loomline/loomline/features/tap/pulse"
	clientspulse "github.com/loomline/loomline/features/tap/pulse/clients/pulse"
	"github.com/loomline/loomline/runtime/store"
	"github.com/loomline/loomline/runtime/store/inmem"
	"github.com/loomline/loomline/runtime/wire"
)

var rootCmd = &cobra.Command{
	Use:           "loomline",
	Short:         "Chat with a workflow engine from the terminal",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	registerRootFlags(rootCmd)
}

// registerRootFlags installs the persistent flags shared by every
// subcommand. Factored out so configuration tests can build a command with
// the same flag set.
func registerRootFlags(cmd *cobra.Command) {
	fs := cmd.PersistentFlags()
	fs.String("config", "", "config file (default <data-dir>/config.yaml)")
	fs.Bool("debug", false, "enable debug logs")
	fs.String("engine-url", "", "engine control-plane base URL")
	fs.String("stream-url", "", "event stream base URL (default: engine URL)")
	fs.String("enterprise-id", "", "enterprise the workflow belongs to")
	fs.String("workflow", "", "workflow to chat with")
	fs.String("user-id", "", "user identity for this chat")
	fs.String("auth-token", "", "bearer token for engine and stream")
	fs.String("data-dir", "", "directory for local state (default ~/.loomline)")
	fs.String("store", "", "session store backend: sqlite, inmem, redis or mongo")
	fs.Bool("greeting", false, "workflow opens with its own greeting")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "loomline:", err)
		os.Exit(1)
	}
}

// logContext initializes clue logging once for this process: terminal format
// when attached to one, JSON otherwise, debug level on request.
func logContext(debug bool) context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}

// buildStore opens the configured session store. The returned cleanup
// releases the backing connection and is safe to call on every path.
func buildStore(cfg config) (store.Store, func(), error) {
	noop := func() {}
	switch cfg.Store.Backend {
	case backendInmem:
		return inmem.New(), noop, nil
	case backendSQLite:
		st, err := sqlitestore.NewStore(sqlitestore.Options{Path: cfg.Store.Path})
		if err != nil {
			return nil, nil, err
		}
		return st, noop, nil
	case backendRedis:
		ttl, err := parseDuration(cfg.Store.RedisTTL, "store.redis_ttl")
		if err != nil {
			return nil, nil, err
		}
		rdb := redisdriver.NewClient(&redisdriver.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
		})
		st, err := redisstore.NewStore(redisstore.Options{Client: rdb, TTL: ttl})
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		return st, func() { _ = rdb.Close() }, nil
	case backendMongo:
		mc, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Store.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		cleanup := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mc.Disconnect(ctx)
		}
		mcl, err := clientsmongo.New(clientsmongo.Options{Client: mc, Database: cfg.Store.MongoDatabase})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		st, err := mongostore.NewStore(mcl)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		return st, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// buildEventTap wires the Pulse tap when enabled. The chat id is not known
// until the engine confirms it, so the stream id is derived lazily through
// session, which must return empty only before attachment.
func buildEventTap(cfg config, session func() string) (*pulsetap.Tap, func(), error) {
	rdb := redisdriver.NewClient(&redisdriver.Options{
		Addr:     cfg.Tap.RedisAddr,
		Password: cfg.Tap.RedisPassword,
	})
	pc, err := clientspulse.New(clientspulse.Options{Redis: rdb, StreamMaxLen: cfg.Tap.MaxLen})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("pulse client: %w", err)
	}
	tap, err := pulsetap.NewTap(pulsetap.Options{
		Client: pc,
		StreamID: func(*wire.Event) (string, error) {
			id := session()
			if id == "" {
				return "", errors.New("no session established")
			}
			return pulsetap.SessionStream(id), nil
		},
	})
	if err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("event tap: %w", err)
	}
	return tap, func() { _ = rdb.Close() }, nil
}
