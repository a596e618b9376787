package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loomline/loomline/runtime/client"
)

type (
	// config is the merged CLI configuration: defaults, then the YAML file,
	// then command line flags, later layers winning.
	config struct {
		// EngineURL is the engine control-plane base URL.
		EngineURL string `yaml:"engine_url"`
		// StreamURL is the event stream base URL; empty falls back to
		// EngineURL.
		StreamURL    string `yaml:"stream_url"`
		EnterpriseID string `yaml:"enterprise_id"`
		WorkflowName string `yaml:"workflow_name"`
		UserID       string `yaml:"user_id"`
		AuthToken    string `yaml:"auth_token"`
		// HasInitialGreeting declares that the workflow opens with its own
		// greeting.
		HasInitialGreeting bool `yaml:"has_initial_greeting"`
		// ConnectTimeout and PollInterval are Go duration strings ("10s").
		ConnectTimeout string `yaml:"connect_timeout"`
		PollInterval   string `yaml:"poll_interval"`
		// DataDir holds the SQLite database, the session pointer files and
		// debug logs.
		DataDir string      `yaml:"data_dir"`
		Store   storeConfig `yaml:"store"`
		Tap     tapConfig   `yaml:"tap"`
	}

	// storeConfig selects and parameterizes the session store backend.
	storeConfig struct {
		// Backend is one of sqlite, inmem, redis, mongo.
		Backend string `yaml:"backend"`
		// Path is the SQLite database file; empty derives
		// <data_dir>/loomline.db.
		Path          string `yaml:"path"`
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		// RedisTTL, a Go duration string, expires idle session state. Empty
		// keeps it forever.
		RedisTTL      string `yaml:"redis_ttl"`
		MongoURI      string `yaml:"mongo_uri"`
		MongoDatabase string `yaml:"mongo_database"`
	}

	// tapConfig enables republishing accepted events to a Pulse stream.
	tapConfig struct {
		Enabled       bool   `yaml:"enabled"`
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		// MaxLen bounds entries kept per stream; zero uses Pulse defaults.
		MaxLen int `yaml:"max_len"`
	}
)

const (
	backendSQLite = "sqlite"
	backendInmem  = "inmem"
	backendRedis  = "redis"
	backendMongo  = "mongo"
)

// defaultConfig returns the configuration used when no file and no flags are
// given: a local engine and an embedded SQLite store under ~/.loomline.
func defaultConfig() config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return config{
		EngineURL: "http://localhost:8080",
		DataDir:   filepath.Join(home, ".loomline"),
		Store: storeConfig{
			Backend:       backendSQLite,
			RedisAddr:     "localhost:6379",
			MongoURI:      "mongodb://localhost:27017",
			MongoDatabase: "loomline",
		},
		Tap: tapConfig{
			RedisAddr: "localhost:6379",
		},
	}
}

// loadConfig assembles the effective configuration for a command invocation.
// An explicitly flagged config file must exist; the default location
// (<data_dir>/config.yaml) is optional.
func loadConfig(cmd *cobra.Command) (config, error) {
	cfg := defaultConfig()

	path, _ := cmd.Flags().GetString("config")
	explicit := path != ""
	if path == "" {
		dir := cfg.DataDir
		// A data dir given on the command line relocates the default
		// config file along with the rest of the local state.
		if cmd.Flags().Changed("data-dir") {
			dir, _ = cmd.Flags().GetString("data-dir")
		}
		path = filepath.Join(dir, "config.yaml")
	}
	if err := loadFile(path, &cfg); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return config{}, err
		}
	}
	applyFlags(cmd, &cfg)

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = backendSQLite
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "loomline.db")
	}
	return cfg, nil
}

// loadFile unmarshals the YAML file at path over cfg, so absent keys keep
// their current values.
func loadFile(path string, cfg *config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyFlags overrides file values with flags the user actually set.
func applyFlags(cmd *cobra.Command, cfg *config) {
	fs := cmd.Flags()
	if fs.Changed("engine-url") {
		cfg.EngineURL, _ = fs.GetString("engine-url")
	}
	if fs.Changed("stream-url") {
		cfg.StreamURL, _ = fs.GetString("stream-url")
	}
	if fs.Changed("enterprise-id") {
		cfg.EnterpriseID, _ = fs.GetString("enterprise-id")
	}
	if fs.Changed("workflow") {
		cfg.WorkflowName, _ = fs.GetString("workflow")
	}
	if fs.Changed("user-id") {
		cfg.UserID, _ = fs.GetString("user-id")
	}
	if fs.Changed("auth-token") {
		cfg.AuthToken, _ = fs.GetString("auth-token")
	}
	if fs.Changed("data-dir") {
		cfg.DataDir, _ = fs.GetString("data-dir")
		// A data dir set on the command line also moves the derived paths.
		cfg.Store.Path = ""
	}
	if fs.Changed("store") {
		cfg.Store.Backend, _ = fs.GetString("store")
	}
	if fs.Changed("greeting") {
		cfg.HasInitialGreeting, _ = fs.GetBool("greeting")
	}
}

// validateIdentity checks the session identity triple every command needs.
func validateIdentity(cfg config) error {
	if cfg.EnterpriseID == "" || cfg.WorkflowName == "" || cfg.UserID == "" {
		return errors.New("enterprise_id, workflow_name and user_id are required (config file or flags)")
	}
	return nil
}

// clientConfig converts the file/flag configuration into the runtime client
// configuration. sessionID may be empty to start a fresh chat.
func clientConfig(cfg config, sessionID string) (client.Config, error) {
	ccfg := client.Config{
		EngineURL:          cfg.EngineURL,
		StreamURL:          cfg.StreamURL,
		EnterpriseID:       cfg.EnterpriseID,
		WorkflowName:       cfg.WorkflowName,
		UserID:             cfg.UserID,
		SessionID:          sessionID,
		AuthToken:          cfg.AuthToken,
		HasInitialGreeting: cfg.HasInitialGreeting,
	}
	var err error
	if ccfg.ConnectTimeout, err = parseDuration(cfg.ConnectTimeout, "connect_timeout"); err != nil {
		return client.Config{}, err
	}
	if ccfg.PollInterval, err = parseDuration(cfg.PollInterval, "poll_interval"); err != nil {
		return client.Config{}, err
	}
	return ccfg, nil
}

// parseDuration parses a Go duration string, treating empty as zero so the
// runtime's own defaults apply.
func parseDuration(s, field string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

// sessionFile is the pointer file recording the engine-assigned chat id for
// one identity triple. Keeping it per-triple lets several workflows share a
// data dir without clobbering each other's continuity.
func sessionFile(cfg config) string {
	name := sanitize(cfg.EnterpriseID) + "_" + sanitize(cfg.WorkflowName) + "_" + sanitize(cfg.UserID) + ".session"
	return filepath.Join(cfg.DataDir, "sessions", name)
}

// loadSessionID returns the stored chat id for this identity, or empty when
// none has been recorded. The engine has the last word on whether the chat
// still exists.
func loadSessionID(cfg config) string {
	data, err := os.ReadFile(sessionFile(cfg))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// saveSessionID records the chat id for later reattachment.
func saveSessionID(cfg config, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	path := sessionFile(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(sessionID+"\n"), 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

// clearSessionID removes the pointer file; a missing file is fine.
func clearSessionID(cfg config) error {
	err := os.Remove(sessionFile(cfg))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// sanitize maps an identity component onto a filename-safe token.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
