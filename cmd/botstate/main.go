// ABOUTME: Operator CLI for inspecting and mutating bot conversation state
// ABOUTME: Wires config, logging, SQLite store, and the metrics endpoint together

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/botstate/internal/config"
	"github.com/2389/botstate/internal/state"
)

// Version is set by goreleaser at build time.
var version = "dev"

// getConfigPath returns the path to the botstate config file.
// Priority: BOTSTATE_CONFIG env var > XDG_CONFIG_HOME/botstate/botstate.yaml > ~/.config/botstate/botstate.yaml
func getConfigPath() string {
	if envPath := os.Getenv("BOTSTATE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "botstate.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "botstate", "botstate.yaml")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}
	if cmd == "version" {
		fmt.Printf("botstate %s\n", version)
		return
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(setupLogger(cfg.Logging))

	var opts []state.Option
	if cfg.Database.Strict {
		opts = append(opts, state.WithStrictConcurrency())
	}
	store, err := state.NewSQLiteStore(cfg.Database.Path, opts...)
	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch cmd {
	case "get":
		err = cmdGet(store, args)
	case "set":
		err = cmdSet(store, args)
	case "delete":
		err = cmdDelete(store, args)
	case "history":
		err = cmdHistory(store, args)
	case "compact":
		err = cmdCompact(store, args)
	case "watch":
		err = cmdWatch(cfg)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Println("botstate - conversational bot state store")
	fmt.Println()
	fmt.Println("Usage: botstate <command> [flags]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  get       Load the current data bag for a scope")
	fmt.Println("  set       Save a data bag (JSON) for a scope, force-overwriting")
	fmt.Println("  delete    Remove the data bag for a scope")
	fmt.Println("  history   Dump the append-only row history for a scope")
	fmt.Println("  compact   Prune stale history rows for a scope")
	fmt.Println("  watch     Serve the prometheus metrics endpoint")
	fmt.Println("  version   Print version")
	fmt.Println()
	yellow.Println("Scope flags (get/set/delete/history/compact):")
	fmt.Println("  --scope <user|conversation|private>   Store type (default: conversation)")
	fmt.Println("  --channel <id>                        Channel ID (required)")
	fmt.Println("  --conversation <id>                   Conversation ID")
	fmt.Println("  --user <id>                           User ID")
	fmt.Println("  --bot <id>                            Bot ID")
	fmt.Println("  --service-url <url>                   Service endpoint URL")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  BOTSTATE_CONFIG   Config file path (default: ~/.config/botstate/botstate.yaml)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  botstate get --scope conversation --channel slack --conversation C123")
	fmt.Println("  botstate set --scope user --channel slack --user U42 '{\"count\": 1}'")
	fmt.Println("  botstate history --scope private --channel slack --conversation C123 --user U42")
}

// scopeFlags registers the shared address/scope flags on fs and returns the
// values to read after parsing.
func scopeFlags(fs *flag.FlagSet) (scope *string, addr *addrFlags) {
	scope = fs.String("scope", "conversation", "store type: user, conversation, or private")
	addr = &addrFlags{}
	fs.StringVar(&addr.bot, "bot", "", "bot ID")
	fs.StringVar(&addr.channel, "channel", "", "channel ID")
	fs.StringVar(&addr.conversation, "conversation", "", "conversation ID")
	fs.StringVar(&addr.user, "user", "", "user ID")
	fs.StringVar(&addr.serviceURL, "service-url", "", "service endpoint URL")
	return scope, addr
}

type addrFlags struct {
	bot, channel, conversation, user, serviceURL string
}

func (a *addrFlags) address() state.Address {
	return state.Address{
		BotID:          a.bot,
		ChannelID:      a.channel,
		ConversationID: a.conversation,
		UserID:         a.user,
		ServiceURL:     a.serviceURL,
	}
}

func parseScope(scope string) (state.StoreType, error) {
	switch scope {
	case "user":
		return state.UserData, nil
	case "conversation":
		return state.ConversationData, nil
	case "private":
		return state.PrivateConversationData, nil
	}
	return "", fmt.Errorf("unknown scope %q (want user, conversation, or private)", scope)
}

func cmdGet(store *state.SQLiteStore, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	scope, addr := scopeFlags(fs)
	fs.Parse(args)

	st, err := parseScope(*scope)
	if err != nil {
		return err
	}

	rec, err := store.Load(context.Background(), addr.address(), st)
	if err != nil {
		return err
	}

	if rec.Data == nil {
		color.Yellow("no data stored for this scope")
		return nil
	}

	out, err := json.MarshalIndent(rec.Data, "", "  ")
	if err != nil {
		return fmt.Errorf("rendering data: %w", err)
	}
	fmt.Println(string(out))
	color.New(color.FgHiBlack).Printf("etag: %s\n", rec.ETag)
	return nil
}

func cmdSet(store *state.SQLiteStore, args []string) error {
	fs := flag.NewFlagSet("set", flag.ExitOnError)
	scope, addr := scopeFlags(fs)
	fs.Parse(args)

	st, err := parseScope(*scope)
	if err != nil {
		return err
	}

	if fs.NArg() < 1 {
		return fmt.Errorf("set requires a JSON value argument")
	}

	var data any
	if err := json.Unmarshal([]byte(fs.Arg(0)), &data); err != nil {
		return fmt.Errorf("parsing JSON value: %w", err)
	}

	rec := &state.DataRecord{Data: data, ETag: state.ETagAny}
	if err := store.Save(context.Background(), addr.address(), st, rec); err != nil {
		return err
	}

	color.Green("saved (etag: %s)\n", rec.ETag)
	return nil
}

func cmdDelete(store *state.SQLiteStore, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	scope, addr := scopeFlags(fs)
	fs.Parse(args)

	st, err := parseScope(*scope)
	if err != nil {
		return err
	}

	rec := &state.DataRecord{Data: nil, ETag: state.ETagAny}
	if err := store.Save(context.Background(), addr.address(), st, rec); err != nil {
		return err
	}

	color.Green("deleted\n")
	return nil
}

func cmdHistory(store *state.SQLiteStore, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	scope, addr := scopeFlags(fs)
	fs.Parse(args)

	st, err := parseScope(*scope)
	if err != nil {
		return err
	}

	rows, err := store.History(context.Background(), addr.address(), st)
	if err != nil {
		return err
	}

	if len(rows) == 0 {
		color.Yellow("no rows stored for this scope")
		return nil
	}

	for i, row := range rows {
		marker := "      "
		if i == 0 {
			marker = color.GreenString("current")
		}
		data, _ := json.Marshal(row.Data)
		fmt.Printf("%s  %s  %s  %s\n", marker, row.Timestamp.Format(time.RFC3339), row.ETag, string(data))
	}
	return nil
}

func cmdCompact(store *state.SQLiteStore, args []string) error {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	scope, addr := scopeFlags(fs)
	fs.Parse(args)

	st, err := parseScope(*scope)
	if err != nil {
		return err
	}

	removed, err := store.CompactScope(context.Background(), addr.address(), st)
	if err != nil {
		return err
	}

	color.Green("removed %d stale row(s)\n", removed)
	return nil
}

func cmdWatch(cfg *config.Config) error {
	if !cfg.Metrics.Enabled {
		return fmt.Errorf("metrics are disabled in config")
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("serving metrics", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}

func setupLogger(cfg config.Logging) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
