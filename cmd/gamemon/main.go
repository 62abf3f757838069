// gamemon - multi-server game player tracker
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"gamemon/internal/api"
	"gamemon/internal/config"
	"gamemon/internal/domain"
	"gamemon/internal/eventbus"
	"gamemon/internal/storage"
	"gamemon/internal/watcher"
)

var version = "dev"

const defaultConfigPath = "/etc/gamemon/config.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "watcher":
		cmdWatcher(os.Args[2:])
	case "user":
		cmdUser(os.Args[2:])
	case "game":
		cmdGame(os.Args[2:])
	case "nick":
		cmdNick(os.Args[2:])
	case "events":
		cmdEvents(os.Args[2:])
	case "plugins":
		cmdPlugins(os.Args[2:])
	case "version":
		fmt.Printf("gamemon %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: gamemon <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Start the tracker server")
	fmt.Println("  watcher list                        Show configured watchers")
	fmt.Println("  watcher add --name N --plugin P [--game ID] [--set key=value]...")
	fmt.Println("                                      Add a watcher")
	fmt.Println("  watcher remove <id>                 Remove a watcher")
	fmt.Println("  watcher config <id> [--set key=value]... [--unset key]...")
	fmt.Println("                                      Show or edit a watcher's config")
	fmt.Println("  watcher start|stop|reload <id>      Control a watcher on the running server")
	fmt.Println("  user add <name>                     Add a tracked user")
	fmt.Println("  game add <name>                     Add a game")
	fmt.Println("  nick add --user ID --game ID <nick> Map an in-game nickname to a user")
	fmt.Println("  events [--watcher N] [--type T] [--recent N]")
	fmt.Println("                                      Show recent events")
	fmt.Println("  plugins                             List available watcher plugins")
	fmt.Println("  version                             Show version")
	fmt.Println("  help                                Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/gamemon/config.yml)")
	fmt.Println("  --url <url>        Base URL of the gamemon server (default: derived from config)")
}

// cmdServe starts the tracker server
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfgPath := *configPath
	if cfgPath == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			cfgPath = defaultConfigPath
		} else {
			log.Fatalf("No config file found at %s. Use --config to specify a config file.", defaultConfigPath)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("gamemon %s starting...", version)

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()
	log.Printf("Database initialized at %s", cfg.Database.Path)

	hub := api.NewWebSocketHub()
	go hub.Run()

	var bus *eventbus.Publisher
	if cfg.NATS.URL != "" {
		bus, err = eventbus.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			log.Fatalf("Failed to connect to NATS at %s: %v", cfg.NATS.URL, err)
		}
		defer bus.Close()
		log.Printf("Publishing events to NATS at %s", cfg.NATS.URL)
	}

	sink := func(ev domain.Event) {
		hub.Broadcast(ev)
		if bus != nil {
			bus.Publish(ev)
		}
	}

	manager := watcher.NewManager(store, cfg.Database.Path, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager.ResumeRunning(ctx)
	log.Printf("Watcher manager started, %d watchers running", len(manager.Running()))

	router := api.NewRouter(store, manager, hub)

	addr := fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.HTTPPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case err := <-serverErr:
		log.Fatalf("HTTP server error: %v", err)
	}

	log.Println("Shutting down HTTP server...")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Stopping watchers...")
	manager.StopAll(ctx)

	cancel()
	log.Println("Shutdown complete")
}

// CLI helper variables
var (
	baseURL = "http://localhost:8080"
	dbPath  string
)

func loadCLIConfigFromFlags(configPath, url string) *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", configPath, err)
		dbPath = "/var/lib/gamemon/gamemon.db"
		if url != "" {
			baseURL = url
		}
		return nil
	}

	dbPath = cfg.Database.Path
	if url != "" {
		baseURL = url
	} else {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Server.ListenAddr, cfg.Server.HTTPPort)
	}
	return cfg
}

func loadCLIConfig(args []string) (*config.Config, []string) {
	fs := flag.NewFlagSet("cli", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	url := fs.String("url", "", "base URL of the gamemon server")
	fs.Parse(args)

	cfg := loadCLIConfigFromFlags(*configPath, *url)
	return cfg, fs.Args()
}

func openCLIStore() *storage.Store {
	store, err := storage.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	return store
}

func cmdWatcher(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: watcher subcommand required: list, add, remove, config, start, stop, reload\n")
		os.Exit(1)
	}

	subCmd := args[0]
	cfg, remaining := loadCLIConfig(args[1:])
	_ = cfg

	var err error
	switch subCmd {
	case "list":
		err = cmdWatcherList()
	case "add":
		err = cmdWatcherAdd(remaining)
	case "remove":
		err = cmdWatcherRemove(remaining)
	case "config":
		err = cmdWatcherConfig(remaining)
	case "start", "stop", "reload":
		err = cmdWatcherControl(subCmd, remaining)
	default:
		err = fmt.Errorf("unknown watcher command: %s (use: list, add, remove, config, start, stop, reload)", subCmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdWatcherList() error {
	var watchers []struct {
		domain.WatcherIdentity
		Running bool `json:"running"`
	}
	if err := getJSON("/api/watchers", &watchers); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPLUGIN\tGAME\tSTATE\tRUNNING")
	fmt.Fprintln(w, "--\t----\t------\t----\t-----\t-------")
	for _, wi := range watchers {
		game := "-"
		if wi.GameID != nil {
			game = fmt.Sprintf("%d", *wi.GameID)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%t\n", wi.ID, wi.Name, wi.Plugin, game, wi.State, wi.Running)
	}
	return w.Flush()
}

func cmdWatcherAdd(args []string) error {
	fs := flag.NewFlagSet("watcher add", flag.ExitOnError)
	name := fs.String("name", "", "watcher name")
	plugin := fs.String("plugin", "", "plugin name")
	gameID := fs.Int64("game", 0, "game ID the watcher tracks")
	sets := fs.StringArray("set", nil, "config entry key=value (repeatable)")
	fs.Parse(args)

	if *name == "" || *plugin == "" {
		return fmt.Errorf("usage: gamemon watcher add --name N --plugin P [--game ID] [--set key=value]...")
	}
	if !watcher.Registered(*plugin) {
		return fmt.Errorf("unknown plugin %q (available: %s)", *plugin, strings.Join(watcher.PluginNames(), ", "))
	}

	store := openCLIStore()
	defer store.Close()
	ctx := context.Background()

	identity := &domain.WatcherIdentity{Name: *name, Plugin: *plugin, State: domain.WatcherStopped}
	if *gameID != 0 {
		identity.GameID = gameID
	}
	if err := store.CreateWatcher(ctx, identity); err != nil {
		return err
	}
	for _, kv := range *sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --set %q, want key=value", kv)
		}
		if err := store.UpsertConfigEntry(ctx, identity.ID, key, value); err != nil {
			return err
		}
	}

	fmt.Printf("Added watcher %d (%s, plugin %s)\n", identity.ID, identity.Name, identity.Plugin)
	return nil
}

func cmdWatcherRemove(args []string) error {
	id, err := parseIDArg(args, "gamemon watcher remove <id>")
	if err != nil {
		return err
	}

	store := openCLIStore()
	defer store.Close()

	if err := store.DeleteWatcher(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("Removed watcher %d\n", id)
	return nil
}

func cmdWatcherConfig(args []string) error {
	fs := flag.NewFlagSet("watcher config", flag.ExitOnError)
	sets := fs.StringArray("set", nil, "config entry key=value (repeatable)")
	unsets := fs.StringArray("unset", nil, "config key to delete (repeatable)")
	fs.Parse(args)

	id, err := parseIDArg(fs.Args(), "gamemon watcher config <id> [--set key=value]... [--unset key]...")
	if err != nil {
		return err
	}

	store := openCLIStore()
	defer store.Close()
	ctx := context.Background()

	if _, err := store.GetWatcherByID(ctx, id); err != nil {
		return err
	}

	for _, kv := range *sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --set %q, want key=value", kv)
		}
		if err := store.UpsertConfigEntry(ctx, id, key, value); err != nil {
			return err
		}
	}
	for _, key := range *unsets {
		if err := store.DeleteConfigEntry(ctx, id, key); err != nil {
			return err
		}
	}

	entries, err := store.GetConfigEntries(ctx, id)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE")
	fmt.Fprintln(w, "---\t-----")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\n", e.Key, e.Value)
	}
	if len(*sets) > 0 || len(*unsets) > 0 {
		fmt.Fprintln(w, "\nA running watcher picks up changes on its next reload.")
	}
	return w.Flush()
}

// cmdWatcherControl talks to the running server: start/stop/reload act on the
// live worker registry, not just the database.
func cmdWatcherControl(action string, args []string) error {
	id, err := parseIDArg(args, fmt.Sprintf("gamemon watcher %s <id>", action))
	if err != nil {
		return err
	}

	var resp map[string]any
	if err := postJSON(fmt.Sprintf("/api/watchers/%d/%s", id, action), &resp); err != nil {
		return err
	}
	fmt.Printf("Watcher %d: %s ok\n", id, action)
	return nil
}

func cmdUser(args []string) {
	if len(args) < 1 || args[0] != "add" {
		fmt.Fprintf(os.Stderr, "Error: user subcommand required: add\n")
		os.Exit(1)
	}
	_, remaining := loadCLIConfig(args[1:])
	if len(remaining) < 1 {
		fmt.Fprintf(os.Stderr, "Error: usage: gamemon user add <name>\n")
		os.Exit(1)
	}

	store := openCLIStore()
	defer store.Close()

	u := &domain.User{Name: remaining[0]}
	if err := store.CreateUser(context.Background(), u); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Added user %d (%s)\n", u.ID, u.Name)
}

func cmdGame(args []string) {
	if len(args) < 1 || args[0] != "add" {
		fmt.Fprintf(os.Stderr, "Error: game subcommand required: add\n")
		os.Exit(1)
	}
	_, remaining := loadCLIConfig(args[1:])
	if len(remaining) < 1 {
		fmt.Fprintf(os.Stderr, "Error: usage: gamemon game add <name>\n")
		os.Exit(1)
	}

	store := openCLIStore()
	defer store.Close()

	g := &domain.Game{Name: remaining[0]}
	if err := store.CreateGame(context.Background(), g); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Added game %d (%s)\n", g.ID, g.Name)
}

func cmdNick(args []string) {
	if len(args) < 1 || args[0] != "add" {
		fmt.Fprintf(os.Stderr, "Error: nick subcommand required: add\n")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("nick add", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	url := fs.String("url", "", "base URL of the gamemon server")
	userID := fs.Int64("user", 0, "user ID")
	gameID := fs.Int64("game", 0, "game ID")
	fs.Parse(args[1:])
	loadCLIConfigFromFlags(*configPath, *url)

	remaining := fs.Args()
	if *userID == 0 || *gameID == 0 || len(remaining) < 1 {
		fmt.Fprintf(os.Stderr, "Error: usage: gamemon nick add --user ID --game ID <nick>\n")
		os.Exit(1)
	}

	store := openCLIStore()
	defer store.Close()

	if err := store.SetNickname(context.Background(), *userID, *gameID, remaining[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Mapped nickname %q to user %d for game %d\n", remaining[0], *userID, *gameID)
}

func cmdEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	url := fs.String("url", "", "base URL of the gamemon server")
	watcherID := fs.Int64("watcher", 0, "filter by watcher ID")
	eventType := fs.String("type", "", "filter by event type")
	recent := fs.Int("recent", 50, "number of events to show")
	fs.Parse(args)
	loadCLIConfigFromFlags(*configPath, *url)

	params := fmt.Sprintf("?limit=%d", *recent)
	if *watcherID != 0 {
		params += fmt.Sprintf("&watcher_id=%d", *watcherID)
	}
	if *eventType != "" {
		params += "&type=" + *eventType
	}

	var events []domain.Event
	if err := getJSON("/api/events"+params, &events); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tWATCHER\tUSER\tINFO")
	fmt.Fprintln(w, "----\t----\t-------\t----\t----")
	for _, ev := range events {
		watcherCol, userCol := "-", "-"
		if ev.WatcherID != nil {
			watcherCol = fmt.Sprintf("%d", *ev.WatcherID)
		}
		if ev.UserID != nil {
			userCol = fmt.Sprintf("%d", *ev.UserID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			ev.Time.Format("2006-01-02 15:04:05"), ev.Type, watcherCol, userCol, ev.Info)
	}
	w.Flush()
}

func cmdPlugins(args []string) {
	plugins := watcher.Plugins()
	names := make([]string, 0, len(plugins))
	for name := range plugins {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(w, "%s\n", name)
		schema := plugins[name]
		keys := make([]string, 0, len(schema))
		for key := range schema {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			ck := schema[key]
			required := "optional"
			if ck.Required {
				required = "required"
			}
			hint := ""
			if ck.Hint != "" {
				hint = "  (" + ck.Hint + ")"
			}
			fmt.Fprintf(w, "  %s\t%s, %s%s\n", key, ck.Type, required, hint)
		}
	}
	w.Flush()
}

func parseIDArg(args []string, usage string) (int64, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("usage: %s", usage)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid watcher id %q", args[0])
	}
	return id, nil
}

func getJSON(path string, target any) error {
	resp, err := http.Get(baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

func postJSON(path string, target any) error {
	resp, err := http.Post(baseURL+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if target == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}
