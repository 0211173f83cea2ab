package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/respcache/respcache/internal/transport"
	"github.com/respcache/respcache/pkg/utils"
)

func printRootHelp(w io.Writer) {
	fmt.Fprint(w, `respcache - caching HTTP client and reverse proxy

Usage:
  respcache <command> [options]

Available Commands:
  fetch     GET one or more URLs through the cache
  maintain  Run one maintenance sweep
  clear     Remove every cached response
  stats     Show cache statistics
  serve     Run the metrics endpoint, periodic maintenance and an optional reverse proxy
  help      Show help for a command

Every command accepts --config <path> (YAML). RESPCACHE_* environment
variables override the file.
`)
}

type command struct {
	usage string
	run   func(ctx context.Context, args []string) error
}

var commands = map[string]command{
	"fetch":    {usage: "respcache fetch [--config <path>] [--out <file>] <url>...", run: runFetch},
	"maintain": {usage: "respcache maintain [--config <path>]", run: runMaintain},
	"clear":    {usage: "respcache clear [--config <path>]", run: runClear},
	"stats":    {usage: "respcache stats [--config <path>] [--entries] [--json]", run: runStats},
	"serve":    {usage: "respcache serve [--config <path>] [--listen <addr>] [--upstream <url>]", run: runServe},
}

func main() {
	if len(os.Args) < 2 {
		printRootHelp(os.Stderr)
		os.Exit(1)
	}

	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		if len(os.Args) > 2 {
			if cmd, ok := commands[os.Args[2]]; ok {
				fmt.Println("Usage:\n  " + cmd.usage)
				return
			}
			fmt.Fprintf(os.Stderr, "Unknown help topic: %s\n\n", os.Args[2])
		}
		printRootHelp(os.Stdout)
		return
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
		printRootHelp(os.Stderr)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.run(ctx, os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "respcache %s: %v\n", name, err)
		os.Exit(1)
	}
}

// setup parses the shared flags, loads the configuration and wires the app.
func setup(ctx context.Context, fs *flag.FlagSet, args []string) (*app, error) {
	configPath := fs.String("config", "", "Path to configuration YAML file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return nil, err
	}
	logger, err := utils.NewLogger(utils.LogConfig{
		Level:  cfg.Global.LogLevel,
		Format: cfg.Global.LogFormat,
		File:   cfg.Global.LogFile,
	})
	if err != nil {
		return nil, err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

func (a *app) shutdown() {
	if err := a.Close(); err != nil {
		a.logger.Error("shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func runFetch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	out := fs.String("out", "", "Write bodies to this file instead of stdout")
	a, err := setup(ctx, fs, args)
	if err != nil {
		return err
	}
	defer a.shutdown()

	if fs.NArg() == 0 {
		return errors.New("at least one url is required")
	}

	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out) // #nosec G304 -- operator supplied path
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	client := a.transport.Client()
	for _, raw := range fs.Args() {
		if err := fetch(ctx, client, raw, w); err != nil {
			return err
		}
	}
	return nil
}

func fetch(ctx context.Context, client *http.Client, raw string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return err
	}
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return fmt.Errorf("%s: %w", raw, err)
	}
	fmt.Fprintf(os.Stderr, "%s %d %s %s %s\n", raw, resp.StatusCode,
		resp.Header.Get(transport.CacheStatusHeader), utils.FormatBytes(n), time.Since(start).Round(time.Microsecond))
	return nil
}

func runMaintain(ctx context.Context, args []string) error {
	a, err := setup(ctx, flag.NewFlagSet("maintain", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	defer a.shutdown()

	res, err := a.engine.RunOnce(ctx, a.params)
	if err != nil {
		return err
	}
	fmt.Printf("expired=%d evicted=%d freed=%s failed=%d took=%s\n",
		res.Expired, res.Evicted, utils.FormatBytes(res.FreedBytes), res.Failed, res.Duration)
	return nil
}

func runClear(ctx context.Context, args []string) error {
	a, err := setup(ctx, flag.NewFlagSet("clear", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	defer a.shutdown()

	select {
	case res := <-a.engine.BeginClear():
		fmt.Printf("removed=%d freed=%s failed=%d\n", res.Evicted, utils.FormatBytes(res.FreedBytes), res.Failed)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runStats(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	entries := fs.Bool("entries", false, "List cached entries")
	asJSON := fs.Bool("json", false, "Print JSON")
	a, err := setup(ctx, fs, args)
	if err != nil {
		return err
	}
	defer a.shutdown()

	stats := a.store.Stats()
	if *asJSON {
		doc := map[string]interface{}{"cache": stats, "pool": a.pool.Stats()}
		if *entries {
			doc["entries"] = a.store.Entries()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	}

	fmt.Printf("entries=%d size=%s pending_deletions=%d\n",
		stats.Entries, utils.FormatBytes(stats.Size), stats.PendingDeletions)
	if !*entries {
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSIZE\tCREATED\tLAST ACCESSED\tLOCATION")
	for _, e := range a.store.Entries() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Key, utils.FormatBytes(e.SizeBytes),
			e.Created.Format(time.RFC3339), e.LastAccessed.Format(time.RFC3339), e.Location)
	}
	return tw.Flush()
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := fs.String("listen", ":8080", "Reverse proxy listen address")
	upstream := fs.String("upstream", "", "Origin to proxy; the proxy is disabled when empty")
	a, err := setup(ctx, fs, args)
	if err != nil {
		return err
	}
	defer a.shutdown()

	if err := a.metrics.Start(ctx); err != nil {
		return err
	}
	if interval := a.cfg.Cache.MaintenanceInterval; interval > 0 {
		if err := a.engine.Start(ctx, interval, a.params); err != nil {
			return err
		}
	}

	if a.memory != nil {
		if err := a.memory.Start(ctx); err != nil {
			return err
		}
	}
	go a.health.StartHealthChecks(ctx, a.checkComponent)

	errCh := make(chan error, 1)
	var srv *http.Server
	if *upstream != "" {
		target, err := url.Parse(*upstream)
		if err != nil {
			return fmt.Errorf("invalid upstream: %w", err)
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.Transport = a.transport
		srv = &http.Server{Addr: *listen, Handler: proxy, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			a.logger.Info("starting reverse proxy", zap.String("listen", *listen), zap.String("upstream", *upstream))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down reverse proxy", zap.Error(err))
		}
	}
	return nil
}
