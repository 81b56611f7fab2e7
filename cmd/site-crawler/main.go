package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/noname-app/site-crawler/pkg/audit"
	"github.com/noname-app/site-crawler/pkg/config"
	"github.com/noname-app/site-crawler/pkg/fetch"
	"github.com/noname-app/site-crawler/pkg/models"
	"github.com/noname-app/site-crawler/pkg/orchestrate"
	"github.com/noname-app/site-crawler/pkg/storage"
	"github.com/noname-app/site-crawler/pkg/watch"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "crawl":
		runCrawl(os.Args[2:])
	case "crawl-all":
		runCrawlAll(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "list-tenants":
		runListTenants(os.Args[2:])
	case "mcp-server":
		runMcpServer(os.Args[2:])
	case "version":
		fmt.Printf("site-crawler version %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printUsageTo(os.Stdout)
}

func printUsageTo(w io.Writer) {
	fmt.Fprint(w, `site-crawler - crawl tenant websites and hand changed pages to the audit stage

Usage:
  site-crawler <command> [options]

Commands:
  crawl         Crawl one tenant website
  crawl-all     Crawl every configured tenant (or a subset)
  watch         Re-crawl tenants on a schedule
  validate      Validate the configuration file
  list-tenants  List the configured tenants
  mcp-server    Start an MCP server exposing crawl tools
  version       Show version information
  help          Show this help message

Examples:
  site-crawler crawl -config config.yaml -tenant acme
  site-crawler crawl -config config.yaml -tenant acme -website https://acme.example
  site-crawler crawl-all -config config.yaml -tenants acme,globex
  site-crawler watch -config config.yaml -interval 24h
  site-crawler validate -config config.yaml

Run 'site-crawler <command> -h' for command options.
`)
}

// loadConfig reads and validates the config file, returning the warnings
func loadConfig(path string) (*config.AppConfig, []string, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, warnings, err
	}
	return cfg, warnings, nil
}

// setupLogger builds the process logger. An unknown level falls back to info.
func setupLogger(logLevel string, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'", logLevel)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

// components are the long-lived pieces one command shares across crawls
type components struct {
	store        storage.Store
	dispatcher   audit.Dispatcher
	orchestrator *orchestrate.Orchestrator
	stopGC       context.CancelFunc
	log          *logrus.Entry
}

func newComponents(ctx context.Context, cfg *config.AppConfig, log *logrus.Logger) (*components, error) {
	entry := log.WithField("component", "main")

	store, err := storage.Open(ctx, cfg, log.WithField("component", "storage"))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	dispatcher, err := audit.NewDispatcher(cfg.Audit, log.WithField("component", "audit"))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	factory, err := fetch.NewSessionFactory(cfg, log.WithField("component", "fetch"))
	if err != nil {
		_ = dispatcher.Close()
		_ = store.Close()
		return nil, err
	}

	orch, err := orchestrate.New(cfg, factory, store, dispatcher, log.WithField("component", "orchestrator"))
	if err != nil {
		_ = dispatcher.Close()
		_ = store.Close()
		return nil, err
	}

	gcCtx, stopGC := context.WithCancel(context.WithoutCancel(ctx))
	if gc, ok := store.(interface {
		RunGC(ctx context.Context, interval time.Duration)
	}); ok {
		go gc.RunGC(gcCtx, 10*time.Minute)
	}

	return &components{
		store:        store,
		dispatcher:   dispatcher,
		orchestrator: orch,
		stopGC:       stopGC,
		log:          entry,
	}, nil
}

// Close waits for pending audit handoffs, then releases the backends
func (c *components) Close() {
	c.orchestrator.Wait()
	c.stopGC()
	if err := c.dispatcher.Close(); err != nil {
		c.log.Errorf("Closing audit dispatcher: %v", err)
	}
	if err := c.store.Close(); err != nil {
		c.log.Errorf("Closing storage: %v", err)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM. A second signal exits
// immediately.
func signalContext(log *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Initiating graceful shutdown...", sig)
			cancel()
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sigChan:
			log.Warnf("Received second signal: %v. Forcing exit.", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			log.Warn("Graceful shutdown period exceeded after signal. Forcing exit.")
			os.Exit(1)
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

func startPprof(addr string, log *logrus.Logger) {
	if addr == "" {
		return
	}
	go func() {
		log.Infof("Starting pprof HTTP server on: http://%s/debug/pprof/", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Errorf("Pprof server failed to start on %s: %v", addr, err)
		}
	}()
}

// runCrawl handles the crawl subcommand
func runCrawl(args []string) {
	fs := flag.NewFlagSet("crawl", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	tenant := fs.String("tenant", "", "Tenant id (required)")
	website := fs.String("website", "", "Website to crawl (defaults to the tenant's configured website)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: site-crawler crawl -tenant <id> [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doCrawl(*configFile, *tenant, *website, *logLevel, os.Stdout, os.Stderr))
}

// doCrawl is the testable implementation of the crawl command
func doCrawl(configPath, tenantID, website, logLevel string, stdout, stderr io.Writer) int {
	if strings.TrimSpace(tenantID) == "" {
		fmt.Fprintln(stderr, "ERROR: -tenant is required")
		return 1
	}
	cfg, warnings, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	if website == "" {
		tenant, ok := cfg.Tenant(tenantID)
		if !ok {
			fmt.Fprintf(stderr, "ERROR: tenant '%s' is not configured, pass -website\n", tenantID)
			return 1
		}
		website = tenant.Website
	}

	log := setupLogger(logLevel, stderr)
	for _, w := range warnings {
		log.Warn(w)
	}
	ctx, stop := signalContext(log)
	defer stop()

	comps, err := newComponents(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	defer comps.Close()

	job, err := comps.orchestrator.Crawl(ctx, tenantID, website)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	printJob(stdout, job)
	if job.Status != models.JobStatusSuccess {
		return 1
	}
	return 0
}

func printJob(w io.Writer, job *models.CrawlJob) {
	fmt.Fprintf(w, "Job %s [%s] %s: %s\n", job.ID, job.TenantID, job.WebsiteURL, job.Status)
	fmt.Fprintf(w, "  Pages visited: %d (failed: %d), max depth: %d\n", job.PagesVisited, job.PagesFailed, job.MaxDepth)
	fmt.Fprintf(w, "  Changed pages: %d\n", job.ChangedCount)
	if job.FinishedAt != nil {
		fmt.Fprintf(w, "  Duration: %v\n", job.Duration().Round(time.Millisecond))
	}
	if job.Error != "" {
		fmt.Fprintf(w, "  Error (%s): %s\n", job.ErrorType, job.Error)
	}
}

// runCrawlAll handles the crawl-all subcommand
func runCrawlAll(args []string) {
	fs := flag.NewFlagSet("crawl-all", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	tenants := fs.String("tenants", "", "Comma-separated tenant ids (default: all)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error)")
	pprofAddr := fs.String("pprof", "", "Address for pprof HTTP server (e.g. 'localhost:6060')")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: site-crawler crawl-all [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doCrawlAll(*configFile, *tenants, *logLevel, *pprofAddr, os.Stdout, os.Stderr))
}

// doCrawlAll is the testable implementation of the crawl-all command
func doCrawlAll(configPath, tenantList, logLevel, pprofAddr string, stdout, stderr io.Writer) int {
	cfg, warnings, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	tenants, err := orchestrate.SelectTenants(cfg, splitList(tenantList))
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	if len(tenants) == 0 {
		fmt.Fprintln(stderr, "ERROR: no tenants configured")
		return 1
	}

	log := setupLogger(logLevel, stderr)
	for _, w := range warnings {
		log.Warn(w)
	}
	startPprof(pprofAddr, log)
	ctx, stop := signalContext(log)
	defer stop()

	comps, err := newComponents(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	defer comps.Close()

	exitCode := 0
	for _, r := range comps.orchestrator.CrawlAll(ctx, tenants) {
		switch {
		case r.Err != nil:
			fmt.Fprintf(stdout, "FAIL: [%s] %v\n", r.TenantID, r.Err)
			exitCode = 1
		case !r.Success():
			fmt.Fprintf(stdout, "FAIL: [%s] %s\n", r.TenantID, r.Job.Error)
			exitCode = 1
		default:
			fmt.Fprintf(stdout, "OK: [%s] %d pages, %d changed\n", r.TenantID, r.Job.PagesVisited, r.Job.ChangedCount)
		}
	}
	return exitCode
}

// runWatch handles the watch subcommand
func runWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	tenants := fs.String("tenants", "", "Comma-separated tenant ids (default: all)")
	interval := fs.String("interval", "", "Re-crawl interval, e.g. 24h or 7d (default: watch.interval from config)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error)")
	pprofAddr := fs.String("pprof", "", "Address for pprof HTTP server (e.g. 'localhost:6060')")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: site-crawler watch [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doWatch(*configFile, *tenants, *interval, *logLevel, *pprofAddr, os.Stdout, os.Stderr))
}

// doWatch is the testable implementation of the watch command. It blocks
// until a signal arrives.
func doWatch(configPath, tenantList, intervalStr, logLevel, pprofAddr string, stdout, stderr io.Writer) int {
	cfg, warnings, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	if intervalStr == "" {
		intervalStr = cfg.Watch.Interval
	}
	interval, err := watch.ParseInterval(intervalStr)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	tenants, err := orchestrate.SelectTenants(cfg, splitList(tenantList))
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	if len(tenants) == 0 {
		fmt.Fprintln(stderr, "ERROR: no tenants configured")
		return 1
	}

	log := setupLogger(logLevel, stderr)
	for _, w := range warnings {
		log.Warn(w)
	}
	startPprof(pprofAddr, log)
	ctx, stop := signalContext(log)
	defer stop()

	comps, err := newComponents(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	defer comps.Close()

	fmt.Fprintf(stdout, "Watching %d tenant(s) every %s\n", len(tenants), watch.FormatInterval(interval))
	scheduler := watch.NewScheduler(tenants, comps.orchestrator, interval, cfg.Watch.StateDir, log.WithField("component", "watch"))
	if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	return 0
}

// runValidate handles the validate subcommand
func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: site-crawler validate [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doValidate(*configFile, os.Stdout, os.Stderr))
}

// doValidate is the testable implementation of the validate command
func doValidate(configPath string, stdout, stderr io.Writer) int {
	cfg, warnings, err := loadConfig(configPath)
	for _, w := range warnings {
		fmt.Fprintf(stdout, "WARN: %s\n", w)
	}
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	if _, err := watch.ParseInterval(cfg.Watch.Interval); err != nil {
		fmt.Fprintf(stderr, "ERROR: watch.interval: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "OK: storage %s, job log %s, audit %s, renderer %s\n",
		cfg.Storage.Backend, cfg.JobLog.Backend, cfg.Audit.Backend, cfg.Renderer)
	for _, t := range cfg.Tenants {
		fmt.Fprintf(stdout, "OK: [%s] %s\n", t.ID, t.Website)
	}
	fmt.Fprintln(stdout, "\nConfiguration valid.")
	return 0
}

// runListTenants handles the list-tenants subcommand
func runListTenants(args []string) {
	fs := flag.NewFlagSet("list-tenants", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doListTenants(*configFile, os.Stdout, os.Stderr))
}

// doListTenants is the testable implementation of the list-tenants command
func doListTenants(configPath string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}
	if len(cfg.Tenants) == 0 {
		fmt.Fprintf(stdout, "No tenants configured in %s\n", configPath)
		return 0
	}

	fmt.Fprintf(stdout, "Tenants in %s:\n\n", configPath)
	for _, t := range cfg.Tenants {
		fmt.Fprintf(stdout, "  %s\n", t.ID)
		fmt.Fprintf(stdout, "    Website: %s\n", t.Website)
	}
	return 0
}

// splitList splits a comma-separated flag value, dropping empty items
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
