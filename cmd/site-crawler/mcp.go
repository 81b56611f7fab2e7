package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/noname-app/site-crawler/pkg/mcp"
)

// runMcpServer handles the mcp-server subcommand
func runMcpServer(args []string) {
	fs := flag.NewFlagSet("mcp-server", flag.ExitOnError)
	configFile := fs.String("config", "config.yaml", "Path to config file")
	transport := fs.String("transport", mcp.TransportStdio, "Transport type (stdio, sse, http)")
	port := fs.Int("port", 8080, "HTTP port (for sse and http transports)")
	logLevel := fs.String("loglevel", "info", "Log level (debug, info, warn, error)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: site-crawler mcp-server [options]

Start an MCP (Model Context Protocol) server exposing crawl tools.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  site-crawler mcp-server -config config.yaml
  site-crawler mcp-server -config config.yaml -transport sse -port 8080

Available MCP Tools:
  list_tenants     List configured tenants and their last job
  crawl_website    Start a background crawl for a tenant
  get_crawl_job    Get a crawl job's status and counts
  list_crawl_jobs  List recent crawl jobs
  list_pages       List a tenant's stored pages
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	os.Exit(doMcpServer(*configFile, *transport, *port, *logLevel, os.Stdout, os.Stderr))
}

// doMcpServer is the testable implementation of the MCP server
func doMcpServer(configPath, transport string, port int, logLevel string, stdout, stderr io.Writer) int {
	switch transport {
	case mcp.TransportStdio, mcp.TransportSSE, mcp.TransportHTTP:
	default:
		fmt.Fprintf(stderr, "ERROR: unknown transport '%s' (supported: stdio, sse, http)\n", transport)
		return 1
	}

	cfg, warnings, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %v\n", err)
		return 1
	}

	// stdout carries the protocol on stdio, so logs go to stderr
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

	server, err := mcp.NewServer(&mcp.ServerConfig{
		AppConfig:  cfg,
		ConfigPath: configPath,
		Transport:  transport,
		Port:       port,
		Logger:     log,
		Crawler:    comps.orchestrator,
		Store:      comps.store,
	})
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: failed to create MCP server: %v\n", err)
		return 1
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	exitCode := 0
	select {
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(stderr, "ERROR: MCP server error: %v\n", err)
			exitCode = 1
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Crawls still running at shutdown: %v", err)
	}
	return exitCode
}
