// Package mcp exposes on-demand crawls and the stored crawl state as MCP tools.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/noname-app/site-crawler/pkg/config"
	"github.com/noname-app/site-crawler/pkg/models"
	"github.com/noname-app/site-crawler/pkg/storage"
)

const (
	serverName    = "site-crawler"
	serverVersion = "1.0.0"
)

// Transports
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// Crawler runs one crawl under a caller-assigned job id
type Crawler interface {
	CrawlWithID(ctx context.Context, jobID, tenantID, website string) (*models.CrawlJob, error)
}

// ServerConfig holds configuration for the MCP server
type ServerConfig struct {
	AppConfig  *config.AppConfig
	ConfigPath string
	Transport  string // stdio | sse | http
	Port       int
	Logger     *logrus.Logger
	Crawler    Crawler
	Store      storage.Store
}

// Server wraps the MCP server with the crawl tools
type Server struct {
	mcpServer  *server.MCPServer
	cfg        *ServerConfig
	log        *logrus.Entry
	jobManager *JobManager
	running    sync.WaitGroup
}

// NewServer creates a new MCP server instance
func NewServer(cfg *ServerConfig) (*Server, error) {
	switch {
	case cfg.AppConfig == nil:
		return nil, errors.New("AppConfig is required")
	case cfg.Crawler == nil:
		return nil, errors.New("Crawler is required")
	case cfg.Store == nil:
		return nil, errors.New("Store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	s := &Server{
		mcpServer:  server.NewMCPServer(serverName, serverVersion, server.WithLogging()),
		cfg:        cfg,
		log:        cfg.Logger.WithField("component", "mcp"),
		jobManager: NewJobManager(),
	}
	s.registerTools()
	return s, nil
}

func (s *Server) registerTools() {
	tools := []server.ServerTool{
		{
			Tool: mcp.NewTool("list_tenants",
				mcp.WithDescription("List the configured tenants with their last crawl job"),
			),
			Handler: s.handleListTenants,
		},
		{
			Tool: mcp.NewTool("crawl_website",
				mcp.WithDescription("Start a background crawl of a tenant website. Returns immediately with a job ID."),
				mcp.WithString("tenant_id",
					mcp.Required(),
					mcp.Description("Tenant the crawl belongs to"),
				),
				mcp.WithString("website",
					mcp.Description("Absolute http(s) URL; defaults to the tenant's configured website"),
				),
			),
			Handler: s.handleCrawlWebsite,
		},
		{
			Tool: mcp.NewTool("get_crawl_job",
				mcp.WithDescription("Get a crawl job from the job log"),
				mcp.WithString("job_id",
					mcp.Required(),
					mcp.Description("The job ID returned by crawl_website"),
				),
			),
			Handler: s.handleGetCrawlJob,
		},
		{
			Tool: mcp.NewTool("list_crawl_jobs",
				mcp.WithDescription("List crawl jobs, newest first"),
				mcp.WithString("tenant_id",
					mcp.Description("Only jobs of this tenant (optional)"),
				),
				mcp.WithNumber("limit",
					mcp.Description("Maximum number of jobs (default: 20, max: 100)"),
				),
			),
			Handler: s.handleListCrawlJobs,
		},
		{
			Tool: mcp.NewTool("list_pages",
				mcp.WithDescription("List the stored pages of a tenant with their fingerprints"),
				mcp.WithString("tenant_id",
					mcp.Required(),
					mcp.Description("Tenant whose pages to list"),
				),
				mcp.WithNumber("limit",
					mcp.Description("Maximum number of pages (default: 100, max: 1000)"),
				),
			),
			Handler: s.handleListPages,
		},
	}
	s.mcpServer.AddTools(tools...)
	s.log.Infof("Registered %d MCP tools", len(tools))
}

// Run serves the configured transport until it fails or is closed
func (s *Server) Run() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	switch s.cfg.Transport {
	case TransportStdio, "":
		s.log.Info("Starting MCP server with stdio transport")
		return server.ServeStdio(s.mcpServer)
	case TransportSSE:
		s.log.Infof("Starting MCP server with SSE transport on %s", addr)
		return server.NewSSEServer(s.mcpServer).Start(addr)
	case TransportHTTP:
		s.log.Infof("Starting MCP server with streamable HTTP transport on %s", addr)
		return server.NewStreamableHTTPServer(s.mcpServer).Start(addr)
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio, sse, http)", s.cfg.Transport)
	}
}

// Shutdown cancels running crawls and waits until each has recorded its
// terminal job state, or ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down MCP server...")
	s.jobManager.CancelAll()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
