// Package server assembles the agent mesh MCP server: configuration,
// stores, delivery hub, and the mesh facade.
package server

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	// PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/symagenic/mcp-agent-mesh/pkg/database/migrate"
	"github.com/symagenic/mcp-agent-mesh/pkg/delivery"
	"github.com/symagenic/mcp-agent-mesh/pkg/mesh"
	"github.com/symagenic/mcp-agent-mesh/pkg/message"
	messagepg "github.com/symagenic/mcp-agent-mesh/pkg/message/postgres"
	"github.com/symagenic/mcp-agent-mesh/pkg/session"
	sessionpg "github.com/symagenic/mcp-agent-mesh/pkg/session/postgres"
)

// Version is set at build time.
var Version = "dev"

// Server owns the assembled MCP server and the resources behind it.
type Server struct {
	mcpServer    *mcp.Server
	mesh         *mesh.Mesh
	db           *sql.DB
	sessionStore session.Store
	messageStore message.Store
}

// New assembles a mesh server from configuration. An empty database DSN
// selects in-memory stores: messages and sessions then live for the
// process lifetime only.
func New(cfg *mesh.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	s := &Server{}
	if err := s.initStores(cfg); err != nil {
		return nil, err
	}

	registry := session.NewRegistry(s.sessionStore,
		time.Duration(cfg.Registry.LivenessWindowSeconds)*time.Second)
	hub := delivery.NewHub(cfg.Delivery.HistoryCapacity)
	s.mesh = mesh.New(registry, s.messageStore, hub, cfg.Mesh.RequireExplicitSession)

	s.mcpServer = mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Server.Name,
		Version: versionOrDefault(cfg.Server.Version),
	}, nil)
	s.mesh.RegisterTools(s.mcpServer)
	s.mesh.RegisterResources(s.mcpServer)

	return s, nil
}

func (s *Server) initStores(cfg *mesh.Config) error {
	if cfg.Database.DSN == "" {
		slog.Info("no database configured, using in-memory stores")
		s.sessionStore = session.NewMemoryStore()
		s.messageStore = message.NewMemoryStore()
		return nil
	}

	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}

	if err := migrate.Run(db); err != nil {
		_ = db.Close()
		return fmt.Errorf("migrating database: %w", err)
	}

	msgStore := messagepg.New(db)
	if cfg.Mesh.CleanupIntervalSeconds > 0 {
		msgStore.StartCleanupRoutine(time.Duration(cfg.Mesh.CleanupIntervalSeconds) * time.Second)
	}

	s.db = db
	s.sessionStore = sessionpg.New(db)
	s.messageStore = msgStore
	return nil
}

// MCPServer returns the assembled MCP server.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcpServer
}

// Mesh returns the mesh facade, exposing the delivery hub for transport
// wiring.
func (s *Server) Mesh() *mesh.Mesh {
	return s.mesh
}

// Close releases stores, the delivery hub, and the database connection.
func (s *Server) Close() error {
	if s.mesh != nil {
		_ = s.mesh.Hub().Close()
	}
	if s.messageStore != nil {
		_ = s.messageStore.Close()
	}
	if s.sessionStore != nil {
		_ = s.sessionStore.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func versionOrDefault(v string) string {
	if v == "" {
		return Version
	}
	return v
}
