// Package graph maintains an optional Memgraph mirror of resolution
// state over the Bolt protocol. The mirror only ever receives writes;
// Postgres answers all reads.
package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/aster/pkg/tracing"
)

// Config holds the Bolt connection settings
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Client owns the Bolt driver. Sessions are opened per operation; the
// driver pools connections underneath.
type Client struct {
	driver neo4j.DriverWithContext
	logger ectologger.Logger
}

// NewClient connects to the graph store. An empty username means the
// server runs without auth (the local Memgraph default).
func NewClient(cfg Config, logger ectologger.Logger) (*Client, error) {
	uri := fmt.Sprintf("bolt://%s:%d", cfg.Host, cfg.Port)

	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph driver: %w", err)
	}

	return &Client{driver: driver, logger: logger}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// VerifyConnectivity reports whether the graph store is reachable.
// Used by the health checker; a failure degrades, never fails, health.
func (c *Client) VerifyConnectivity(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// ExecuteWrite runs the work function inside a managed write
// transaction on a fresh session.
func (c *Client) ExecuteWrite(ctx context.Context, work func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.Client.ExecuteWrite")
	defer span.End()

	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	return session.ExecuteWrite(ctx, work)
}
