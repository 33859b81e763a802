package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"
)

// DuckDBClient manages the DuckDB connection and the layer schemas.
type DuckDBClient struct {
	db     *sql.DB
	config *StorageConfig
	logger *zap.Logger
}

// NewDuckDBClient opens the database and creates the layer schemas.
func NewDuckDBClient(config *StorageConfig, logger *zap.Logger) (*DuckDBClient, error) {
	db, err := sql.Open("duckdb", config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}

	client := &DuckDBClient{
		db:     db,
		config: config,
		logger: logger,
	}
	if err := client.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return client, nil
}

// initialize creates the meta, bronze, silver, gold and marts schemas.
func (c *DuckDBClient) initialize() error {
	ctx := context.Background()

	schemas := []string{
		c.config.MetaSchema,
		c.config.BronzeSchema,
		c.config.SilverSchema,
		c.config.GoldSchema,
		c.config.MartsSchema,
	}
	for _, schema := range schemas {
		createSQL := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)
		if _, err := c.db.ExecContext(ctx, createSQL); err != nil {
			return fmt.Errorf("failed to create schema %s: %w", schema, err)
		}
	}

	c.logger.Info("DuckDB initialized",
		zap.String("path", c.config.Path),
		zap.Strings("schemas", schemas))
	return nil
}

// DB exposes the underlying connection pool.
func (c *DuckDBClient) DB() *sql.DB {
	return c.db
}

// Close closes the DuckDB connection.
func (c *DuckDBClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}
