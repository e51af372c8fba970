package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"annostore/internal/config"
	"annostore/internal/task"
	"annostore/internal/upstream/store"
)

type commandContext struct {
	storeURL   string
	username   string
	jsonOutput bool
	verbose    bool

	clientOnce sync.Once
	client     *store.Client
	cfg        config.Config
	clientErr  error
}

func (c *commandContext) logger() *slog.Logger {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// storeClient builds the client once from the environment and the global
// flags.
func (c *commandContext) storeClient() (*store.Client, error) {
	c.clientOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			c.clientErr = err
			return
		}
		if u := strings.TrimSpace(c.storeURL); u != "" {
			cfg.StoreBaseURL = strings.TrimRight(u, "/")
		}
		if u := strings.TrimSpace(c.username); u != "" {
			cfg.StoreUsername = u
		}
		if err := cfg.Validate(); err != nil {
			c.clientErr = err
			return
		}
		c.cfg = cfg
		c.client, c.clientErr = store.New(cfg.StoreBaseURL, &http.Client{Timeout: cfg.RequestTimeout},
			store.WithCredentials(cfg.StoreUsername, cfg.StorePassword),
			store.WithLanguage(cfg.StoreLanguage),
			store.WithUserAgent("annostore-cli/1"),
			store.WithLogger(c.logger()),
		)
	})
	return c.client, c.clientErr
}

func (c *commandContext) handle(id string) (*task.Handle, error) {
	client, err := c.storeClient()
	if err != nil {
		return nil, err
	}
	return task.New(client, strings.TrimSpace(id), task.WithLogger(c.logger())), nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
