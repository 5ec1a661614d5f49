package main

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lsq-dev/lsq/internal/config"
	"github.com/lsq-dev/lsq/internal/logging"
	"github.com/lsq-dev/lsq/internal/lsp"
)

// commandContext lazily builds the pieces commands share: config, logger,
// and the session manager. Nothing is constructed until a command needs it,
// so `lsq servers` never spawns a process and `lsq --help` never reads a
// config file.
type commandContext struct {
	configFlag   *string
	timeoutFlag  *time.Duration
	logLevelFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	managerOnce sync.Once
	manager     *lsp.Manager
}

func newCommandContext(configFlag *string, timeoutFlag *time.Duration, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		timeoutFlag:  timeoutFlag,
		logLevelFlag: logLevelFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		c.config, c.configErr = config.Load(path)
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() *slog.Logger {
	cfg, err := c.ensureConfig()
	if err != nil {
		return logging.NewNop()
	}

	level := cfg.LogLevel
	if c.logLevelFlag != nil && strings.TrimSpace(*c.logLevelFlag) != "" {
		level = *c.logLevelFlag
	}

	logger, err := logging.New(logging.Options{
		Level:  level,
		Format: cfg.LogFormat,
		Output: os.Stderr,
	})
	if err != nil {
		return logging.NewNop()
	}
	return logger
}

// ensureManager builds the session manager on first use. Flags beat config.
func (c *commandContext) ensureManager() (*lsp.Manager, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}

	c.managerOnce.Do(func() {
		timeout := cfg.RequestTimeout()
		if c.timeoutFlag != nil && *c.timeoutFlag > 0 {
			timeout = *c.timeoutFlag
		}

		c.manager = lsp.NewManager(
			lsp.NewRegistry(cfg.Descriptors()...),
			lsp.WithRequestTimeout(timeout),
			lsp.WithHandshakeTimeout(cfg.HandshakeTimeout()),
			lsp.WithLogger(logging.WithComponent(c.logger(), "lsp")),
		)
	})
	return c.manager, nil
}

// shutdown disposes the manager if one was built.
func (c *commandContext) shutdown() {
	if c.manager == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.manager.Shutdown(ctx)
}
