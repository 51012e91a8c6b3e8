package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"parsewatch/internal/backend"
	"parsewatch/internal/config"
	"parsewatch/internal/eventloop"
	"parsewatch/internal/logging"
	"parsewatch/internal/notifications"
	"parsewatch/internal/session"
	"parsewatch/internal/workflow"
)

type commandContext struct {
	configFlag *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error

	logger *slog.Logger
}

func newCommandContext(configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

// ensureLogger builds the process logger. Long-running commands log to the
// console as well as the daily file; short commands keep stderr for errors.
func (c *commandContext) ensureLogger(console bool) (*slog.Logger, error) {
	if c.logger != nil {
		return c.logger, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	var logger *slog.Logger
	if console {
		logger, err = logging.NewFromConfig(cfg)
	} else {
		logger, err = logging.New(logging.Options{
			Level:       cfg.Logging.Level,
			Format:      "json",
			OutputPaths: []string{filepath.Join(cfg.Paths.LogDir, logging.DailyLogName(time.Now()))},
		})
	}
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	c.logger = logger
	return logger, nil
}

type appOptions struct {
	// console mirrors logs to stderr.
	console bool
	// notify publishes ntfy notifications for coordinator events.
	notify bool
	// adopt tracks every job the backend lists, not only local uploads.
	adopt bool
	// listen receives coordinator events on the loop.
	listen func(workflow.Event)
}

// app is one running coordinator with its loop, store, and client.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  session.Store
	client *backend.Client
	loop   *eventloop.Runner
	coord  *workflow.Coordinator

	stopLoop context.CancelFunc
}

func (c *commandContext) openApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.ensureLogger(opts.console)
	if err != nil {
		return nil, err
	}
	client, err := backend.NewFromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	store, err := session.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	var notifier notifications.Service
	if opts.notify {
		notifier = notifications.NewService(cfg)
	}
	wopts := workflow.OptionsFromConfig(cfg, store, notifier, logger)
	if opts.adopt {
		wopts.Poller.AdoptUnknown = true
	}

	loop := eventloop.New(nil)
	loopCtx, stopLoop := context.WithCancel(context.Background())
	go func() { _ = loop.Run(loopCtx) }()

	coord := workflow.New(loop, client, wopts)
	if opts.listen != nil {
		coord.Subscribe(opts.listen)
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		client:   client,
		loop:     loop,
		coord:    coord,
		stopLoop: stopLoop,
	}
	if err := coord.Start(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("start coordinator: %w", err)
	}
	return a, nil
}

// Close stops the coordinator, then the loop, then the store.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.coord.Close(ctx); err != nil {
		a.logger.Debug("coordinator close", logging.Error(err))
	}
	a.stopLoop()
	<-a.loop.Done()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("session store close", logging.Error(err))
	}
}

func (c *commandContext) withApp(cmd *cobra.Command, opts appOptions, fn func(*app) error) error {
	a, err := c.openApp(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
