// Package main is the clause crawler command line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/clause-crawler/internal/app"
	"github.com/JakeFAU/clause-crawler/internal/config"
	"github.com/JakeFAU/clause-crawler/internal/logging"
	"github.com/JakeFAU/clause-crawler/internal/metrics"
	"github.com/JakeFAU/clause-crawler/internal/repository"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCLI(os.Stdout).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "clausecrawler: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newCLI(out io.Writer) *cli.App {
	return &cli.App{
		Name:   "clausecrawler",
		Usage:  "Collect French succession-law clauses into a versioned repository",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file (YAML, JSON or TOML)",
				EnvVars: []string{"CLAUSE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Override logging level (debug, info, warn, error)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "crawl",
				Usage:  "Crawl configured sources and upsert extracted clauses",
				Action: crawlCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "fresh",
						Usage: "Ignore the saved crawl state",
					},
					&cli.IntFlag{
						Name:  "max-pages",
						Usage: "Override crawler.max_pages (0 keeps the configured value)",
					},
				},
			},
			{
				Name:   "merge",
				Usage:  "Merge near-duplicate clauses using the similarity comparator",
				Action: mergeCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "threshold",
						Usage: "Override repository.merge_threshold (pairs must score above it)",
					},
				},
			},
			{
				Name:   "enrich",
				Usage:  "Fill enrichment details for clauses flagged as needing an update",
				Action: enrichCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum clauses to enrich (0 means all)",
					},
				},
			},
			{
				Name:   "stats",
				Usage:  "Print repository statistics",
				Action: statsCommand,
			},
			{
				Name:   "sync",
				Usage:  "Copy every clause to the Postgres mirror",
				Action: syncCommand,
			},
			{
				Name:   "serve",
				Usage:  "Run the status HTTP server",
				Action: serveCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "port",
						Usage:   "Override server.port",
						EnvVars: []string{"PORT"},
					},
				},
			},
		},
	}
}

// env bundles what every command needs.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

func setup(c *cli.Context) (*env, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.Logging.Level
	if c.String("log-level") != "" {
		level = c.String("log-level")
	}
	logger, err := logging.NewAtLevel(cfg.Logging.Development, level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()
	return &env{cfg: cfg, logger: logger}, nil
}

func (e *env) close() {
	_ = e.logger.Sync()
}

func withApp(c *cli.Context, mutate func(*config.Config), fn func(*app.App) error) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()
	if mutate != nil {
		mutate(&e.cfg)
	}
	a, err := app.New(c.Context, e.cfg, e.logger)
	if err != nil {
		e.logger.Error("init services failed", zap.Error(err))
		return err
	}
	defer a.Close()
	if err := fn(a); err != nil {
		e.logger.Error("command failed", zap.String("command", c.Command.Name), zap.Error(err))
		return err
	}
	return nil
}

func crawlCommand(c *cli.Context) error {
	return withApp(c, func(cfg *config.Config) {
		if n := c.Int("max-pages"); n > 0 {
			cfg.Crawler.MaxPages = n
		}
	}, func(a *app.App) error {
		p, err := a.Pipeline(c.Bool("fresh"))
		if err != nil {
			return err
		}
		report, err := p.Run(c.Context)
		if err != nil {
			return fmt.Errorf("crawl: %w", err)
		}
		return printJSON(c.App.Writer, report)
	})
}

func mergeCommand(c *cli.Context) error {
	return withApp(c, func(cfg *config.Config) {
		if t := c.Int("threshold"); t > 0 {
			cfg.Repository.MergeThreshold = t
		}
	}, func(a *app.App) error {
		d, err := a.Deduplicator()
		if err != nil {
			return err
		}
		report, err := d.Run(c.Context)
		if err != nil {
			return fmt.Errorf("merge: %w", err)
		}
		return printJSON(c.App.Writer, report)
	})
}

func enrichCommand(c *cli.Context) error {
	return withApp(c, nil, func(a *app.App) error {
		e, err := a.Enricher()
		if err != nil {
			return err
		}
		report, err := e.Run(c.Context, c.Int("limit"))
		if err != nil {
			return fmt.Errorf("enrich: %w", err)
		}
		return printJSON(c.App.Writer, report)
	})
}

// statsCommand reads the repository file directly; no backend is dialed.
func statsCommand(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.close()
	doc, err := repository.ReadDocument(c.Context, e.cfg.Repository.Path)
	if err != nil {
		return fmt.Errorf("read repository: %w", err)
	}
	return printJSON(c.App.Writer, map[string]any{
		"path":        e.cfg.Repository.Path,
		"last_update": doc.Metadata.LastUpdate,
		"stats":       doc.Metadata.Stats,
	})
}

func syncCommand(c *cli.Context) error {
	return withApp(c, nil, func(a *app.App) error {
		mirror := a.Mirror()
		if mirror == nil {
			return errors.New("sync: db.dsn is not configured")
		}
		n, err := mirror.Sync(c.Context, a.Repository().Records())
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		return printJSON(c.App.Writer, map[string]int{"synced": n})
	})
}

func serveCommand(c *cli.Context) error {
	return withApp(c, func(cfg *config.Config) {
		if p := c.Int("port"); p > 0 {
			cfg.Server.Port = p
		}
	}, func(a *app.App) error {
		cfg := a.Config()
		srv := &http.Server{
			Addr:              ":" + strconv.Itoa(cfg.Server.Port),
			Handler:           a.Server().Handler(),
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		}
		errCh := make(chan error, 1)
		go func() {
			a.Logger().Info("status server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err, ok := <-errCh:
			if ok {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		case <-c.Context.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		a.Logger().Info("status server stopped")
		return nil
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
