package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/atvirokodosprendimai/keyauth/internal/app"
	"github.com/atvirokodosprendimai/keyauth/internal/core/usecase"
	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:   "keyauth",
		Usage:  "License key issuing and verification service",
		Flags:  globalFlags(),
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API",
				Action: serve,
			},
			{
				Name:  "import",
				Usage: "Copy keys and logs from legacy JSON files into the configured store",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "keys", Usage: "Legacy keys.json path", Required: true},
					&cli.StringFlag{Name: "logs", Usage: "Legacy logs.json path"},
					&cli.BoolFlag{Name: "overwrite", Usage: "Replace keys that already exist in the destination"},
				},
				Action: importLegacy,
			},
			{
				Name:  "keys",
				Usage: "Inspect and issue keys without going through the HTTP API",
				Commands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "Print every key",
						Action: listKeys,
					},
					{
						Name:  "generate",
						Usage: "Issue a new key and print it",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "username", Usage: "Key owner label"},
							&cli.StringFlag{Name: "plan", Usage: "Plan tag"},
							&cli.IntFlag{Name: "days", Value: -1, Usage: "Validity in days (default from config)"},
							&cli.BoolFlag{Name: "hwid-lock", Usage: "Bind the key to the first hardware id that verifies it"},
							&cli.Int64Flag{Name: "max-uses", Value: -1, Usage: "Use quota, 0 for unbounded (default from config)"},
						},
						Action: generateKey,
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Sources: cli.EnvVars("KEYAUTH_CONFIG"),
			Usage:   "Optional YAML config file",
		},
		&cli.StringFlag{
			Name:    "addr",
			Sources: cli.EnvVars("KEYAUTH_ADDR"),
			Usage:   "HTTP listen address",
		},
		&cli.StringFlag{
			Name:    "storage",
			Sources: cli.EnvVars("KEYAUTH_STORAGE"),
			Usage:   "Storage backend: sqlite or jsonfile",
		},
		&cli.StringFlag{
			Name:    "db-path",
			Sources: cli.EnvVars("KEYAUTH_DB_PATH"),
			Usage:   "SQLite file path",
		},
		&cli.StringFlag{
			Name:    "data-dir",
			Sources: cli.EnvVars("KEYAUTH_DATA_DIR"),
			Usage:   "Directory holding keys.json and logs.json for the jsonfile backend",
		},
		&cli.StringFlag{
			Name:    "app-name",
			Sources: cli.EnvVars("KEYAUTH_APP_NAME"),
			Usage:   "Application name reported by /info",
		},
		&cli.StringFlag{
			Name:    "owner-id",
			Sources: cli.EnvVars("KEYAUTH_OWNER_ID"),
			Usage:   "Expected X-Owner-Id header",
		},
		&cli.StringFlag{
			Name:    "app-secret",
			Sources: cli.EnvVars("KEYAUTH_APP_SECRET"),
			Usage:   "Expected X-Secret header",
		},
		&cli.StringFlag{
			Name:    "api-key",
			Sources: cli.EnvVars("KEYAUTH_API_KEY"),
			Usage:   "Expected X-Api-Key header",
		},
		&cli.IntFlag{
			Name:    "log-retention",
			Sources: cli.EnvVars("KEYAUTH_LOG_RETENTION"),
			Usage:   "Number of audit entries kept",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Sources: cli.EnvVars("KEYAUTH_LOG_LEVEL"),
			Usage:   "debug, info, warn or error",
		},
		&cli.BoolFlag{
			Name:    "db-debug",
			Sources: cli.EnvVars("KEYAUTH_DB_DEBUG"),
			Usage:   "Log every SQL statement",
		},
		&cli.StringFlag{
			Name:    "webhook-url",
			Sources: cli.EnvVars("KEYAUTH_WEBHOOK_URL"),
			Usage:   "Audit event webhook target URL",
		},
		&cli.StringFlag{
			Name:    "webhook-secret",
			Sources: cli.EnvVars("KEYAUTH_WEBHOOK_SECRET"),
			Usage:   "HMAC-SHA256 signing secret for outbound webhook requests",
		},
	}
}

// loadConfig resolves defaults, the config file and explicitly set flags, in
// that order.
func loadConfig(c *cli.Command) (app.Config, error) {
	cfg := app.Defaults()
	if path := c.String("config"); path != "" {
		if err := app.LoadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	strs := map[string]*string{
		"addr":           &cfg.Addr,
		"storage":        &cfg.Storage,
		"db-path":        &cfg.DBPath,
		"data-dir":       &cfg.DataDir,
		"app-name":       &cfg.AppName,
		"owner-id":       &cfg.OwnerID,
		"app-secret":     &cfg.AppSecret,
		"api-key":        &cfg.APIKey,
		"log-level":      &cfg.LogLevel,
		"webhook-url":    &cfg.WebhookURL,
		"webhook-secret": &cfg.WebhookSecret,
	}
	for name, dst := range strs {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	if c.IsSet("log-retention") {
		cfg.LogRetention = c.Int("log-retention")
	}
	if c.IsSet("db-debug") {
		cfg.DBDebug = c.Bool("db-debug")
	}

	return cfg, cfg.Validate()
}

func serve(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := app.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	server, closer, err := app.NewServer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer func() {
		if closeErr := closer.Close(); closeErr != nil {
			logger.Error("close resources", "error", closeErr)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr, "storage", cfg.Storage)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func importLegacy(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := app.NewLogger(os.Stderr, cfg.LogLevel)

	src, srcCloser, err := app.OpenJSONFiles(c.String("keys"), c.String("logs"), cfg.LogRetention)
	if err != nil {
		return err
	}
	defer srcCloser.Close()

	dst, dstCloser, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer dstCloser.Close()

	result, err := usecase.NewImportService(dst.Keys, dst.Logs).Import(ctx, src.Keys, src.Logs, c.Bool("overwrite"))
	if err != nil {
		return err
	}
	logger.Info("import finished",
		"keys_imported", result.KeysImported,
		"keys_skipped", result.KeysSkipped,
		"logs_imported", result.LogsImported,
	)
	return nil
}

func listKeys(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := app.NewLogger(os.Stderr, cfg.LogLevel)

	stores, closer, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	records, err := app.NewServices(cfg, stores, logger).Admin.List(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	tw := tabwriter.NewWriter(c.Root().Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tUSER\tPLAN\tEXPIRES\tDAYS LEFT\tUSES\tSTATE")
	for _, rec := range records {
		uses := fmt.Sprintf("%d", rec.UseCount)
		if rec.MaxUses != nil {
			uses = fmt.Sprintf("%d/%d", rec.UseCount, *rec.MaxUses)
		}
		state := "active"
		switch {
		case rec.Banned:
			state = "banned"
		case !rec.Active:
			state = "inactive"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.Token, rec.Username, rec.Plan, rec.ExpiresAt.Format("2006-01-02"), rec.DaysLeft(now), uses, state)
	}
	return tw.Flush()
}

func generateKey(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := app.NewLogger(os.Stderr, cfg.LogLevel)

	stores, closer, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closer.Close()

	req := usecase.IssueRequest{HardwareLock: c.Bool("hwid-lock")}
	if c.IsSet("username") {
		v := c.String("username")
		req.Username = &v
	}
	if c.IsSet("plan") {
		v := c.String("plan")
		req.Plan = &v
	}
	if c.IsSet("days") {
		v := c.Int("days")
		req.Days = &v
	}
	if c.IsSet("max-uses") {
		v := c.Int64("max-uses")
		req.MaxUses = &v
	}

	rec, err := app.NewServices(cfg, stores, logger).Issuance.Issue(ctx, req)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.Root().Writer, rec.Token)
	return err
}
